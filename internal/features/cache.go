package features

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const catalogCacheKey = "gatehouse:flags:catalog"

// CatalogCache is an optional Redis cache for the flag catalog. Staleness
// is bounded by the TTL; the uncached repository path remains the ground
// truth and admin writes invalidate the entry eagerly.
type CatalogCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCatalogCache builds a cache with the given staleness bound.
func NewCatalogCache(client *redis.Client, ttl time.Duration) *CatalogCache {
	if client == nil || ttl <= 0 {
		return nil
	}
	return &CatalogCache{client: client, ttl: ttl}
}

// Get returns the cached catalog, if present and decodable.
func (c *CatalogCache) Get(ctx context.Context) ([]Flag, bool) {
	if c == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, catalogCacheKey).Bytes()
	if err != nil {
		return nil, false
	}
	var flags []Flag
	if err := json.Unmarshal(data, &flags); err != nil {
		return nil, false
	}
	return flags, true
}

// Set stores the catalog snapshot. Failures are ignored: the cache is an
// optimisation, never a source of truth.
func (c *CatalogCache) Set(ctx context.Context, flags []Flag) {
	if c == nil {
		return
	}
	data, err := json.Marshal(flags)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, catalogCacheKey, data, c.ttl).Err()
}

// Invalidate drops the cached snapshot so the next read observes an
// admin write immediately instead of after the TTL.
func (c *CatalogCache) Invalidate(ctx context.Context) {
	if c == nil {
		return
	}
	_ = c.client.Del(ctx, catalogCacheKey).Err()
}
