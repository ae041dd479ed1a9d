package features

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*CatalogCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCatalogCache(client, 5*time.Second)
	require.NotNil(t, cache)
	return cache, mr
}

func TestCatalogCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)

	_, ok := cache.Get(ctx)
	assert.False(t, ok)

	flags := []Flag{
		{Key: KeyAnalytics, DisplayName: "Analytics", RolloutPercentage: 30},
		{Key: KeySupportChat, DisplayName: "Support Chat", DefaultEnabled: true, RolloutPercentage: 100},
	}
	cache.Set(ctx, flags)

	got, ok := cache.Get(ctx)
	require.True(t, ok)
	assert.Equal(t, flags, got)
}

func TestCatalogCacheExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)

	cache.Set(ctx, []Flag{{Key: KeyAnalytics}})
	_, ok := cache.Get(ctx)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)
	_, ok = cache.Get(ctx)
	assert.False(t, ok, "staleness must be bounded by the TTL")
}

func TestCatalogCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)

	cache.Set(ctx, []Flag{{Key: KeyAnalytics}})
	cache.Invalidate(ctx)

	_, ok := cache.Get(ctx)
	assert.False(t, ok)
}

func TestNilCacheIsSafe(t *testing.T) {
	ctx := context.Background()
	var cache *CatalogCache

	_, ok := cache.Get(ctx)
	assert.False(t, ok)
	cache.Set(ctx, []Flag{{Key: KeyAnalytics}})
	cache.Invalidate(ctx)
}

func TestNewCatalogCacheDisabled(t *testing.T) {
	assert.Nil(t, NewCatalogCache(nil, 5*time.Second))
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	assert.Nil(t, NewCatalogCache(client, 0))
}

func TestServiceUsesCacheAndInvalidatesOnUpdate(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)

	repo := newMockRepository()
	repo.addFlag(KeyAnalytics, false, 100)
	svc := NewService(repo, ServiceConfig{Cache: cache})

	// Prime the cache, then make the repository unreachable: reads keep
	// succeeding from the cached snapshot within the TTL.
	require.True(t, svc.IsEnabled(ctx, user(7), string(KeyAnalytics)))
	repo.catalogError = assert.AnError
	assert.True(t, svc.IsEnabled(ctx, user(7), string(KeyAnalytics)))

	// An admin write invalidates eagerly so the next read misses the
	// cache rather than serving the stale flag.
	repo.catalogError = nil
	rollout := 0
	enabled := false
	_, err := svc.UpdateFlag(ctx, admin, string(KeyAnalytics), FlagUpdate{RolloutPercentage: &rollout, DefaultEnabled: &enabled})
	require.NoError(t, err)
	assert.False(t, svc.IsEnabled(ctx, user(7), string(KeyAnalytics)))
}
