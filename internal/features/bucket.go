package features

import (
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// BucketMode selects how rollout buckets are derived.
type BucketMode string

const (
	// BucketNamespaced derives an independent bucket per (user, feature)
	// pair, so partial rollouts of different flags are uncorrelated.
	BucketNamespaced BucketMode = "namespaced"
	// BucketLegacy reuses a single per-user bucket for every flag. A user
	// in the bottom decile is in the bottom decile of every rollout.
	// Kept as an explicit compatibility mode.
	BucketLegacy BucketMode = "legacy"
)

// ParseBucketMode validates a configured bucket mode string.
func ParseBucketMode(raw string) (BucketMode, error) {
	switch BucketMode(raw) {
	case BucketNamespaced:
		return BucketNamespaced, nil
	case BucketLegacy:
		return BucketLegacy, nil
	}
	return "", fmt.Errorf("%w: unknown bucket mode %q", shared.ErrInvalidArgument, raw)
}

// Bucket returns the deterministic rollout bucket in [0,100) for the
// given user and feature. The namespaced mode hashes both inputs with
// FNV-1a; the legacy mode is userID mod 100 and ignores the key.
func Bucket(mode BucketMode, userID int64, key Key) int {
	if mode == BucketLegacy {
		b := userID % 100
		if b < 0 {
			b += 100
		}
		return int(b)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(strconv.FormatInt(userID, 10)))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % 100)
}
