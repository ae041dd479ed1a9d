package features

import (
	"fmt"
	"time"

	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Key identifies a feature flag. The set of keys is closed: anything
// outside KnownKeys resolves as disabled.
type Key string

const (
	KeyAppsMarketplace Key = "apps_marketplace"
	KeySupportChat     Key = "support_chat"
	KeyAnalytics       Key = "analytics"
	KeyAIAssistant     Key = "ai_assistant"
	KeyBetaDashboard   Key = "beta_dashboard"
)

// KnownKeys lists every feature key the engine recognises, in display order.
var KnownKeys = []Key{
	KeyAppsMarketplace,
	KeySupportChat,
	KeyAnalytics,
	KeyAIAssistant,
	KeyBetaDashboard,
}

var knownKeySet = func() map[Key]struct{} {
	set := make(map[Key]struct{}, len(KnownKeys))
	for _, k := range KnownKeys {
		set[k] = struct{}{}
	}
	return set
}()

// ParseKey maps a raw string to a known feature key. The second return
// is false for unknown keys, which callers must treat as disabled.
func ParseKey(raw string) (Key, bool) {
	k := Key(raw)
	_, ok := knownKeySet[k]
	return k, ok
}

// Flag is a feature flag definition from the catalog.
type Flag struct {
	Key               Key
	DisplayName       string
	Description       string
	DefaultEnabled    bool
	RolloutPercentage int
	UpdatedAt         time.Time
}

// Validate checks catalog invariants on the flag.
func (f Flag) Validate() error {
	if _, ok := knownKeySet[f.Key]; !ok {
		return fmt.Errorf("%w: unknown feature key %q", shared.ErrInvalidArgument, f.Key)
	}
	if f.RolloutPercentage < 0 || f.RolloutPercentage > 100 {
		return fmt.Errorf("%w: rollout percentage %d outside [0,100]", shared.ErrInvalidArgument, f.RolloutPercentage)
	}
	return nil
}

// Override is an administrator-set per-user flag value. It takes
// precedence over rollout computation.
type Override struct {
	UserID  int64
	Key     Key
	Enabled bool
	SetAt   time.Time
}

// FlagUpdate carries a partial update for a flag. Nil fields are left
// untouched.
type FlagUpdate struct {
	DisplayName       *string
	Description       *string
	DefaultEnabled    *bool
	RolloutPercentage *int
}

// Validate rejects out-of-range rollout values before any write. Values
// are never clamped.
func (u FlagUpdate) Validate() error {
	if u.RolloutPercentage != nil && (*u.RolloutPercentage < 0 || *u.RolloutPercentage > 100) {
		return fmt.Errorf("%w: rollout percentage %d outside [0,100]", shared.ErrInvalidArgument, *u.RolloutPercentage)
	}
	return nil
}
