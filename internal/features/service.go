package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/gatehouse-io/gatehouse/internal/observability"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// ServiceConfig carries optional collaborators for the resolver.
type ServiceConfig struct {
	BucketMode BucketMode
	Cache      *CatalogCache
	Metrics    *observability.Metrics
	Audit      *shared.AuditLogger
	Logger     *slog.Logger
}

// Service resolves feature enablement from the catalog, per-user
// overrides and rollout buckets. Reads are stateless and safe for
// unbounded concurrent use; all mutations are idempotent upserts.
type Service struct {
	repo    RepositoryPort
	cache   *CatalogCache
	mode    BucketMode
	metrics *observability.Metrics
	audit   *shared.AuditLogger
	logger  *slog.Logger
	group   singleflight.Group
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, cfg ServiceConfig) *Service {
	mode := cfg.BucketMode
	if mode == "" {
		mode = BucketNamespaced
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		cache:   cfg.Cache,
		mode:    mode,
		metrics: cfg.Metrics,
		audit:   cfg.Audit,
		logger:  logger,
	}
}

// UserFlag pairs a catalog entry with its resolved value for one user.
type UserFlag struct {
	Flag    Flag
	Enabled bool
}

// catalog loads the flag catalog, consulting the cache first and
// coalescing concurrent repository loads.
func (s *Service) catalog(ctx context.Context) ([]Flag, error) {
	if flags, ok := s.cache.Get(ctx); ok {
		return flags, nil
	}
	v, err, _ := s.group.Do("catalog", func() (any, error) {
		flags, err := s.repo.ListFlags(ctx)
		if err != nil {
			return nil, err
		}
		s.cache.Set(ctx, flags)
		return flags, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Flag), nil
}

// evaluate applies the resolution order: admin bypass, explicit
// override, full rollout, zero rollout, bucket. Anonymous callers skip
// override and bucket computation entirely.
func (s *Service) evaluate(flag Flag, override *Override, id shared.Identity) bool {
	if id.IsAdmin() {
		return true
	}
	if !id.Anonymous && override != nil {
		return override.Enabled
	}
	if flag.RolloutPercentage >= 100 {
		return true
	}
	if flag.RolloutPercentage <= 0 || id.Anonymous {
		return flag.DefaultEnabled
	}
	return Bucket(s.mode, id.UserID, flag.Key) < flag.RolloutPercentage
}

// IsEnabled reports whether the feature is on for the caller. Unknown
// keys and keys removed from the catalog resolve to false; a failing
// store degrades to the static fallback map. This never returns an
// error: the flag read path must not take down a request.
func (s *Service) IsEnabled(ctx context.Context, id shared.Identity, rawKey string) bool {
	key, ok := ParseKey(rawKey)
	if !ok {
		return false
	}
	if id.IsAdmin() {
		return true
	}
	flags, err := s.catalog(ctx)
	if err != nil {
		s.fallback(err)
		return fallbackDefaults[key]
	}
	for _, flag := range flags {
		if flag.Key != key {
			continue
		}
		return s.evaluate(flag, s.overrideFor(ctx, id, key), id)
	}
	return false
}

// FeatureMap resolves every catalog flag for the caller. On store
// failure the static fallback map is returned instead.
func (s *Service) FeatureMap(ctx context.Context, id shared.Identity) map[Key]bool {
	flags, err := s.catalog(ctx)
	if err != nil {
		s.fallback(err)
		out := FallbackDefaults()
		if id.IsAdmin() {
			for k := range out {
				out[k] = true
			}
		}
		return out
	}
	overrides := s.overridesFor(ctx, id)
	out := make(map[Key]bool, len(flags))
	for _, flag := range flags {
		out[flag.Key] = s.evaluate(flag, overrides[flag.Key], id)
	}
	return out
}

// EnabledFeatures returns the set of catalog keys enabled for the
// caller, in catalog order.
func (s *Service) EnabledFeatures(ctx context.Context, id shared.Identity) []Key {
	flags, err := s.catalog(ctx)
	if err != nil {
		s.fallback(err)
		var keys []Key
		for _, k := range KnownKeys {
			if id.IsAdmin() || fallbackDefaults[k] {
				keys = append(keys, k)
			}
		}
		return keys
	}
	overrides := s.overridesFor(ctx, id)
	var keys []Key
	for _, flag := range flags {
		if s.evaluate(flag, overrides[flag.Key], id) {
			keys = append(keys, flag.Key)
		}
	}
	return keys
}

// UserCatalog returns the per-user enabled projection of the full
// catalog, including display metadata. Degrades to the fallback map
// with bare keys when the store is unavailable.
func (s *Service) UserCatalog(ctx context.Context, id shared.Identity) []UserFlag {
	flags, err := s.catalog(ctx)
	if err != nil {
		s.fallback(err)
		out := make([]UserFlag, 0, len(KnownKeys))
		for _, k := range KnownKeys {
			out = append(out, UserFlag{
				Flag:    Flag{Key: k, DisplayName: string(k)},
				Enabled: id.IsAdmin() || fallbackDefaults[k],
			})
		}
		return out
	}
	overrides := s.overridesFor(ctx, id)
	out := make([]UserFlag, 0, len(flags))
	for _, flag := range flags {
		out = append(out, UserFlag{Flag: flag, Enabled: s.evaluate(flag, overrides[flag.Key], id)})
	}
	return out
}

// AllFlags returns the raw catalog for the admin view, uncached.
func (s *Service) AllFlags(ctx context.Context) ([]Flag, error) {
	return s.repo.ListFlags(ctx)
}

// GetFlag returns one catalog entry for the admin config view.
func (s *Service) GetFlag(ctx context.Context, rawKey string) (*Flag, error) {
	key, ok := ParseKey(rawKey)
	if !ok {
		return nil, fmt.Errorf("%w: unknown feature key %q", shared.ErrInvalidArgument, rawKey)
	}
	return s.repo.GetFlag(ctx, key)
}

// UpdateFlag applies a partial update to an existing flag. A key missing
// from the catalog returns shared.ErrNotFound: this operation updates,
// it does not create.
func (s *Service) UpdateFlag(ctx context.Context, actor shared.Identity, rawKey string, update FlagUpdate) (*Flag, error) {
	key, ok := ParseKey(rawKey)
	if !ok {
		return nil, fmt.Errorf("%w: unknown feature key %q", shared.ErrInvalidArgument, rawKey)
	}
	if err := update.Validate(); err != nil {
		return nil, err
	}
	flag, err := s.repo.UpdateFlag(ctx, key, update)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx)
	s.recordAudit(ctx, actor, "feature_flag.update", "feature_flag", string(key), map[string]any{
		"default_enabled":    flag.DefaultEnabled,
		"rollout_percentage": flag.RolloutPercentage,
	})
	return flag, nil
}

// Overrides lists a user's overrides for the admin view.
func (s *Service) Overrides(ctx context.Context, userID int64) ([]Override, error) {
	return s.repo.ListOverrides(ctx, userID)
}

// SetOverride upserts one per-user override. The flag must exist in the
// catalog; the write is idempotent and stamps set_at on every call.
func (s *Service) SetOverride(ctx context.Context, actor shared.Identity, userID int64, rawKey string, enabled bool) error {
	key, ok := ParseKey(rawKey)
	if !ok {
		return fmt.Errorf("%w: unknown feature key %q", shared.ErrInvalidArgument, rawKey)
	}
	if _, err := s.repo.GetFlag(ctx, key); err != nil {
		return err
	}
	if err := s.repo.UpsertOverride(ctx, userID, key, enabled); err != nil {
		return err
	}
	s.recordAudit(ctx, actor, "feature_override.set", "user_feature_override", overrideEntityID(userID, key), map[string]any{"enabled": enabled})
	return nil
}

// BulkSetOverrides applies a map of overrides for one user. The whole
// batch is validated before the first write.
func (s *Service) BulkSetOverrides(ctx context.Context, actor shared.Identity, userID int64, values map[string]bool) error {
	flags, err := s.repo.ListFlags(ctx)
	if err != nil {
		return err
	}
	inCatalog := make(map[Key]struct{}, len(flags))
	for _, flag := range flags {
		inCatalog[flag.Key] = struct{}{}
	}
	keys := make(map[Key]bool, len(values))
	for raw, enabled := range values {
		key, ok := ParseKey(raw)
		if !ok {
			return fmt.Errorf("%w: unknown feature key %q", shared.ErrInvalidArgument, raw)
		}
		if _, ok := inCatalog[key]; !ok {
			return fmt.Errorf("%w: feature %q not in catalog", shared.ErrNotFound, raw)
		}
		keys[key] = enabled
	}
	for key, enabled := range keys {
		if err := s.repo.UpsertOverride(ctx, userID, key, enabled); err != nil {
			return err
		}
	}
	s.recordAudit(ctx, actor, "feature_override.bulk_set", "user_feature_override", strconv.FormatInt(userID, 10), map[string]any{"count": len(keys)})
	return nil
}

// ClearOverride deletes one override, reverting the user to
// rollout-based computation. Clearing an absent override succeeds.
func (s *Service) ClearOverride(ctx context.Context, actor shared.Identity, userID int64, rawKey string) error {
	key, ok := ParseKey(rawKey)
	if !ok {
		return fmt.Errorf("%w: unknown feature key %q", shared.ErrInvalidArgument, rawKey)
	}
	if err := s.repo.DeleteOverride(ctx, userID, key); err != nil {
		return err
	}
	s.recordAudit(ctx, actor, "feature_override.clear", "user_feature_override", overrideEntityID(userID, key), nil)
	return nil
}

// ClearAllOverrides deletes every override for one user.
func (s *Service) ClearAllOverrides(ctx context.Context, actor shared.Identity, userID int64) error {
	if err := s.repo.DeleteAllOverrides(ctx, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, actor, "feature_override.clear_all", "user_feature_override", strconv.FormatInt(userID, 10), nil)
	return nil
}

// VerifyCatalog reports known keys missing from the stored catalog.
// Called once at startup; missing keys resolve as disabled until an
// administrator seeds them.
func (s *Service) VerifyCatalog(ctx context.Context) ([]Key, error) {
	flags, err := s.repo.ListFlags(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[Key]struct{}, len(flags))
	for _, flag := range flags {
		present[flag.Key] = struct{}{}
	}
	var missing []Key
	for _, k := range KnownKeys {
		if _, ok := present[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

func (s *Service) overrideFor(ctx context.Context, id shared.Identity, key Key) *Override {
	if id.Anonymous {
		return nil
	}
	ov, err := s.repo.GetOverride(ctx, id.UserID, key)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			s.logger.Error("load override", slog.Int64("user_id", id.UserID), slog.String("feature", string(key)), slog.Any("error", err))
		}
		return nil
	}
	return ov
}

func (s *Service) overridesFor(ctx context.Context, id shared.Identity) map[Key]*Override {
	if id.Anonymous {
		return nil
	}
	overrides, err := s.repo.ListOverrides(ctx, id.UserID)
	if err != nil {
		s.logger.Error("load overrides", slog.Int64("user_id", id.UserID), slog.Any("error", err))
		return nil
	}
	out := make(map[Key]*Override, len(overrides))
	for i := range overrides {
		out[overrides[i].Key] = &overrides[i]
	}
	return out
}

func (s *Service) fallback(err error) {
	s.logger.Error("flag catalog unavailable, serving fallback defaults", slog.Any("error", err))
	s.metrics.IncResolutionFallback()
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Identity, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actor.UserID, Action: action, Entity: entity, EntityID: entityID, Meta: meta}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func overrideEntityID(userID int64, key Key) string {
	return strconv.FormatInt(userID, 10) + ":" + string(key)
}
