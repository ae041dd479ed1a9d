package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Service resolves effective app access from direct grants, the user's
// permission group and the caller role. Feature gating is deliberately
// absent here: the gate package owns that policy.
type Service struct {
	repo   RepositoryPort
	audit  *shared.AuditLogger
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

// Groups returns the closed group registry.
func (s *Service) Groups() []Group {
	out := make([]Group, len(KnownGroups))
	copy(out, KnownGroups)
	return out
}

// UserGroup returns the user's group with its template. A stored value
// outside the registry resolves to an empty template so unknown groups
// imply no access.
func (s *Service) UserGroup(ctx context.Context, userID int64) (Group, error) {
	raw, err := s.repo.GetUserGroup(ctx, userID)
	if err != nil {
		return Group{}, err
	}
	group, ok := ParseGroupKey(raw)
	if !ok {
		s.logger.Warn("user has unknown permission group", slog.Int64("user_id", userID), slog.String("group", raw))
		return Group{Key: GroupKey(raw)}, nil
	}
	return group, nil
}

// SetGroup replaces the user's single group assignment. Unknown group
// keys are rejected before any write.
func (s *Service) SetGroup(ctx context.Context, actor shared.Identity, userID int64, rawGroup string) error {
	group, ok := ParseGroupKey(rawGroup)
	if !ok {
		return fmt.Errorf("%w: unknown permission group %q", shared.ErrInvalidArgument, rawGroup)
	}
	if err := s.repo.SetUserGroup(ctx, userID, group.Key); err != nil {
		return err
	}
	s.recordAudit(ctx, actor, "permission_group.assign", "user", strconv.FormatInt(userID, 10), map[string]any{"group": group.Key})
	return nil
}

// DirectGrants returns the raw grant rows for admin views, expired
// entries included.
func (s *Service) DirectGrants(ctx context.Context, userID int64) ([]Grant, error) {
	return s.repo.ListGrants(ctx, userID)
}

// EffectivePermissions computes the deduplicated union of direct grants
// and group-implied access. Admin callers receive every active app as
// synthetic entries; anonymous callers receive nothing. An optional
// slug filter narrows the result.
func (s *Service) EffectivePermissions(ctx context.Context, id shared.Identity, slugFilter string) ([]EffectivePermission, error) {
	if id.Anonymous {
		return nil, nil
	}
	if id.IsAdmin() {
		apps, err := s.repo.ListActiveApps(ctx)
		if err != nil {
			return nil, err
		}
		var out []EffectivePermission
		for _, app := range apps {
			if slugFilter != "" && app.Slug != slugFilter {
				continue
			}
			out = append(out, EffectivePermission{App: app, Source: SourceRole})
		}
		return out, nil
	}

	granted, err := s.repo.ListActiveGrantedApps(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	byAppID := make(map[int64]EffectivePermission, len(granted))
	for _, ga := range granted {
		ga := ga
		byAppID[ga.App.ID] = EffectivePermission{App: ga.App, GrantedAt: &ga.GrantedAt, GrantedBy: ga.GrantedBy, Source: SourceDirect}
	}

	group, err := s.UserGroup(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	groupApps, err := s.repo.GetAppsBySlugs(ctx, group.DefaultAppSlugs)
	if err != nil {
		return nil, err
	}
	for _, app := range groupApps {
		// A direct grant and a group-implied entry for the same app
		// collapse to one; the direct grant wins.
		if _, ok := byAppID[app.ID]; ok {
			continue
		}
		byAppID[app.ID] = EffectivePermission{App: app, Source: SourceGroup}
	}

	out := make([]EffectivePermission, 0, len(byAppID))
	for _, perm := range byAppID {
		if slugFilter != "" && perm.App.Slug != slugFilter {
			continue
		}
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].App.Slug < out[j].App.Slug })
	return out, nil
}

// CheckPermission reports whether the given app slug is in the caller's
// effective access set.
func (s *Service) CheckPermission(ctx context.Context, id shared.Identity, appSlug string) (bool, error) {
	perms, err := s.EffectivePermissions(ctx, id, appSlug)
	if err != nil {
		return false, err
	}
	return len(perms) > 0, nil
}

// Grant records direct access for a user to an app. The write is an
// idempotent upsert: a duplicate grant succeeds and refreshes
// granted_at. The user must exist and the app must be active.
func (s *Service) Grant(ctx context.Context, actor shared.Identity, userID, appID int64, expiresAt *time.Time) error {
	if err := s.checkGrantTarget(ctx, userID, appID); err != nil {
		return err
	}
	if err := s.repo.UpsertGrant(ctx, userID, appID, actor.UserID, expiresAt); err != nil {
		return err
	}
	s.recordAudit(ctx, actor, "app_grant.grant", "app_grant", grantEntityID(userID, appID), map[string]any{"expires_at": expiresAt})
	return nil
}

// Revoke removes a direct grant. Revoking an absent grant is a no-op
// success; a nonexistent user or app is still NotFound.
func (s *Service) Revoke(ctx context.Context, actor shared.Identity, userID, appID int64) error {
	if err := s.checkGrantTarget(ctx, userID, appID); err != nil {
		return err
	}
	if err := s.repo.DeleteGrant(ctx, userID, appID); err != nil {
		return err
	}
	s.recordAudit(ctx, actor, "app_grant.revoke", "app_grant", grantEntityID(userID, appID), nil)
	return nil
}

// SweepExpiredGrants hard-deletes grants whose expiry predates the
// retention window. Lazy expiry already hides them from resolution.
func (s *Service) SweepExpiredGrants(ctx context.Context, retention time.Duration) (int64, error) {
	return s.repo.DeleteExpiredGrants(ctx, s.now().Add(-retention))
}

// VerifyGroups reports group template slugs with no matching active app.
// Called once at startup.
func (s *Service) VerifyGroups(ctx context.Context) ([]string, error) {
	apps, err := s.repo.ListActiveApps(ctx)
	if err != nil {
		return nil, err
	}
	active := make(map[string]struct{}, len(apps))
	for _, app := range apps {
		active[app.Slug] = struct{}{}
	}
	var missing []string
	for _, group := range KnownGroups {
		for _, slug := range group.DefaultAppSlugs {
			if _, ok := active[slug]; !ok {
				missing = append(missing, string(group.Key)+"/"+slug)
			}
		}
	}
	return missing, nil
}

func (s *Service) checkGrantTarget(ctx context.Context, userID, appID int64) error {
	exists, err := s.repo.UserExists(ctx, userID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: user %d", shared.ErrNotFound, userID)
	}
	app, err := s.repo.GetApp(ctx, appID)
	if err != nil {
		return err
	}
	if !app.IsActive {
		return fmt.Errorf("%w: app %d is inactive", shared.ErrNotFound, appID)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actor shared.Identity, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actor.UserID, Action: action, Entity: entity, EntityID: entityID, Meta: meta}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func grantEntityID(userID, appID int64) string {
	return strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(appID, 10)
}
