package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-io/gatehouse/internal/features"
	"github.com/gatehouse-io/gatehouse/internal/permissions"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

type stubFlagRepo struct {
	flags     map[features.Key]features.Flag
	overrides map[int64]map[features.Key]bool
}

func newStubFlagRepo() *stubFlagRepo {
	return &stubFlagRepo{
		flags:     make(map[features.Key]features.Flag),
		overrides: make(map[int64]map[features.Key]bool),
	}
}

func (s *stubFlagRepo) setFlag(key features.Key, defaultEnabled bool, rollout int) {
	s.flags[key] = features.Flag{Key: key, DisplayName: string(key), DefaultEnabled: defaultEnabled, RolloutPercentage: rollout}
}

func (s *stubFlagRepo) setOverride(userID int64, key features.Key, enabled bool) {
	if s.overrides[userID] == nil {
		s.overrides[userID] = make(map[features.Key]bool)
	}
	s.overrides[userID][key] = enabled
}

func (s *stubFlagRepo) GetFlag(ctx context.Context, key features.Key) (*features.Flag, error) {
	flag, ok := s.flags[key]
	if !ok {
		return nil, fmt.Errorf("%w: flag %s", shared.ErrNotFound, key)
	}
	return &flag, nil
}

func (s *stubFlagRepo) ListFlags(ctx context.Context) ([]features.Flag, error) {
	out := make([]features.Flag, 0, len(s.flags))
	for _, flag := range s.flags {
		out = append(out, flag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *stubFlagRepo) UpdateFlag(ctx context.Context, key features.Key, update features.FlagUpdate) (*features.Flag, error) {
	return nil, fmt.Errorf("%w: flag %s", shared.ErrNotFound, key)
}

func (s *stubFlagRepo) GetOverride(ctx context.Context, userID int64, key features.Key) (*features.Override, error) {
	enabled, ok := s.overrides[userID][key]
	if !ok {
		return nil, fmt.Errorf("%w: override", shared.ErrNotFound)
	}
	return &features.Override{UserID: userID, Key: key, Enabled: enabled}, nil
}

func (s *stubFlagRepo) ListOverrides(ctx context.Context, userID int64) ([]features.Override, error) {
	var out []features.Override
	for key, enabled := range s.overrides[userID] {
		out = append(out, features.Override{UserID: userID, Key: key, Enabled: enabled})
	}
	return out, nil
}

func (s *stubFlagRepo) UpsertOverride(ctx context.Context, userID int64, key features.Key, enabled bool) error {
	s.setOverride(userID, key, enabled)
	return nil
}

func (s *stubFlagRepo) DeleteOverride(ctx context.Context, userID int64, key features.Key) error {
	delete(s.overrides[userID], key)
	return nil
}

func (s *stubFlagRepo) DeleteAllOverrides(ctx context.Context, userID int64) error {
	delete(s.overrides, userID)
	return nil
}

type stubPermRepo struct {
	apps   map[int64]permissions.App
	grants map[int64]map[int64]permissions.Grant
	groups map[int64]string
}

func newStubPermRepo() *stubPermRepo {
	return &stubPermRepo{
		apps:   make(map[int64]permissions.App),
		grants: make(map[int64]map[int64]permissions.Grant),
		groups: make(map[int64]string),
	}
}

func (s *stubPermRepo) addApp(id int64, slug string) {
	s.apps[id] = permissions.App{ID: id, Slug: slug, Name: slug, IsActive: true}
}

func (s *stubPermRepo) addGrant(userID, appID int64) {
	if s.grants[userID] == nil {
		s.grants[userID] = make(map[int64]permissions.Grant)
	}
	s.grants[userID][appID] = permissions.Grant{UserID: userID, AppID: appID, GrantedAt: time.Now()}
}

func (s *stubPermRepo) sortedApps(filter func(permissions.App) bool) []permissions.App {
	var out []permissions.App
	for _, app := range s.apps {
		if filter(app) {
			out = append(out, app)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

func (s *stubPermRepo) ListActiveApps(ctx context.Context) ([]permissions.App, error) {
	return s.sortedApps(func(a permissions.App) bool { return a.IsActive }), nil
}

func (s *stubPermRepo) GetApp(ctx context.Context, appID int64) (*permissions.App, error) {
	app, ok := s.apps[appID]
	if !ok {
		return nil, fmt.Errorf("%w: app %d", shared.ErrNotFound, appID)
	}
	return &app, nil
}

func (s *stubPermRepo) GetAppsBySlugs(ctx context.Context, slugs []string) ([]permissions.App, error) {
	wanted := make(map[string]struct{}, len(slugs))
	for _, slug := range slugs {
		wanted[slug] = struct{}{}
	}
	return s.sortedApps(func(a permissions.App) bool {
		_, ok := wanted[a.Slug]
		return ok && a.IsActive
	}), nil
}

func (s *stubPermRepo) ListGrants(ctx context.Context, userID int64) ([]permissions.Grant, error) {
	var out []permissions.Grant
	for _, g := range s.grants[userID] {
		out = append(out, g)
	}
	return out, nil
}

func (s *stubPermRepo) ListActiveGrantedApps(ctx context.Context, userID int64) ([]permissions.GrantedApp, error) {
	now := time.Now()
	var out []permissions.GrantedApp
	for appID, g := range s.grants[userID] {
		if g.Expired(now) {
			continue
		}
		app, ok := s.apps[appID]
		if !ok || !app.IsActive {
			continue
		}
		out = append(out, permissions.GrantedApp{App: app, GrantedAt: g.GrantedAt, GrantedBy: g.GrantedBy})
	}
	return out, nil
}

func (s *stubPermRepo) UpsertGrant(ctx context.Context, userID, appID, grantedBy int64, expiresAt *time.Time) error {
	s.addGrant(userID, appID)
	return nil
}

func (s *stubPermRepo) DeleteGrant(ctx context.Context, userID, appID int64) error {
	delete(s.grants[userID], appID)
	return nil
}

func (s *stubPermRepo) DeleteExpiredGrants(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (s *stubPermRepo) UserExists(ctx context.Context, userID int64) (bool, error) {
	_, ok := s.groups[userID]
	return ok, nil
}

func (s *stubPermRepo) GetUserGroup(ctx context.Context, userID int64) (string, error) {
	group, ok := s.groups[userID]
	if !ok {
		return "", fmt.Errorf("%w: user %d", shared.ErrNotFound, userID)
	}
	return group, nil
}

func (s *stubPermRepo) SetUserGroup(ctx context.Context, userID int64, group permissions.GroupKey) error {
	s.groups[userID] = string(group)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGate builds a gate over a power_user with one direct grant. The
// marketplace flag is seeded per the rollout argument.
func newTestGate(t *testing.T, marketplaceRollout int) (*Gate, *stubFlagRepo, *stubPermRepo) {
	t.Helper()
	flagRepo := newStubFlagRepo()
	flagRepo.setFlag(features.KeyAppsMarketplace, false, marketplaceRollout)

	permRepo := newStubPermRepo()
	permRepo.addApp(1, "dashboard")
	permRepo.addApp(2, "notes")
	permRepo.addApp(3, "crm")
	permRepo.groups[7] = "power_user"
	permRepo.addGrant(7, 3)

	logger := discardLogger()
	featureService := features.NewService(flagRepo, features.ServiceConfig{Logger: logger})
	permissionService := permissions.NewService(permRepo, nil, logger)
	return New(featureService, permissionService, logger), flagRepo, permRepo
}

func caller(id int64) shared.Identity {
	return shared.Identity{UserID: id, Role: shared.RoleUser}
}

func TestMarketplaceSuppressionHidesAllApps(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGate(t, 0)

	apps, err := g.AccessibleApps(ctx, caller(7))
	require.NoError(t, err)
	assert.Empty(t, apps, "direct grants do not survive marketplace suppression")

	ok, err := g.CheckAppAccess(ctx, caller(7), "crm")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarketplaceEnabledPassesThrough(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGate(t, 100)

	apps, err := g.AccessibleApps(ctx, caller(7))
	require.NoError(t, err)
	slugs := make([]string, 0, len(apps))
	for _, app := range apps {
		slugs = append(slugs, app.Slug)
	}
	assert.Equal(t, []string{"crm", "dashboard", "notes"}, slugs)

	ok, err := g.CheckAppAccess(ctx, caller(7), "crm")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarketplaceOverrideSuppressesOneUser(t *testing.T) {
	ctx := context.Background()
	g, flagRepo, permRepo := newTestGate(t, 100)
	flagRepo.setOverride(7, features.KeyAppsMarketplace, false)
	permRepo.groups[8] = "power_user"

	apps, err := g.AccessibleApps(ctx, caller(7))
	require.NoError(t, err)
	assert.Empty(t, apps)

	// The suppression is scoped to the overridden user.
	apps, err = g.AccessibleApps(ctx, caller(8))
	require.NoError(t, err)
	assert.NotEmpty(t, apps)
}

func TestSuppressionStaysOutOfPermissionResolver(t *testing.T) {
	ctx := context.Background()
	g, _, permRepo := newTestGate(t, 0)

	apps, err := g.AccessibleApps(ctx, caller(7))
	require.NoError(t, err)
	assert.Empty(t, apps)

	// The underlying resolver still reports the grants; only the gate
	// applies the feature rule.
	permissionService := permissions.NewService(permRepo, nil, discardLogger())
	perms, err := permissionService.EffectivePermissions(ctx, caller(7), "")
	require.NoError(t, err)
	assert.NotEmpty(t, perms)
}

func TestAdminSeesAppsRegardlessOfRollout(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGate(t, 0)

	adminID := shared.Identity{UserID: 1, Role: shared.RoleAdmin}
	apps, err := g.AccessibleApps(ctx, adminID)
	require.NoError(t, err)
	assert.Len(t, apps, 3, "admin role bypasses the marketplace flag and grants")
}

func TestAnonymousHasNoAppAccess(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGate(t, 100)

	// Full rollout turns the flag on for anonymous callers too, but the
	// permission resolver yields nothing without an identity.
	apps, err := g.AccessibleApps(ctx, shared.AnonymousIdentity())
	require.NoError(t, err)
	assert.Empty(t, apps)
}

func TestRequireFeature(t *testing.T) {
	ctx := context.Background()
	g, flagRepo, _ := newTestGate(t, 0)
	flagRepo.setFlag(features.KeyBetaDashboard, false, 100)

	assert.NoError(t, g.RequireFeature(ctx, caller(7), string(features.KeyBetaDashboard)))

	err := g.RequireFeature(ctx, caller(7), string(features.KeyAppsMarketplace))
	assert.ErrorIs(t, err, ErrAccessDenied)

	err = g.RequireFeature(ctx, caller(7), "no_such_feature")
	assert.ErrorIs(t, err, ErrAccessDenied, "unknown keys fail closed")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func identified(req *http.Request, id shared.Identity) *http.Request {
	return req.WithContext(shared.ContextWithIdentity(req.Context(), id))
}

func TestRequireAdminMiddleware(t *testing.T) {
	g, _, _ := newTestGate(t, 100)
	mw := Middleware{Gate: g, Logger: discardLogger()}
	guard := mw.RequireAdmin(okHandler())

	rec := httptest.NewRecorder()
	guard.ServeHTTP(rec, identified(httptest.NewRequest(http.MethodGet, "/", nil), shared.AnonymousIdentity()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	guard.ServeHTTP(rec, identified(httptest.NewRequest(http.MethodGet, "/", nil), caller(7)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	guard.ServeHTTP(rec, identified(httptest.NewRequest(http.MethodGet, "/", nil), shared.Identity{UserID: 1, Role: shared.RoleAdmin}))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireFeatureMiddleware(t *testing.T) {
	g, flagRepo, _ := newTestGate(t, 0)
	flagRepo.setFlag(features.KeySupportChat, false, 100)
	mw := Middleware{Gate: g, Logger: discardLogger()}

	guard := mw.RequireFeature(string(features.KeySupportChat))(okHandler())
	rec := httptest.NewRecorder()
	guard.ServeHTTP(rec, identified(httptest.NewRequest(http.MethodGet, "/", nil), caller(7)))
	assert.Equal(t, http.StatusOK, rec.Code)

	guard = mw.RequireFeature(string(features.KeyAppsMarketplace))(okHandler())
	rec = httptest.NewRecorder()
	guard.ServeHTTP(rec, identified(httptest.NewRequest(http.MethodGet, "/", nil), caller(7)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUserPermissionsEndpoint(t *testing.T) {
	g, _, _ := newTestGate(t, 100)
	h := NewHandler(discardLogger(), g)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithIdentity(req.Context(), shared.IdentityFromRequest(req))))
		})
	})
	r.Route("/user", h.MountRoutes)

	get := func(target string, id shared.Identity) []effectivePermissionResponse {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if !id.Anonymous {
			req.Header.Set(shared.HeaderUserID, strconv.FormatInt(id.UserID, 10))
			req.Header.Set(shared.HeaderRole, string(id.Role))
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var out []effectivePermissionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}

	perms := get("/user/permissions", caller(7))
	require.Len(t, perms, 3)
	assert.Equal(t, "crm", perms[0].App.Slug)
	assert.Equal(t, "direct", perms[0].Source)
	assert.NotNil(t, perms[0].GrantedAt)
	assert.Equal(t, "group", perms[1].Source)

	perms = get("/user/permissions?app=notes", caller(7))
	require.Len(t, perms, 1)
	assert.Equal(t, "notes", perms[0].App.Slug)

	perms = get("/user/permissions", shared.AnonymousIdentity())
	assert.Empty(t, perms)
}
