// Package gate composes the feature and permission resolvers into the
// single contract the rest of the platform calls. The one cross-resolver
// rule — the marketplace feature suppressing all app access — lives here
// and nowhere else.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gatehouse-io/gatehouse/internal/features"
	"github.com/gatehouse-io/gatehouse/internal/permissions"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// ErrAccessDenied is the typed denial returned by RequireFeature. A
// disabled feature is a normal outcome, not a failure.
var ErrAccessDenied = errors.New("access denied")

// Gate is the composition layer over both resolvers.
type Gate struct {
	features *features.Service
	perms    *permissions.Service
	logger   *slog.Logger
}

// New builds a Gate instance.
func New(featureService *features.Service, permissionService *permissions.Service, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{features: featureService, perms: permissionService, logger: logger}
}

// CanUseFeature reports whether the feature is enabled for the caller.
func (g *Gate) CanUseFeature(ctx context.Context, id shared.Identity, key string) bool {
	return g.features.IsEnabled(ctx, id, key)
}

// FeatureMap returns the caller's resolved feature map for session
// bootstrapping.
func (g *Gate) FeatureMap(ctx context.Context, id shared.Identity) map[features.Key]bool {
	return g.features.FeatureMap(ctx, id)
}

// AccessibleApps returns the active apps the caller may use. When the
// marketplace feature is off for the caller the result is empty
// unconditionally, direct grants included.
func (g *Gate) AccessibleApps(ctx context.Context, id shared.Identity) ([]permissions.App, error) {
	perms, err := g.EffectiveAccess(ctx, id, "")
	if err != nil {
		return nil, err
	}
	apps := make([]permissions.App, 0, len(perms))
	for _, perm := range perms {
		apps = append(apps, perm.App)
	}
	return apps, nil
}

// EffectiveAccess is the feature-filtered effective permission list,
// with grant provenance, for the current-user permissions endpoint.
func (g *Gate) EffectiveAccess(ctx context.Context, id shared.Identity, slugFilter string) ([]permissions.EffectivePermission, error) {
	if !g.CanUseFeature(ctx, id, string(features.KeyAppsMarketplace)) {
		return nil, nil
	}
	return g.perms.EffectivePermissions(ctx, id, slugFilter)
}

// CheckAppAccess reports whether the caller may use the given app,
// marketplace gating included.
func (g *Gate) CheckAppAccess(ctx context.Context, id shared.Identity, appSlug string) (bool, error) {
	perms, err := g.EffectiveAccess(ctx, id, appSlug)
	if err != nil {
		return false, err
	}
	return len(perms) > 0, nil
}

// RequireFeature returns ErrAccessDenied when the feature is off for
// the caller. Route guards turn the denial into a 403 or redirect.
func (g *Gate) RequireFeature(ctx context.Context, id shared.Identity, key string) error {
	if g.CanUseFeature(ctx, id, key) {
		return nil
	}
	return fmt.Errorf("%w: feature %q", ErrAccessDenied, key)
}
