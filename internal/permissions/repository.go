package permissions

import (
	"context"
	"time"
)

// GrantedApp joins a non-expired grant with its active app row.
type GrantedApp struct {
	App       App
	GrantedAt time.Time
	GrantedBy *int64
}

// RepositoryPort defines data access methods for apps, grants and the
// per-user group assignment.
type RepositoryPort interface {
	ListActiveApps(ctx context.Context) ([]App, error)
	GetApp(ctx context.Context, appID int64) (*App, error)
	GetAppsBySlugs(ctx context.Context, slugs []string) ([]App, error)

	ListGrants(ctx context.Context, userID int64) ([]Grant, error)
	ListActiveGrantedApps(ctx context.Context, userID int64) ([]GrantedApp, error)
	UpsertGrant(ctx context.Context, userID, appID, grantedBy int64, expiresAt *time.Time) error
	DeleteGrant(ctx context.Context, userID, appID int64) error
	DeleteExpiredGrants(ctx context.Context, before time.Time) (int64, error)

	UserExists(ctx context.Context, userID int64) (bool, error)
	GetUserGroup(ctx context.Context, userID int64) (string, error)
	SetUserGroup(ctx context.Context, userID int64, group GroupKey) error
}
