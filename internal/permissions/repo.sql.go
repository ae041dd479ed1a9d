package permissions

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListActiveApps returns all active apps ordered by slug.
func (r *Repository) ListActiveApps(ctx context.Context) ([]App, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, slug, name, is_active FROM apps WHERE is_active ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanApps(rows)
}

// GetApp returns one app by ID regardless of active state.
func (r *Repository) GetApp(ctx context.Context, appID int64) (*App, error) {
	var app App
	err := r.pool.QueryRow(ctx, `SELECT id, slug, name, is_active FROM apps WHERE id=$1`, appID).
		Scan(&app.ID, &app.Slug, &app.Name, &app.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &app, nil
}

// GetAppsBySlugs returns the active apps matching the given slugs.
// Unknown slugs are silently skipped.
func (r *Repository) GetAppsBySlugs(ctx context.Context, slugs []string) ([]App, error) {
	if len(slugs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, slug, name, is_active FROM apps WHERE is_active AND slug = ANY($1) ORDER BY slug`, slugs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanApps(rows)
}

// ListGrants returns the raw grant rows for a user, expired ones
// included. Admin views want the unfiltered state.
func (r *Repository) ListGrants(ctx context.Context, userID int64) ([]Grant, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id, app_id, granted_by, granted_at, expires_at
FROM app_grants WHERE user_id=$1 ORDER BY app_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.UserID, &g.AppID, &g.GrantedBy, &g.GrantedAt, &g.ExpiresAt); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}

// ListActiveGrantedApps returns a user's non-expired grants joined with
// their active app rows. Expiry is lazy: rows past expires_at simply
// fall out of this query without being deleted.
func (r *Repository) ListActiveGrantedApps(ctx context.Context, userID int64) ([]GrantedApp, error) {
	rows, err := r.pool.Query(ctx, `SELECT a.id, a.slug, a.name, a.is_active, g.granted_at, g.granted_by
FROM app_grants g
JOIN apps a ON a.id = g.app_id AND a.is_active
WHERE g.user_id=$1 AND (g.expires_at IS NULL OR g.expires_at > NOW())
ORDER BY a.slug`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var granted []GrantedApp
	for rows.Next() {
		var ga GrantedApp
		if err := rows.Scan(&ga.App.ID, &ga.App.Slug, &ga.App.Name, &ga.App.IsActive, &ga.GrantedAt, &ga.GrantedBy); err != nil {
			return nil, err
		}
		granted = append(granted, ga)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return granted, nil
}

// UpsertGrant inserts or refreshes the (user, app) grant. Duplicate
// grants converge on one row with a refreshed granted_at; concurrent
// identical calls surface no error to either caller.
func (r *Repository) UpsertGrant(ctx context.Context, userID, appID, grantedBy int64, expiresAt *time.Time) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO app_grants (user_id, app_id, granted_by, granted_at, expires_at)
VALUES ($1, $2, $3, NOW(), $4)
ON CONFLICT (user_id, app_id) DO UPDATE SET granted_by = EXCLUDED.granted_by, granted_at = NOW(), expires_at = EXCLUDED.expires_at`,
		userID, appID, grantedBy, expiresAt)
	return err
}

// DeleteGrant removes the (user, app) grant. Absent rows are a no-op.
func (r *Repository) DeleteGrant(ctx context.Context, userID, appID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM app_grants WHERE user_id=$1 AND app_id=$2`, userID, appID)
	return err
}

// DeleteExpiredGrants hard-deletes grants whose expiry is before the
// cutoff. Resolution already ignores expired rows; this keeps the table
// bounded.
func (r *Repository) DeleteExpiredGrants(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM app_grants WHERE expires_at IS NOT NULL AND expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UserExists reports whether the user row exists.
func (r *Repository) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id=$1)`, userID).Scan(&exists)
	return exists, err
}

// GetUserGroup returns the raw permission_group column for a user.
func (r *Repository) GetUserGroup(ctx context.Context, userID int64) (string, error) {
	var group string
	err := r.pool.QueryRow(ctx, `SELECT permission_group FROM users WHERE id=$1`, userID).Scan(&group)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", shared.ErrNotFound
		}
		return "", err
	}
	return group, nil
}

// SetUserGroup replaces the user's single group assignment.
func (r *Repository) SetUserGroup(ctx context.Context, userID int64, group GroupKey) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET permission_group=$2 WHERE id=$1`, userID, string(group))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func scanApps(rows pgx.Rows) ([]App, error) {
	var apps []App
	for rows.Next() {
		var app App
		if err := rows.Scan(&app.ID, &app.Slug, &app.Name, &app.IsActive); err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return apps, nil
}
