package features

import (
	"context"
	"errors"

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

// GetFlag returns one flag by key.
func (r *Repository) GetFlag(ctx context.Context, key Key) (*Flag, error) {
	var flag Flag
	err := r.pool.QueryRow(ctx, `SELECT feature_key, display_name, description, default_enabled, rollout_percentage, updated_at
FROM feature_flags WHERE feature_key=$1`, string(key)).
		Scan(&flag.Key, &flag.DisplayName, &flag.Description, &flag.DefaultEnabled, &flag.RolloutPercentage, &flag.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &flag, nil
}

// ListFlags returns the full catalog.
func (r *Repository) ListFlags(ctx context.Context) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `SELECT feature_key, display_name, description, default_enabled, rollout_percentage, updated_at
FROM feature_flags ORDER BY feature_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var flags []Flag
	for rows.Next() {
		var flag Flag
		if err := rows.Scan(&flag.Key, &flag.DisplayName, &flag.Description, &flag.DefaultEnabled, &flag.RolloutPercentage, &flag.UpdatedAt); err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return flags, nil
}

// UpdateFlag applies a partial update to an existing flag. Missing keys
// return shared.ErrNotFound; the catalog is not extended here.
func (r *Repository) UpdateFlag(ctx context.Context, key Key, update FlagUpdate) (*Flag, error) {
	var flag Flag
	err := r.pool.QueryRow(ctx, `UPDATE feature_flags SET
	display_name = COALESCE($2, display_name),
	description = COALESCE($3, description),
	default_enabled = COALESCE($4, default_enabled),
	rollout_percentage = COALESCE($5, rollout_percentage),
	updated_at = NOW()
WHERE feature_key=$1
RETURNING feature_key, display_name, description, default_enabled, rollout_percentage, updated_at`,
		string(key), update.DisplayName, update.Description, update.DefaultEnabled, update.RolloutPercentage).
		Scan(&flag.Key, &flag.DisplayName, &flag.Description, &flag.DefaultEnabled, &flag.RolloutPercentage, &flag.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &flag, nil
}

// GetOverride returns the override for (user, key), if any.
func (r *Repository) GetOverride(ctx context.Context, userID int64, key Key) (*Override, error) {
	var ov Override
	err := r.pool.QueryRow(ctx, `SELECT user_id, feature_key, enabled, set_at
FROM user_feature_overrides WHERE user_id=$1 AND feature_key=$2`, userID, string(key)).
		Scan(&ov.UserID, &ov.Key, &ov.Enabled, &ov.SetAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &ov, nil
}

// ListOverrides returns all overrides for one user.
func (r *Repository) ListOverrides(ctx context.Context, userID int64) ([]Override, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id, feature_key, enabled, set_at
FROM user_feature_overrides WHERE user_id=$1 ORDER BY feature_key`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var overrides []Override
	for rows.Next() {
		var ov Override
		if err := rows.Scan(&ov.UserID, &ov.Key, &ov.Enabled, &ov.SetAt); err != nil {
			return nil, err
		}
		overrides = append(overrides, ov)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return overrides, nil
}

// UpsertOverride inserts or updates the (user, key) override. Last write
// wins; set_at is refreshed on every call.
func (r *Repository) UpsertOverride(ctx context.Context, userID int64, key Key, enabled bool) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO user_feature_overrides (user_id, feature_key, enabled, set_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (user_id, feature_key) DO UPDATE SET enabled = EXCLUDED.enabled, set_at = NOW()`,
		userID, string(key), enabled)
	return err
}

// DeleteOverride removes one override. Deleting a missing row is a no-op.
func (r *Repository) DeleteOverride(ctx context.Context, userID int64, key Key) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_feature_overrides WHERE user_id=$1 AND feature_key=$2`, userID, string(key))
	return err
}

// DeleteAllOverrides removes every override for one user.
func (r *Repository) DeleteAllOverrides(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_feature_overrides WHERE user_id=$1`, userID)
	return err
}
