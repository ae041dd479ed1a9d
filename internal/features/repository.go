package features

import "context"

// RepositoryPort defines data access methods for the flag catalog and
// per-user overrides.
type RepositoryPort interface {
	GetFlag(ctx context.Context, key Key) (*Flag, error)
	ListFlags(ctx context.Context) ([]Flag, error)
	UpdateFlag(ctx context.Context, key Key, update FlagUpdate) (*Flag, error)

	GetOverride(ctx context.Context, userID int64, key Key) (*Override, error)
	ListOverrides(ctx context.Context, userID int64) ([]Override, error)
	UpsertOverride(ctx context.Context, userID int64, key Key, enabled bool) error
	DeleteOverride(ctx context.Context, userID int64, key Key) error
	DeleteAllOverrides(ctx context.Context, userID int64) error
}
