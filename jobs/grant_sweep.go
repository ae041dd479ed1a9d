package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// GrantSweeper deletes grants whose expiry predates the retention window.
type GrantSweeper interface {
	SweepExpiredGrants(ctx context.Context, retention time.Duration) (int64, error)
}

// NewGrantSweepHandler returns the handler for TaskGrantSweep tasks.
func NewGrantSweepHandler(sweeper GrantSweeper, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload GrantSweepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.Retention <= 0 {
			return asynq.SkipRetry
		}
		deleted, err := sweeper.SweepExpiredGrants(ctx, payload.Retention)
		if err != nil {
			logger.Error("grant sweep", slog.Any("error", err))
			return err
		}
		logger.Info("grant sweep completed", slog.Int64("deleted", deleted))
		return nil
	}
}
