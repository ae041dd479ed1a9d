package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskGrantSweep is the task type for hard-deleting expired app grants.
	TaskGrantSweep = "grants:sweep"
)

// GrantSweepPayload configures one sweep run. Grants expired longer ago
// than Retention are deleted; resolution already ignores them.
type GrantSweepPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewGrantSweepTask constructs an Asynq task.
func NewGrantSweepTask(payload GrantSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGrantSweep, data), nil
}
