// Package dlq provides the dead letter queue: step tasks that
// exhausted their retry budget are parked here for inspection or
// manual replay instead of being silently dropped.
package dlq

import (
	"encoding/json"
	"time"

	"github.com/cascadehq/cascade/id"
)

// Entry represents a task that exhausted its retry budget and was
// moved to the dead letter queue.
type Entry struct {
	ID            id.DLQID        `json:"id"`
	TaskID        id.TaskID       `json:"task_id"`
	InstanceID    id.InstanceID   `json:"instance_id"`
	StepID        string          `json:"step_id"`
	TargetService string          `json:"target_service"`
	Input         json.RawMessage `json:"input,omitempty"`
	Error         string          `json:"error"`
	Attempts      int             `json:"attempts"`
	Compensation  bool            `json:"compensation,omitempty"`
	FailedAt      time.Time       `json:"failed_at"`
	ReplayedAt    *time.Time      `json:"replayed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
