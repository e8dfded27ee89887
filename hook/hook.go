// Package hook defines the extension system for cascade. Extensions
// are notified of lifecycle events (instance started, step succeeded,
// compensation triggered, etc.) and can react to them — audit trails,
// metrics, alerting.
//
// Each lifecycle hook is a separate interface so extensions opt in
// only to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/task"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Instance lifecycle hooks
// ──────────────────────────────────────────────────

// InstanceStarted is called after a workflow instance begins.
type InstanceStarted interface {
	OnInstanceStarted(ctx context.Context, instanceID id.InstanceID, definitionID id.DefinitionID) error
}

// InstanceCompleted is called when every step of an instance succeeds.
type InstanceCompleted interface {
	OnInstanceCompleted(ctx context.Context, instanceID id.InstanceID, elapsed time.Duration) error
}

// InstanceFailed is called when an instance fails terminally, after
// compensation has finished.
type InstanceFailed interface {
	OnInstanceFailed(ctx context.Context, instanceID id.InstanceID, failedSteps []string) error
}

// InstanceCancelled is called when an instance is cancelled on request.
type InstanceCancelled interface {
	OnInstanceCancelled(ctx context.Context, instanceID id.InstanceID, reason string) error
}

// ──────────────────────────────────────────────────
// Step lifecycle hooks
// ──────────────────────────────────────────────────

// StepDispatched is called after a step task is handed to the scheduler.
type StepDispatched interface {
	OnStepDispatched(ctx context.Context, t *task.Task) error
}

// StepSucceeded is called after a step reports success.
type StepSucceeded interface {
	OnStepSucceeded(ctx context.Context, t *task.Task, elapsed time.Duration) error
}

// StepFailed is called when a step fails terminally (no retries left).
type StepFailed interface {
	OnStepFailed(ctx context.Context, t *task.Task, reason string) error
}

// StepRetrying is called when a step fails but is scheduled for retry.
type StepRetrying interface {
	OnStepRetrying(ctx context.Context, t *task.Task, attempt int, nextRunAt time.Time) error
}

// ──────────────────────────────────────────────────
// Compensation hooks
// ──────────────────────────────────────────────────

// CompensationStarted is called when an instance enters compensation.
type CompensationStarted interface {
	OnCompensationStarted(ctx context.Context, instanceID id.InstanceID, failedStepID string) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// TaskDLQ is called when an exhausted task is moved to the dead letter
// queue.
type TaskDLQ interface {
	OnTaskDLQ(ctx context.Context, t *task.Task, reason string) error
}

// CronFired is called when a cron schedule starts a new instance.
type CronFired interface {
	OnCronFired(ctx context.Context, scheduleName string, instanceID id.InstanceID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
