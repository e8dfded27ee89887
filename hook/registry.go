package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/task"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type instanceStartedEntry struct {
	name string
	hook InstanceStarted
}

type instanceCompletedEntry struct {
	name string
	hook InstanceCompleted
}

type instanceFailedEntry struct {
	name string
	hook InstanceFailed
}

type instanceCancelledEntry struct {
	name string
	hook InstanceCancelled
}

type stepDispatchedEntry struct {
	name string
	hook StepDispatched
}

type stepSucceededEntry struct {
	name string
	hook StepSucceeded
}

type stepFailedEntry struct {
	name string
	hook StepFailed
}

type stepRetryingEntry struct {
	name string
	hook StepRetrying
}

type compensationStartedEntry struct {
	name string
	hook CompensationStarted
}

type taskDLQEntry struct {
	name string
	hook TaskDLQ
}

type cronFiredEntry struct {
	name string
	hook CronFired
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit
// calls iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	instanceStarted     []instanceStartedEntry
	instanceCompleted   []instanceCompletedEntry
	instanceFailed      []instanceFailedEntry
	instanceCancelled   []instanceCancelledEntry
	stepDispatched      []stepDispatchedEntry
	stepSucceeded       []stepSucceededEntry
	stepFailed          []stepFailedEntry
	stepRetrying        []stepRetryingEntry
	compensationStarted []compensationStartedEntry
	taskDLQ             []taskDLQEntry
	cronFired           []cronFiredEntry
	shutdown            []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(InstanceStarted); ok {
		r.instanceStarted = append(r.instanceStarted, instanceStartedEntry{name, h})
	}
	if h, ok := e.(InstanceCompleted); ok {
		r.instanceCompleted = append(r.instanceCompleted, instanceCompletedEntry{name, h})
	}
	if h, ok := e.(InstanceFailed); ok {
		r.instanceFailed = append(r.instanceFailed, instanceFailedEntry{name, h})
	}
	if h, ok := e.(InstanceCancelled); ok {
		r.instanceCancelled = append(r.instanceCancelled, instanceCancelledEntry{name, h})
	}
	if h, ok := e.(StepDispatched); ok {
		r.stepDispatched = append(r.stepDispatched, stepDispatchedEntry{name, h})
	}
	if h, ok := e.(StepSucceeded); ok {
		r.stepSucceeded = append(r.stepSucceeded, stepSucceededEntry{name, h})
	}
	if h, ok := e.(StepFailed); ok {
		r.stepFailed = append(r.stepFailed, stepFailedEntry{name, h})
	}
	if h, ok := e.(StepRetrying); ok {
		r.stepRetrying = append(r.stepRetrying, stepRetryingEntry{name, h})
	}
	if h, ok := e.(CompensationStarted); ok {
		r.compensationStarted = append(r.compensationStarted, compensationStartedEntry{name, h})
	}
	if h, ok := e.(TaskDLQ); ok {
		r.taskDLQ = append(r.taskDLQ, taskDLQEntry{name, h})
	}
	if h, ok := e.(CronFired); ok {
		r.cronFired = append(r.cronFired, cronFiredEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Instance event emitters
// ──────────────────────────────────────────────────

// EmitInstanceStarted notifies extensions implementing InstanceStarted.
func (r *Registry) EmitInstanceStarted(ctx context.Context, instanceID id.InstanceID, definitionID id.DefinitionID) {
	for _, e := range r.instanceStarted {
		if err := e.hook.OnInstanceStarted(ctx, instanceID, definitionID); err != nil {
			r.logHookError("OnInstanceStarted", e.name, err)
		}
	}
}

// EmitInstanceCompleted notifies extensions implementing InstanceCompleted.
func (r *Registry) EmitInstanceCompleted(ctx context.Context, instanceID id.InstanceID, elapsed time.Duration) {
	for _, e := range r.instanceCompleted {
		if err := e.hook.OnInstanceCompleted(ctx, instanceID, elapsed); err != nil {
			r.logHookError("OnInstanceCompleted", e.name, err)
		}
	}
}

// EmitInstanceFailed notifies extensions implementing InstanceFailed.
func (r *Registry) EmitInstanceFailed(ctx context.Context, instanceID id.InstanceID, failedSteps []string) {
	for _, e := range r.instanceFailed {
		if err := e.hook.OnInstanceFailed(ctx, instanceID, failedSteps); err != nil {
			r.logHookError("OnInstanceFailed", e.name, err)
		}
	}
}

// EmitInstanceCancelled notifies extensions implementing InstanceCancelled.
func (r *Registry) EmitInstanceCancelled(ctx context.Context, instanceID id.InstanceID, reason string) {
	for _, e := range r.instanceCancelled {
		if err := e.hook.OnInstanceCancelled(ctx, instanceID, reason); err != nil {
			r.logHookError("OnInstanceCancelled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Step event emitters
// ──────────────────────────────────────────────────

// EmitStepDispatched notifies extensions implementing StepDispatched.
func (r *Registry) EmitStepDispatched(ctx context.Context, t *task.Task) {
	for _, e := range r.stepDispatched {
		if err := e.hook.OnStepDispatched(ctx, t); err != nil {
			r.logHookError("OnStepDispatched", e.name, err)
		}
	}
}

// EmitStepSucceeded notifies extensions implementing StepSucceeded.
func (r *Registry) EmitStepSucceeded(ctx context.Context, t *task.Task, elapsed time.Duration) {
	for _, e := range r.stepSucceeded {
		if err := e.hook.OnStepSucceeded(ctx, t, elapsed); err != nil {
			r.logHookError("OnStepSucceeded", e.name, err)
		}
	}
}

// EmitStepFailed notifies extensions implementing StepFailed.
func (r *Registry) EmitStepFailed(ctx context.Context, t *task.Task, reason string) {
	for _, e := range r.stepFailed {
		if err := e.hook.OnStepFailed(ctx, t, reason); err != nil {
			r.logHookError("OnStepFailed", e.name, err)
		}
	}
}

// EmitStepRetrying notifies extensions implementing StepRetrying.
func (r *Registry) EmitStepRetrying(ctx context.Context, t *task.Task, attempt int, nextRunAt time.Time) {
	for _, e := range r.stepRetrying {
		if err := e.hook.OnStepRetrying(ctx, t, attempt, nextRunAt); err != nil {
			r.logHookError("OnStepRetrying", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitCompensationStarted notifies extensions implementing CompensationStarted.
func (r *Registry) EmitCompensationStarted(ctx context.Context, instanceID id.InstanceID, failedStepID string) {
	for _, e := range r.compensationStarted {
		if err := e.hook.OnCompensationStarted(ctx, instanceID, failedStepID); err != nil {
			r.logHookError("OnCompensationStarted", e.name, err)
		}
	}
}

// EmitTaskDLQ notifies extensions implementing TaskDLQ.
func (r *Registry) EmitTaskDLQ(ctx context.Context, t *task.Task, reason string) {
	for _, e := range r.taskDLQ {
		if err := e.hook.OnTaskDLQ(ctx, t, reason); err != nil {
			r.logHookError("OnTaskDLQ", e.name, err)
		}
	}
}

// EmitCronFired notifies extensions implementing CronFired.
func (r *Registry) EmitCronFired(ctx context.Context, scheduleName string, instanceID id.InstanceID) {
	for _, e := range r.cronFired {
		if err := e.hook.OnCronFired(ctx, scheduleName, instanceID); err != nil {
			r.logHookError("OnCronFired", e.name, err)
		}
	}
}

// EmitShutdown notifies extensions implementing Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a hook failure. Hook errors never propagate to the
// engine: extensions observe the lifecycle, they do not steer it.
func (r *Registry) logHookError(hookName, extName string, err error) {
	r.logger.Warn("extension hook failed",
		slog.String("hook", hookName),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
