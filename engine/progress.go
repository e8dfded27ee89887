package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/event"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/task"
)

// txn collects the events and side effects of one read-fold-append
// cycle. Staged events are applied to the folded instance immediately
// so later staging decisions see the updated state; tasks and posts
// run only after the append commits.
type txn struct {
	engine *Engine
	def    *definition.Definition
	in     *instance.Instance

	events  []*event.Event
	submits []*task.Task
	posts   []func(ctx context.Context)
}

// stage builds an event, applies it to the in-memory fold, and queues
// it for the atomic append.
func (x *txn) stage(typ event.Type, payload any) error {
	evt, err := event.New(x.in.ID, typ, payload)
	if err != nil {
		return err
	}
	evt.Sequence = x.in.LastSequence + 1
	if err := x.in.Apply(evt); err != nil {
		return err
	}
	x.events = append(x.events, evt)
	return nil
}

func (x *txn) submit(t *task.Task) {
	x.submits = append(x.submits, t)
}

func (x *txn) post(fn func(ctx context.Context)) {
	x.posts = append(x.posts, fn)
}

// submitTasks hands staged tasks to the scheduler. Backpressure is not
// an error here: the StepDispatched event is already committed, so the
// reconciliation sweep re-dispatches anything the scheduler refused.
func (x *txn) submitTasks(ctx context.Context) {
	for _, t := range x.submits {
		if err := x.engine.dispatcher.Submit(ctx, t); err != nil {
			x.engine.logger.Warn("task submission deferred",
				slog.String("task_id", t.ID.String()),
				slog.String("instance_id", t.InstanceID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (x *txn) runPosts(ctx context.Context) {
	for _, fn := range x.posts {
		fn(ctx)
	}
}

// ──────────────────────────────────────────────────
// Forward progression
// ──────────────────────────────────────────────────

// dispatchReady stages a StepDispatched event and a task for every
// step whose dependencies are satisfied.
func (x *txn) dispatchReady(now time.Time) {
	if x.in.Status != instance.StatusRunning {
		return
	}
	for _, stepID := range x.in.ReadySteps(x.def, now) {
		if err := x.dispatchStep(stepID, now); err != nil {
			x.engine.logger.Error("dispatch staging failed",
				slog.String("instance_id", x.in.ID.String()),
				slog.String("step_id", stepID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (x *txn) dispatchStep(stepID string, now time.Time) error {
	step, ok := x.def.Step(stepID)
	if !ok {
		return fmt.Errorf("engine: definition %q has no step %q", x.def.Name, stepID)
	}
	se := x.in.Step(stepID)
	attempt := se.Attempt + 1

	t := task.New(x.in.ID, stepID, step.TargetService, x.stepInput(step), attempt)
	t.Timeout = x.stepTimeout(step)
	t.Deadline = now.Add(t.Timeout).Add(x.engine.cfg.DispatchGrace)

	if err := x.stage(event.TypeStepDispatched, event.StepDispatched{
		StepID:        stepID,
		TaskID:        t.ID,
		Attempt:       attempt,
		TargetService: step.TargetService,
		Deadline:      t.Deadline,
	}); err != nil {
		return err
	}
	x.submit(t)
	x.post(func(ctx context.Context) {
		x.engine.hooks.EmitStepDispatched(ctx, t)
	})
	return nil
}

// stepInput resolves a step's input payload from its mapping
// expression: empty or "$input" selects the instance's initial input,
// "$context" the full step-output map, and any other value the named
// step's recorded output.
func (x *txn) stepInput(step definition.Step) json.RawMessage {
	switch step.InputMapping {
	case "", "$input":
		return x.in.Input
	case "$context":
		raw, err := json.Marshal(x.in.Context)
		if err != nil {
			return x.in.Input
		}
		return raw
	default:
		if out, ok := x.in.Context[step.InputMapping]; ok {
			return out
		}
		return x.in.Input
	}
}

func (x *txn) stepTimeout(step definition.Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return x.engine.cfg.StepTimeout
}

func (x *txn) maxRetries(step definition.Step) int {
	if step.MaxRetries > 0 {
		return step.MaxRetries
	}
	return x.engine.cfg.MaxRetries
}

// ──────────────────────────────────────────────────
// Result application
// ──────────────────────────────────────────────────

// applyResult folds a task's terminal result into the instance.
// Duplicate and stale results are ignored: the step's recorded task ID
// must match, and terminal steps never flip.
func (x *txn) applyResult(t *task.Task, res *task.Result, now time.Time) error {
	if x.in.Terminal() {
		x.engine.logger.Debug("result for terminal instance ignored",
			slog.String("instance_id", x.in.ID.String()),
			slog.String("task_id", t.ID.String()),
		)
		return nil
	}
	if t.Compensation {
		return x.applyCompensationResult(t, res, now)
	}

	se := x.in.Step(t.StepID)
	if se.Status != instance.StepDispatched || se.TaskID != t.ID {
		x.engine.logger.Info("duplicate or stale step result ignored",
			slog.String("instance_id", x.in.ID.String()),
			slog.String("step_id", t.StepID),
			slog.String("task_id", t.ID.String()),
		)
		return nil
	}

	if res.Success {
		return x.applySuccess(t, res, now)
	}
	return x.applyFailure(t, res, now)
}

func (x *txn) applySuccess(t *task.Task, res *task.Result, now time.Time) error {
	if err := x.stage(event.TypeStepSucceeded, event.StepSucceeded{
		StepID:  t.StepID,
		TaskID:  t.ID,
		Attempt: t.Attempt,
		Output:  res.Output,
	}); err != nil {
		return err
	}
	x.post(func(ctx context.Context) {
		x.engine.hooks.EmitStepSucceeded(ctx, t, res.Duration)
	})

	// A step that was in flight when compensation started has now
	// succeeded, so it joins the set to undo. No forward dispatch.
	if x.in.Status == instance.StatusCompensating {
		return x.advanceCompensation(now)
	}

	if x.in.AllSucceeded(x.def) {
		if err := x.stage(event.TypeInstanceCompleted, event.InstanceCompleted{
			Output: x.sinkOutput(),
		}); err != nil {
			return err
		}
		elapsed := now.Sub(x.in.CreatedAt)
		x.post(func(ctx context.Context) {
			x.engine.logger.Info("instance completed",
				slog.String("instance_id", x.in.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
			x.engine.hooks.EmitInstanceCompleted(ctx, x.in.ID, elapsed)
		})
		return nil
	}

	x.dispatchReady(now)
	return nil
}

// sinkOutput returns the output of the definition's single sink step,
// or nil when the graph has several.
func (x *txn) sinkOutput() json.RawMessage {
	dependedOn := make(map[string]bool)
	for _, s := range x.def.Steps {
		for _, dep := range s.DependsOn {
			dependedOn[dep] = true
		}
	}
	var sink string
	for _, s := range x.def.Steps {
		if !dependedOn[s.ID] {
			if sink != "" {
				return nil
			}
			sink = s.ID
		}
	}
	return x.in.Context[sink]
}

func (x *txn) applyFailure(t *task.Task, res *task.Result, now time.Time) error {
	step, ok := x.def.Step(t.StepID)
	if !ok {
		return fmt.Errorf("engine: definition %q has no step %q", x.def.Name, t.StepID)
	}

	// While compensating there is no forward path left to retry on, so
	// any failure of a still in-flight step is terminal for that step.
	if x.in.Status != instance.StatusCompensating &&
		!res.Permanent && t.Attempt <= x.maxRetries(step) {
		delay := x.engine.backoff.Delay(t.Attempt)
		runAt := now.Add(delay)

		if err := x.stage(event.TypeStepFailed, event.StepFailed{
			StepID:  t.StepID,
			TaskID:  t.ID,
			Attempt: t.Attempt,
			Error:   res.Error,
			Timeout: res.Timeout,
		}); err != nil {
			return err
		}
		if err := x.stage(event.TypeStepRetryScheduled, event.StepRetryScheduled{
			StepID:  t.StepID,
			Attempt: t.Attempt,
			RunAt:   runAt,
		}); err != nil {
			return err
		}
		x.post(func(ctx context.Context) {
			x.engine.logger.Info("step retry scheduled",
				slog.String("instance_id", x.in.ID.String()),
				slog.String("step_id", t.StepID),
				slog.Int("next_attempt", t.Attempt+1),
				slog.Time("run_at", runAt),
			)
			x.engine.hooks.EmitStepRetrying(ctx, t, t.Attempt+1, runAt)
		})
		return nil
	}

	// Terminal failure: permanent error or retry budget exhausted.
	if err := x.stage(event.TypeStepFailed, event.StepFailed{
		StepID:    t.StepID,
		TaskID:    t.ID,
		Attempt:   t.Attempt,
		Error:     res.Error,
		Permanent: true,
		Timeout:   res.Timeout,
	}); err != nil {
		return err
	}
	reason := res.Error
	x.post(func(ctx context.Context) {
		x.engine.logger.Warn("step failed terminally",
			slog.String("instance_id", x.in.ID.String()),
			slog.String("step_id", t.StepID),
			slog.Int("attempts", t.Attempt),
			slog.String("error", reason),
		)
		x.engine.hooks.EmitStepFailed(ctx, t, reason)
		if x.engine.deadLetter != nil {
			if err := x.engine.deadLetter.Push(ctx, t, reason); err != nil {
				x.engine.logger.Error("dead letter push failed",
					slog.String("task_id", t.ID.String()),
					slog.String("error", err.Error()),
				)
			} else {
				x.engine.hooks.EmitTaskDLQ(ctx, t, reason)
			}
		}
	})

	return x.triggerCompensation(t.StepID, now)
}

// ──────────────────────────────────────────────────
// Compensation
// ──────────────────────────────────────────────────

func (x *txn) triggerCompensation(failedStepID string, now time.Time) error {
	if x.in.Status != instance.StatusCompensating {
		if err := x.stage(event.TypeCompensationTriggered, event.CompensationTriggered{
			FailedStepID: failedStepID,
		}); err != nil {
			return err
		}
		x.post(func(ctx context.Context) {
			x.engine.hooks.EmitCompensationStarted(ctx, x.in.ID, failedStepID)
		})
	}
	return x.advanceCompensation(now)
}

// advanceCompensation dispatches undo tasks for succeeded steps whose
// dependents have resolved, walking the graph in reverse. Steps with
// no compensation step are skipped, which may unlock further steps in
// the same cycle. When every succeeded step is resolved the instance
// reaches its terminal Failed state.
func (x *txn) advanceCompensation(now time.Time) error {
	for {
		progress := false
		for _, stepID := range x.in.ReadyCompensations(x.def) {
			step, ok := x.def.Step(stepID)
			if !ok {
				return fmt.Errorf("engine: definition %q has no step %q", x.def.Name, stepID)
			}
			if step.CompensationStepID == "" {
				if err := x.stage(event.TypeCompensationSkipped, event.CompensationSkipped{
					StepID: stepID,
				}); err != nil {
					return err
				}
				progress = true
				continue
			}
			if err := x.dispatchCompensation(step, now); err != nil {
				return err
			}
		}
		if !progress {
			break
		}
	}

	if x.in.Status == instance.StatusCompensating && x.in.CompensationComplete(x.def) {
		return x.finishFailed()
	}
	return nil
}

func (x *txn) dispatchCompensation(step definition.Step, now time.Time) error {
	se := x.in.Step(step.ID)
	attempt := se.CompAttempt + 1

	// A compensation undoes what the step did, so its input is the
	// step's recorded output.
	t := task.NewCompensation(x.in.ID, step.ID, step.CompensationStepID, step.TargetService, x.in.Context[step.ID], attempt)
	t.Timeout = x.stepTimeout(step)
	t.Deadline = now.Add(t.Timeout).Add(x.engine.cfg.DispatchGrace)

	if err := x.stage(event.TypeCompensationDispatched, event.CompensationDispatched{
		StepID:             step.ID,
		CompensationStepID: step.CompensationStepID,
		TaskID:             t.ID,
		Attempt:            attempt,
		Deadline:           t.Deadline,
	}); err != nil {
		return err
	}
	x.submit(t)
	return nil
}

func (x *txn) applyCompensationResult(t *task.Task, res *task.Result, now time.Time) error {
	se := x.in.Step(t.StepID)
	if se.Compensation != instance.CompDispatched || se.CompTaskID != t.ID {
		x.engine.logger.Info("duplicate or stale compensation result ignored",
			slog.String("instance_id", x.in.ID.String()),
			slog.String("step_id", t.StepID),
			slog.String("task_id", t.ID.String()),
		)
		return nil
	}

	switch {
	case res.Success:
		if err := x.stage(event.TypeCompensationSucceeded, event.CompensationSucceeded{
			StepID: t.StepID,
			TaskID: t.ID,
		}); err != nil {
			return err
		}

	case x.engine.cfg.Compensation == cascade.CompensationStrict &&
		!res.Permanent && t.Attempt <= x.engine.cfg.MaxRetries:
		// Strict policy: keep retrying the undo before giving up.
		step, ok := x.def.Step(t.StepID)
		if !ok {
			return fmt.Errorf("engine: definition %q has no step %q", x.def.Name, t.StepID)
		}
		if err := x.dispatchCompensation(step, now); err != nil {
			return err
		}

	default:
		if err := x.stage(event.TypeCompensationFailed, event.CompensationFailed{
			StepID: t.StepID,
			TaskID: t.ID,
			Error:  res.Error,
		}); err != nil {
			return err
		}
		reason := res.Error
		x.post(func(ctx context.Context) {
			x.engine.logger.Error("compensation failed, manual intervention may be required",
				slog.String("instance_id", x.in.ID.String()),
				slog.String("step_id", t.StepID),
				slog.String("error", reason),
			)
			if x.engine.deadLetter != nil {
				if err := x.engine.deadLetter.Push(ctx, t, reason); err != nil {
					x.engine.logger.Error("dead letter push failed",
						slog.String("task_id", t.ID.String()),
						slog.String("error", err.Error()),
					)
				}
			}
		})
	}

	return x.advanceCompensation(now)
}

func (x *txn) finishFailed() error {
	var failed, compensated, skipped []string
	for _, s := range x.def.Steps {
		se := x.in.Step(s.ID)
		switch {
		case se.Status == instance.StepFailed:
			failed = append(failed, s.ID)
		case se.Compensation == instance.CompSucceeded:
			compensated = append(compensated, s.ID)
		case se.Compensation == instance.CompSkipped:
			skipped = append(skipped, s.ID)
		}
	}

	if err := x.stage(event.TypeInstanceFailed, event.InstanceFailed{
		FailedSteps:      failed,
		CompensatedSteps: compensated,
		SkippedSteps:     skipped,
	}); err != nil {
		return err
	}
	x.post(func(ctx context.Context) {
		x.engine.logger.Warn("instance failed",
			slog.String("instance_id", x.in.ID.String()),
			slog.Any("failed_steps", failed),
			slog.Any("compensated_steps", compensated),
		)
		x.engine.hooks.EmitInstanceFailed(ctx, x.in.ID, failed)
	})
	return nil
}

// HandleTaskResult implements the scheduler's result contract. It is
// idempotent per task: duplicate results are ignored and logged.
func (e *Engine) HandleTaskResult(ctx context.Context, t *task.Task, res *task.Result) error {
	_, err := e.update(ctx, t.InstanceID, func(x *txn) error {
		return x.applyResult(t, res, time.Now().UTC())
	})
	return err
}
