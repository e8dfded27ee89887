package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/task"
)

// Start launches the background reconciliation sweep. The sweep is the
// engine's crash-recovery mechanism: because every dispatch is recorded
// in the event log before the task reaches the scheduler, scanning the
// log finds work the scheduler lost and attempts that outlived their
// deadline.
func (e *Engine) Start() {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()
	if e.sweepRunning {
		return
	}
	e.sweepRunning = true
	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go e.sweepLoop()
}

// Stop halts the reconciliation sweep and waits for an in-flight pass
// to finish.
func (e *Engine) Stop() {
	e.sweepMu.Lock()
	if !e.sweepRunning {
		e.sweepMu.Unlock()
		return
	}
	e.sweepRunning = false
	close(e.stopCh)
	e.sweepMu.Unlock()
	e.wg.Wait()
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.Sweep(context.Background()); err != nil {
				e.logger.Error("reconciliation sweep failed", slog.String("error", err.Error()))
			}
		case <-e.stopCh:
			return
		}
	}
}

// sweepParallelism bounds how many instances one pass reconciles at a
// time. Instances are independent event streams, so concurrent passes
// never contend on the same log.
const sweepParallelism = 8

// Sweep runs one reconciliation pass over every known instance. It is
// exported so operators and tests can force a pass without waiting for
// the interval.
func (e *Engine) Sweep(ctx context.Context) error {
	instanceIDs, err := e.events.ListInstances(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, instID := range instanceIDs {
		g.Go(func() error {
			if _, err := e.update(gctx, instID, func(x *txn) error {
				return x.reconcile(time.Now().UTC())
			}); err != nil {
				// One broken instance must not stall the rest of the
				// pass, so log and move on.
				e.logger.Error("instance reconciliation failed",
					slog.String("instance_id", instID.String()),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

// reconcile repairs one instance: expired attempts become synthesized
// timeout failures, dispatches the scheduler no longer tracks are
// re-submitted from the log, and stalled instances are nudged forward.
func (x *txn) reconcile(now time.Time) error {
	if x.in.Terminal() {
		return nil
	}

	for _, step := range x.def.Steps {
		se := x.in.Step(step.ID)

		if se.Status == instance.StepDispatched {
			switch {
			case now.After(se.Deadline):
				t := x.rebuildTask(step, se)
				if err := x.applyResult(t, timeoutResult(t, now), now); err != nil {
					return err
				}
			case x.lost(se.TaskID, se.DispatchedAt, now):
				x.resubmit(x.rebuildTask(step, se))
			}
			continue
		}

		if se.Compensation == instance.CompDispatched {
			switch {
			case now.After(se.CompDeadline):
				t := x.rebuildCompensationTask(step, se)
				if err := x.applyResult(t, timeoutResult(t, now), now); err != nil {
					return err
				}
			case x.lost(se.CompTaskID, se.CompDispatchedAt, now):
				x.resubmit(x.rebuildCompensationTask(step, se))
			}
		}
	}

	// Retries whose backoff has elapsed, and compensations unlocked by
	// earlier resolutions, are picked up here.
	x.dispatchReady(now)
	if x.in.Status == instance.StatusCompensating {
		return x.advanceCompensation(now)
	}
	return nil
}

// lost reports whether a dispatched task vanished from the scheduler:
// it is no longer tracked and the dispatch grace period has elapsed.
// The grace period covers the window between the write-ahead event and
// the scheduler accepting the task.
func (x *txn) lost(taskID id.TaskID, dispatchedAt, now time.Time) bool {
	if x.engine.dispatcher.Tracked(taskID) {
		return false
	}
	return now.After(dispatchedAt.Add(x.engine.cfg.DispatchGrace))
}

// resubmit re-queues a reconstructed task without staging new events.
// The original StepDispatched record already covers it.
func (x *txn) resubmit(t *task.Task) {
	x.engine.logger.Warn("re-submitting lost dispatch",
		slog.String("instance_id", x.in.ID.String()),
		slog.String("step_id", t.StepID),
		slog.String("task_id", t.ID.String()),
		slog.Bool("compensation", t.Compensation),
	)
	x.submit(t)
}

// rebuildTask reconstructs a forward task from the event log so the
// sweep can re-submit it with the same identity the log recorded.
func (x *txn) rebuildTask(step definition.Step, se *instance.StepExecution) *task.Task {
	return &task.Task{
		ID:            se.TaskID,
		InstanceID:    x.in.ID,
		StepID:        step.ID,
		TargetService: step.TargetService,
		Input:         x.stepInput(step),
		Attempt:       se.Attempt,
		Deadline:      se.Deadline,
		Timeout:       x.stepTimeout(step),
		CreatedAt:     se.DispatchedAt,
	}
}

func (x *txn) rebuildCompensationTask(step definition.Step, se *instance.StepExecution) *task.Task {
	return &task.Task{
		ID:                 se.CompTaskID,
		InstanceID:         x.in.ID,
		StepID:             step.ID,
		CompensationStepID: step.CompensationStepID,
		Compensation:       true,
		TargetService:      step.TargetService,
		Input:              x.in.Context[step.ID],
		Attempt:            se.CompAttempt,
		Deadline:           se.CompDeadline,
		Timeout:            x.stepTimeout(step),
		CreatedAt:          se.CompDispatchedAt,
	}
}

func timeoutResult(t *task.Task, now time.Time) *task.Result {
	return &task.Result{
		TaskID:     t.ID,
		Success:    false,
		Timeout:    true,
		Error:      "task deadline exceeded",
		FinishedAt: now,
	}
}
