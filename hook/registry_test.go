package hook_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cascadehq/cascade/hook"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/task"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnInstanceStarted(_ context.Context, _ id.InstanceID, _ id.DefinitionID) error {
	e.calls = append(e.calls, "OnInstanceStarted")
	return nil
}

func (e *allHooksExt) OnInstanceCompleted(_ context.Context, _ id.InstanceID, _ time.Duration) error {
	e.calls = append(e.calls, "OnInstanceCompleted")
	return nil
}

func (e *allHooksExt) OnInstanceFailed(_ context.Context, _ id.InstanceID, _ []string) error {
	e.calls = append(e.calls, "OnInstanceFailed")
	return nil
}

func (e *allHooksExt) OnInstanceCancelled(_ context.Context, _ id.InstanceID, _ string) error {
	e.calls = append(e.calls, "OnInstanceCancelled")
	return nil
}

func (e *allHooksExt) OnStepDispatched(_ context.Context, _ *task.Task) error {
	e.calls = append(e.calls, "OnStepDispatched")
	return nil
}

func (e *allHooksExt) OnStepSucceeded(_ context.Context, _ *task.Task, _ time.Duration) error {
	e.calls = append(e.calls, "OnStepSucceeded")
	return nil
}

func (e *allHooksExt) OnStepFailed(_ context.Context, _ *task.Task, _ string) error {
	e.calls = append(e.calls, "OnStepFailed")
	return nil
}

func (e *allHooksExt) OnStepRetrying(_ context.Context, _ *task.Task, _ int, _ time.Time) error {
	e.calls = append(e.calls, "OnStepRetrying")
	return nil
}

func (e *allHooksExt) OnCompensationStarted(_ context.Context, _ id.InstanceID, _ string) error {
	e.calls = append(e.calls, "OnCompensationStarted")
	return nil
}

func (e *allHooksExt) OnTaskDLQ(_ context.Context, _ *task.Task, _ string) error {
	e.calls = append(e.calls, "OnTaskDLQ")
	return nil
}

func (e *allHooksExt) OnCronFired(_ context.Context, _ string, _ id.InstanceID) error {
	e.calls = append(e.calls, "OnCronFired")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// startedOnlyExt implements a single hook.
type startedOnlyExt struct {
	started int
}

func (e *startedOnlyExt) Name() string { return "started-only" }

func (e *startedOnlyExt) OnInstanceStarted(_ context.Context, _ id.InstanceID, _ id.DefinitionID) error {
	e.started++
	return nil
}

// failingExt returns an error from its hook.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnInstanceStarted(_ context.Context, _ id.InstanceID, _ id.DefinitionID) error {
	return errors.New("hook exploded")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_EmitsToAllHooks(t *testing.T) {
	r := hook.NewRegistry(testLogger())
	ext := &allHooksExt{}
	r.Register(ext)

	ctx := context.Background()
	instID := id.NewInstanceID()
	tk := task.New(instID, "charge", "payments", nil, 1)

	r.EmitInstanceStarted(ctx, instID, id.NewDefinitionID())
	r.EmitStepDispatched(ctx, tk)
	r.EmitStepSucceeded(ctx, tk, time.Second)
	r.EmitStepFailed(ctx, tk, "declined")
	r.EmitStepRetrying(ctx, tk, 2, time.Now())
	r.EmitCompensationStarted(ctx, instID, "charge")
	r.EmitInstanceCompleted(ctx, instID, time.Minute)
	r.EmitInstanceFailed(ctx, instID, []string{"charge"})
	r.EmitInstanceCancelled(ctx, instID, "operator")
	r.EmitTaskDLQ(ctx, tk, "retries exhausted")
	r.EmitCronFired(ctx, "nightly", instID)
	r.EmitShutdown(ctx)

	want := []string{
		"OnInstanceStarted", "OnStepDispatched", "OnStepSucceeded",
		"OnStepFailed", "OnStepRetrying", "OnCompensationStarted",
		"OnInstanceCompleted", "OnInstanceFailed", "OnInstanceCancelled",
		"OnTaskDLQ", "OnCronFired", "OnShutdown",
	}
	if len(ext.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", ext.calls, want)
	}
	for i, name := range want {
		if ext.calls[i] != name {
			t.Errorf("calls[%d] = %q, want %q", i, ext.calls[i], name)
		}
	}
}

func TestRegistry_PartialExtensionOnlyGetsItsHooks(t *testing.T) {
	r := hook.NewRegistry(testLogger())
	ext := &startedOnlyExt{}
	r.Register(ext)

	ctx := context.Background()
	instID := id.NewInstanceID()

	r.EmitInstanceStarted(ctx, instID, id.NewDefinitionID())
	r.EmitInstanceCompleted(ctx, instID, time.Second)
	r.EmitShutdown(ctx)

	if ext.started != 1 {
		t.Fatalf("started = %d, want 1", ext.started)
	}
}

func TestRegistry_HookErrorsDoNotPropagate(t *testing.T) {
	r := hook.NewRegistry(testLogger())
	r.Register(&failingExt{})
	after := &startedOnlyExt{}
	r.Register(after)

	// Must not panic, and later extensions still run.
	r.EmitInstanceStarted(context.Background(), id.NewInstanceID(), id.NewDefinitionID())
	if after.started != 1 {
		t.Fatal("extension after a failing one was not notified")
	}
}

func TestRegistry_Extensions(t *testing.T) {
	r := hook.NewRegistry(testLogger())
	r.Register(&allHooksExt{})
	r.Register(&startedOnlyExt{})
	if got := len(r.Extensions()); got != 2 {
		t.Fatalf("extensions = %d, want 2", got)
	}
}
