package cron_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/store/memory"
	"github.com/cascadehq/cascade/worker"
)

// stubEmitter records EmitCronFired calls.
type stubEmitter struct {
	mu    sync.Mutex
	calls []cronFiredCall
}

type cronFiredCall struct {
	ScheduleName string
	InstanceID   id.InstanceID
}

func (e *stubEmitter) EmitCronFired(_ context.Context, scheduleName string, instanceID id.InstanceID) {
	e.mu.Lock()
	e.calls = append(e.calls, cronFiredCall{ScheduleName: scheduleName, InstanceID: instanceID})
	e.mu.Unlock()
}

func (e *stubEmitter) getCalls() []cronFiredCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]cronFiredCall, len(e.calls))
	copy(out, e.calls)
	return out
}

// startSpy tracks instance starts with thread safety.
type startSpy struct {
	mu    sync.Mutex
	calls []startCall
}

type startCall struct {
	DefinitionName string
	Version        int
	Input          json.RawMessage
}

func (s *startSpy) Fn() cron.StartFunc {
	return func(_ context.Context, definitionName string, version int, input json.RawMessage) (id.InstanceID, error) {
		s.mu.Lock()
		s.calls = append(s.calls, startCall{DefinitionName: definitionName, Version: version, Input: input})
		s.mu.Unlock()
		return id.NewInstanceID(), nil
	}
}

func (s *startSpy) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *startSpy) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.DefinitionName
	}
	return out
}

func registerDueSchedule(t *testing.T, s *memory.Store, name, definitionName string) *cron.Schedule {
	t.Helper()

	past := time.Now().UTC().Add(-1 * time.Second)
	sched := &cron.Schedule{
		Entity:         cascade.NewEntity(),
		ID:             id.NewCronID(),
		Name:           name,
		Expression:     "@every 1s",
		DefinitionName: definitionName,
		Input:          json.RawMessage(`{}`),
		NextRunAt:      &past,
		Enabled:        true,
	}

	if err := s.RegisterCron(context.Background(), sched); err != nil {
		t.Fatalf("RegisterCron: %v", err)
	}
	return sched
}

func registerLeader(t *testing.T, s *memory.Store) id.WorkerID {
	t.Helper()

	ctx := context.Background()
	workerID := id.NewWorkerID()
	reg := &worker.Registration{
		ID:        workerID,
		Hostname:  "test-host",
		State:     worker.StateActive,
		LastSeen:  time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.RegisterWorker(ctx, reg); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	acquired, err := s.AcquireLeadership(ctx, workerID, 30*time.Second)
	if err != nil {
		t.Fatalf("AcquireLeadership: %v", err)
	}
	if !acquired {
		t.Fatal("failed to acquire leadership")
	}
	return workerID
}

// newTestScheduler creates a working scheduler with leadership acquired.
func newTestScheduler(t *testing.T) (*cron.Scheduler, *memory.Store, *stubEmitter, *startSpy) {
	t.Helper()

	s := memory.New()
	emitter := &stubEmitter{}
	spy := &startSpy{}
	workerID := registerLeader(t, s)

	sched := cron.NewScheduler(
		s, s, spy.Fn(), emitter, workerID, nil,
		cron.WithTickInterval(50*time.Millisecond),
		cron.WithLeaderTTL(10*time.Second),
	)

	return sched, s, emitter, spy
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestScheduler_FiresOnSchedule(t *testing.T) {
	sched, s, emitter, spy := newTestScheduler(t)

	registerDueSchedule(t, s, "every-second", "order-fulfillment")

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for at least one fire.
	deadline := time.After(3 * time.Second)
	for spy.Count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for cron to fire")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	if err := sched.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	names := spy.Names()
	if len(names) == 0 {
		t.Fatal("expected at least one start call")
	}
	if names[0] != "order-fulfillment" {
		t.Errorf("started definition = %q, want %q", names[0], "order-fulfillment")
	}

	calls := emitter.getCalls()
	if len(calls) == 0 {
		t.Error("expected at least one EmitCronFired call")
	}
	if len(calls) > 0 && calls[0].ScheduleName != "every-second" {
		t.Errorf("emitter schedule name = %q, want %q", calls[0].ScheduleName, "every-second")
	}
}

func TestScheduler_SkipsDisabled(t *testing.T) {
	sched, s, _, spy := newTestScheduler(t)

	entry := registerDueSchedule(t, s, "disabled-cron", "noop-flow")

	entry.Enabled = false
	if err := s.UpdateCron(context.Background(), entry); err != nil {
		t.Fatalf("UpdateCron: %v", err)
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait a bit — should NOT fire.
	time.Sleep(300 * time.Millisecond)

	if err := sched.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if spy.Count() != 0 {
		t.Errorf("expected 0 start calls for disabled schedule, got %d", spy.Count())
	}
}

func TestScheduler_NonLeaderSkips(t *testing.T) {
	s := memory.New()
	emitter := &stubEmitter{}
	spy := &startSpy{}

	ctx := context.Background()
	registerLeader(t, s)

	nonLeaderID := id.NewWorkerID()
	reg := &worker.Registration{
		ID:        nonLeaderID,
		Hostname:  "test-host-2",
		State:     worker.StateActive,
		LastSeen:  time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.RegisterWorker(ctx, reg); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	// Scheduler runs on the non-leader worker.
	sched := cron.NewScheduler(
		s, s, spy.Fn(), emitter, nonLeaderID, nil,
		cron.WithTickInterval(50*time.Millisecond),
		cron.WithLeaderTTL(10*time.Second),
	)

	registerDueSchedule(t, s, "leader-only", "test-flow")

	if startErr := sched.Start(ctx); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}

	time.Sleep(300 * time.Millisecond)

	if stopErr := sched.Stop(ctx); stopErr != nil {
		t.Fatalf("Stop: %v", stopErr)
	}

	if spy.Count() != 0 {
		t.Errorf("non-leader should not fire crons, got %d calls", spy.Count())
	}
}

func TestScheduler_ComputesNextRunAt(t *testing.T) {
	sched, s, _, spy := newTestScheduler(t)

	entry := registerDueSchedule(t, s, "update-next", "compute-flow")
	entryID := entry.ID

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for spy.Count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for cron to fire")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	if err := sched.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	updated, err := s.GetCron(context.Background(), entryID)
	if err != nil {
		t.Fatalf("GetCron: %v", err)
	}
	if updated.NextRunAt == nil {
		t.Fatal("expected NextRunAt to be set")
	}
	if updated.NextRunAt.Before(time.Now().UTC().Add(-2 * time.Second)) {
		t.Errorf("NextRunAt = %v, expected recent/future time", updated.NextRunAt)
	}
	if updated.LastRunAt == nil {
		t.Error("expected LastRunAt to be set after firing")
	}
}

func TestScheduler_LockPreventsDoubleFire(t *testing.T) {
	s := memory.New()
	emitter := &stubEmitter{}
	spy := &startSpy{}

	ctx := context.Background()
	workerID := registerLeader(t, s)

	entry := registerDueSchedule(t, s, "locked-schedule", "locked-flow")

	// Pre-acquire the lock for this schedule with a different worker.
	otherWorkerID := id.NewWorkerID()
	locked, lockErr := s.AcquireCronLock(ctx, entry.ID, otherWorkerID, 30*time.Second)
	if lockErr != nil {
		t.Fatalf("AcquireCronLock: %v", lockErr)
	}
	if !locked {
		t.Fatal("expected to acquire cron lock")
	}

	sched := cron.NewScheduler(
		s, s, spy.Fn(), emitter, workerID, nil,
		cron.WithTickInterval(50*time.Millisecond),
		cron.WithLeaderTTL(10*time.Second),
	)

	if startErr := sched.Start(ctx); startErr != nil {
		t.Fatalf("Start: %v", startErr)
	}

	time.Sleep(300 * time.Millisecond)

	if stopErr := sched.Stop(ctx); stopErr != nil {
		t.Fatalf("Stop: %v", stopErr)
	}

	if spy.Count() != 0 {
		t.Errorf("expected 0 fires with pre-locked schedule, got %d", spy.Count())
	}
}

func TestParseExpression(t *testing.T) {
	sched, err := cron.ParseExpression("@every 30s")
	if err != nil {
		t.Fatalf("ParseExpression(@every 30s): %v", err)
	}
	now := time.Now().UTC()
	next := sched.Next(now)
	if !next.After(now) {
		t.Errorf("Next(%v) = %v, expected future time", now, next)
	}

	sched2, err := cron.ParseExpression("*/5 * * * *")
	if err != nil {
		t.Fatalf("ParseExpression(*/5 * * * *): %v", err)
	}
	next2 := sched2.Next(now)
	if !next2.After(now) {
		t.Errorf("Next(%v) = %v, expected future time", now, next2)
	}

	if _, err = cron.ParseExpression("not-a-cron"); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}
