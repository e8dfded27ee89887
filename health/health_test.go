package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/cascadehq/cascade/breaker"
	"github.com/cascadehq/cascade/health"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/store/memory"
	"github.com/cascadehq/cascade/worker"
)

type stubDepths struct{ queued, held, inflight int }

func (s stubDepths) Depth() (int, int, int) { return s.queued, s.held, s.inflight }

func registerWorker(t *testing.T, s *memory.Store, state worker.State, load, capacity int) {
	t.Helper()
	now := time.Now().UTC()
	err := s.RegisterWorker(context.Background(), &worker.Registration{
		ID:        id.NewWorkerID(),
		Hostname:  "host",
		Capacity:  capacity,
		Load:      load,
		State:     state,
		LastSeen:  now,
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
}

func TestCheckNominal(t *testing.T) {
	s := memory.New()
	registerWorker(t, s, worker.StateActive, 2, 4)
	registerWorker(t, s, worker.StateDraining, 0, 4)

	m := health.NewMonitor(
		health.WithBreakers(breaker.NewRegistry()),
		health.WithScheduler(stubDepths{queued: 3, inflight: 1}, 100),
		health.WithWorkerRegistry(s),
	)

	r := m.Check(context.Background())
	if r.Status != health.StatusOK {
		t.Fatalf("got status %q, want %q", r.Status, health.StatusOK)
	}
	if r.Scheduler.Queued != 3 || r.Scheduler.Inflight != 1 || r.Scheduler.Bound != 100 {
		t.Fatalf("got scheduler depths %+v", r.Scheduler)
	}
	if r.Workers.Active != 1 || r.Workers.Draining != 1 || r.Workers.Load != 2 || r.Workers.Capacity != 4 {
		t.Fatalf("got workers %+v", r.Workers)
	}
}

func TestCheckDegradedByOpenCircuit(t *testing.T) {
	reg := breaker.NewRegistry(breaker.WithThreshold(1))
	reg.Failure("payments")

	s := memory.New()
	registerWorker(t, s, worker.StateActive, 0, 4)

	m := health.NewMonitor(
		health.WithBreakers(reg),
		health.WithWorkerRegistry(s),
	)

	r := m.Check(context.Background())
	if r.Status != health.StatusDegraded {
		t.Fatalf("got status %q, want %q", r.Status, health.StatusDegraded)
	}
	if len(r.Breakers) != 1 || r.Breakers[0].State != breaker.StateOpen {
		t.Fatalf("got breakers %+v, want one open", r.Breakers)
	}
}

func TestCheckDegradedWithoutWorkers(t *testing.T) {
	m := health.NewMonitor(health.WithWorkerRegistry(memory.New()))

	r := m.Check(context.Background())
	if r.Status != health.StatusDegraded {
		t.Fatalf("got status %q, want %q", r.Status, health.StatusDegraded)
	}
}

func TestCheckDegradedBySaturatedQueue(t *testing.T) {
	m := health.NewMonitor(health.WithScheduler(stubDepths{queued: 10}, 10))

	r := m.Check(context.Background())
	if r.Status != health.StatusDegraded {
		t.Fatalf("got status %q, want %q", r.Status, health.StatusDegraded)
	}
}
