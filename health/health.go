// Package health aggregates liveness signals from across the system
// into a single read-only snapshot: circuit breaker states, queue
// depths, and worker registry occupancy.
package health

import (
	"context"
	"time"

	"github.com/cascadehq/cascade/breaker"
	"github.com/cascadehq/cascade/worker"
)

// Status summarizes the aggregate condition.
type Status string

const (
	// StatusOK means all signals are nominal.
	StatusOK Status = "ok"
	// StatusDegraded means the system is operating but impaired: open
	// circuits, no active workers, or a saturated queue.
	StatusDegraded Status = "degraded"
)

// Depths reports the scheduler's queue occupancy.
type Depths struct {
	Queued   int `json:"queued"`
	Held     int `json:"held"`
	Inflight int `json:"inflight"`
	Bound    int `json:"bound"`
}

// Workers summarizes the worker registry.
type Workers struct {
	Active   int `json:"active"`
	Draining int `json:"draining"`
	Dead     int `json:"dead"`
	Load     int `json:"load"`
	Capacity int `json:"capacity"`
}

// Report is one point-in-time health snapshot.
type Report struct {
	Status    Status             `json:"status"`
	Breakers  []breaker.Snapshot `json:"breakers,omitempty"`
	Scheduler Depths             `json:"scheduler"`
	Workers   Workers            `json:"workers"`
	CheckedAt time.Time          `json:"checked_at"`
}

// DepthSource reports scheduler queue depths. *scheduler.Scheduler
// satisfies it.
type DepthSource interface {
	Depth() (queued, held, inflight int)
}

// Monitor collects health signals. All sources are optional; a nil
// source simply contributes nothing to the report.
type Monitor struct {
	breakers   *breaker.Registry
	depths     DepthSource
	registry   worker.Store
	queueBound int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithBreakers includes circuit breaker snapshots in reports.
func WithBreakers(r *breaker.Registry) Option {
	return func(m *Monitor) { m.breakers = r }
}

// WithScheduler includes scheduler queue depths in reports. bound is
// the configured queue capacity, used to flag saturation.
func WithScheduler(d DepthSource, bound int) Option {
	return func(m *Monitor) {
		m.depths = d
		m.queueBound = bound
	}
}

// WithWorkerRegistry includes worker registry occupancy in reports.
func WithWorkerRegistry(s worker.Store) Option {
	return func(m *Monitor) { m.registry = s }
}

// NewMonitor creates a Monitor over the given sources.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check assembles a health report. It degrades rather than fails: a
// registry read error leaves the worker section empty.
func (m *Monitor) Check(ctx context.Context) *Report {
	r := &Report{
		Status:    StatusOK,
		CheckedAt: time.Now().UTC(),
	}

	if m.breakers != nil {
		r.Breakers = m.breakers.Snapshots()
		for _, s := range r.Breakers {
			if s.State == breaker.StateOpen {
				r.Status = StatusDegraded
				break
			}
		}
	}

	if m.depths != nil {
		queued, held, inflight := m.depths.Depth()
		r.Scheduler = Depths{Queued: queued, Held: held, Inflight: inflight, Bound: m.queueBound}
		if m.queueBound > 0 && queued >= m.queueBound {
			r.Status = StatusDegraded
		}
	}

	if m.registry != nil {
		workers, err := m.registry.ListWorkers(ctx)
		if err == nil {
			for _, w := range workers {
				switch w.State {
				case worker.StateActive:
					r.Workers.Active++
					r.Workers.Load += w.Load
					r.Workers.Capacity += w.Capacity
				case worker.StateDraining:
					r.Workers.Draining++
				case worker.StateDead:
					r.Workers.Dead++
				}
			}
			if r.Workers.Active == 0 {
				r.Status = StatusDegraded
			}
		}
	}

	return r
}
