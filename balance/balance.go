// Package balance provides pluggable strategies for picking a worker
// for the next task. The scheduler filters candidates by capability
// and acceptance first; strategies only decide among eligible workers.
package balance

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/cascadehq/cascade/task"
	"github.com/cascadehq/cascade/worker"
)

// Strategy picks one worker from a non-empty candidate slice. A nil
// return tells the scheduler no candidate is usable right now.
type Strategy interface {
	Pick(candidates []*worker.Worker, t *task.Task) *worker.Worker
}

// ──────────────────────────────────────────────────
// RoundRobin
// ──────────────────────────────────────────────────

// RoundRobin cycles through candidates in order, spreading tasks evenly
// regardless of load or performance.
type RoundRobin struct {
	next atomic.Uint64
}

// NewRoundRobin creates a round-robin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (r *RoundRobin) Pick(candidates []*worker.Worker, _ *task.Task) *worker.Worker {
	if len(candidates) == 0 {
		return nil
	}
	n := r.next.Add(1) - 1
	return candidates[n%uint64(len(candidates))]
}

// ──────────────────────────────────────────────────
// LeastLoaded
// ──────────────────────────────────────────────────

// LeastLoaded picks the candidate with the fewest queued and executing
// tasks. Ties go to the earliest candidate, which keeps the choice
// deterministic for tests.
type LeastLoaded struct{}

// NewLeastLoaded creates a least-loaded strategy.
func NewLeastLoaded() *LeastLoaded {
	return &LeastLoaded{}
}

func (l *LeastLoaded) Pick(candidates []*worker.Worker, _ *task.Task) *worker.Worker {
	var best *worker.Worker
	bestLoad := -1
	for _, w := range candidates {
		load := w.Load()
		if best == nil || load < bestLoad {
			best = w
			bestLoad = load
		}
	}
	return best
}

// ──────────────────────────────────────────────────
// PerformanceWeighted
// ──────────────────────────────────────────────────

// PerformanceWeighted picks randomly with weights derived from each
// worker's success rate and average latency: reliable, fast workers
// get proportionally more tasks, but slow workers still get some so
// their stats can recover.
type PerformanceWeighted struct {
	rand func() float64
}

// NewPerformanceWeighted creates a performance-weighted strategy.
func NewPerformanceWeighted() *PerformanceWeighted {
	return &PerformanceWeighted{rand: rand.Float64}
}

func (p *PerformanceWeighted) Pick(candidates []*worker.Worker, _ *task.Task) *worker.Worker {
	if len(candidates) == 0 {
		return nil
	}

	weights := make([]float64, len(candidates))
	var total float64
	for i, w := range candidates {
		weights[i] = weight(w.Stats())
		total += weights[i]
	}
	if total <= 0 {
		return candidates[0]
	}

	cut := p.rand() * total
	for i, w := range candidates {
		cut -= weights[i]
		if cut < 0 {
			return w
		}
	}
	return candidates[len(candidates)-1]
}

// weight scores a worker: success rate divided by average latency in
// milliseconds (floored at 1ms so fresh workers are not infinite).
func weight(s worker.Stats) float64 {
	latencyMS := float64(s.AvgLatency.Milliseconds())
	if latencyMS < 1 {
		latencyMS = 1
	}
	w := s.SuccessRate / latencyMS
	if w < 0.001 {
		// Keep a floor so struggling workers still see traffic and can
		// recover their stats.
		w = 0.001
	}
	return w
}
