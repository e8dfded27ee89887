package worker

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/task"
)

// Worker is one logical executor slot. The pool runs one goroutine per
// worker that drains its task channel; the scheduler hands tasks to a
// worker through Offer after the balancing strategy picks it.
type Worker struct {
	ID           id.WorkerID
	Capabilities []string

	tasks    chan *task.Task
	quit     chan struct{}
	draining atomic.Bool

	load      atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
	// busyNanos accumulates wall time spent executing tasks, used to
	// derive average latency for performance-weighted balancing.
	busyNanos atomic.Int64

	lastBeat atomic.Int64 // unix nanos
}

func newWorker(capabilities []string, capacity int) *Worker {
	w := &Worker{
		ID:           id.NewWorkerID(),
		Capabilities: capabilities,
		tasks:        make(chan *task.Task, capacity),
		quit:         make(chan struct{}),
	}
	w.beat()
	return w
}

// CanRun reports whether the worker's capabilities cover the task's
// target service. A worker with no declared capabilities runs anything.
func (w *Worker) CanRun(t *task.Task) bool {
	if len(w.Capabilities) == 0 {
		return true
	}
	return slices.Contains(w.Capabilities, t.TargetService)
}

// Offer hands a task to the worker without blocking. It returns false
// when the worker is draining or its buffer is full.
func (w *Worker) Offer(t *task.Task) bool {
	if w.draining.Load() {
		return false
	}
	select {
	case w.tasks <- t:
		w.load.Add(1)
		return true
	default:
		return false
	}
}

// Load returns the number of tasks queued or executing on this worker.
func (w *Worker) Load() int {
	return int(w.load.Load())
}

// Draining reports whether the worker has stopped accepting tasks.
func (w *Worker) Draining() bool {
	return w.draining.Load()
}

// Drain stops the worker from accepting new tasks. In-flight and
// buffered tasks still run to completion.
func (w *Worker) Drain() {
	if w.draining.CompareAndSwap(false, true) {
		close(w.quit)
	}
}

func (w *Worker) beat() {
	w.lastBeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the time of the worker's last liveness signal.
func (w *Worker) LastHeartbeat() time.Time {
	return time.Unix(0, w.lastBeat.Load())
}

func (w *Worker) recordResult(res *task.Result) {
	w.load.Add(-1)
	w.busyNanos.Add(int64(res.Duration))
	if res.Success {
		w.completed.Add(1)
	} else {
		w.failed.Add(1)
	}
}

// Stats is a point-in-time view of one worker's performance.
type Stats struct {
	WorkerID      id.WorkerID   `json:"worker_id"`
	Capabilities  []string      `json:"capabilities,omitempty"`
	Load          int           `json:"load"`
	Completed     uint64        `json:"completed"`
	Failed        uint64        `json:"failed"`
	AvgLatency    time.Duration `json:"avg_latency"`
	SuccessRate   float64       `json:"success_rate"`
	Draining      bool          `json:"draining"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
}

// Stats returns the worker's current counters. SuccessRate is 1.0 for
// a worker that has not finished any task yet, so fresh workers are
// not penalized by performance-weighted balancing.
func (w *Worker) Stats() Stats {
	completed := w.completed.Load()
	failed := w.failed.Load()
	total := completed + failed

	s := Stats{
		WorkerID:      w.ID,
		Capabilities:  w.Capabilities,
		Load:          w.Load(),
		Completed:     completed,
		Failed:        failed,
		SuccessRate:   1.0,
		Draining:      w.draining.Load(),
		LastHeartbeat: w.LastHeartbeat(),
	}
	if total > 0 {
		s.SuccessRate = float64(completed) / float64(total)
		s.AvgLatency = time.Duration(w.busyNanos.Load() / int64(total))
	}
	return s
}
