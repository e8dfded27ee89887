// Package scheduler accepts tasks from the execution engine, holds
// them while their target's circuit is open or a retry delay is
// pending, and assigns runnable tasks to workers through a pluggable
// balancing strategy. The queue is bounded: when it fills, Submit
// fails fast with ErrBackpressure instead of buffering without limit.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/balance"
	"github.com/cascadehq/cascade/breaker"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/task"
	"github.com/cascadehq/cascade/worker"
)

// ResultHandler receives terminal task results. The execution engine
// implements this; HandleResult delivery is at-least-once, so handlers
// must be idempotent per task ID.
type ResultHandler interface {
	HandleTaskResult(ctx context.Context, t *task.Task, res *task.Result) error
}

// Scheduler routes tasks from a bounded queue to pool workers.
type Scheduler struct {
	pool     *worker.Pool
	strategy balance.Strategy
	breakers *breaker.Registry
	results  ResultHandler
	logger   *slog.Logger

	queue        chan *task.Task
	limiter      *rate.Limiter
	holdInterval time.Duration

	mu       sync.Mutex
	held     []*task.Task
	inflight map[id.TaskID]*inflightTask
	// tracked covers every accepted task (queued, held, or assigned)
	// until its result is handled.
	tracked map[id.TaskID]struct{}
	running bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type inflightTask struct {
	task       *task.Task
	assignedAt time.Time
	workerID   id.WorkerID
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithQueueBound sets the submission queue capacity.
func WithQueueBound(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queue = make(chan *task.Task, n)
		}
	}
}

// WithRateLimit caps task assignments per second across all workers.
// Zero means unlimited.
func WithRateLimit(perSecond float64) Option {
	return func(s *Scheduler) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1)
		}
	}
}

// WithHoldInterval sets how often held tasks are re-examined.
func WithHoldInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.holdInterval = d
		}
	}
}

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a scheduler. The scheduler implements worker.Sink, so
// the usual wiring is New with a nil pool, then worker.NewPool with
// the scheduler as sink, then AttachPool.
func New(pool *worker.Pool, strategy balance.Strategy, breakers *breaker.Registry, results ResultHandler, opts ...Option) *Scheduler {
	cfg := cascade.DefaultConfig()
	s := &Scheduler{
		pool:         pool,
		strategy:     strategy,
		breakers:     breakers,
		results:      results,
		logger:       slog.Default(),
		queue:        make(chan *task.Task, cfg.QueueBound),
		holdInterval: 250 * time.Millisecond,
		inflight:     make(map[id.TaskID]*inflightTask),
		tracked:      make(map[id.TaskID]struct{}),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AttachPool sets the worker pool tasks are assigned to. Must be
// called before Start when the pool was not available at construction.
func (s *Scheduler) AttachPool(p *worker.Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool = p
}

// Submit enqueues a task for assignment. It never blocks: a full queue
// returns ErrBackpressure and the caller decides whether to shed or
// retry later.
func (s *Scheduler) Submit(_ context.Context, t *task.Task) error {
	select {
	case s.queue <- t:
		s.mu.Lock()
		s.tracked[t.ID] = struct{}{}
		s.mu.Unlock()
		return nil
	default:
		s.logger.Warn("task queue full, rejecting submission",
			slog.String("task_id", t.ID.String()),
			slog.String("target", t.TargetService),
		)
		return cascade.ErrBackpressure
	}
}

// Start launches the dispatch and hold loops.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(2)
	go s.dispatchLoop()
	go s.holdLoop()
	return nil
}

// Stop halts assignment. Queued and held tasks are not lost state: the
// engine's reconciliation sweep re-dispatches anything it never saw a
// result for.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	return nil
}

// dispatchLoop pulls queued tasks and assigns them to workers.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			s.dispatch(t)
		}
	}
}

func (s *Scheduler) dispatch(t *task.Task) {
	now := time.Now()

	if !t.Runnable(now) {
		s.park(t)
		return
	}
	if s.breakers != nil && !s.breakers.Routable(t.TargetService) {
		s.logger.Debug("holding task, circuit open",
			slog.String("task_id", t.ID.String()),
			slog.String("target", t.TargetService),
		)
		s.park(t)
		return
	}

	if s.limiter != nil {
		if err := s.waitLimiter(); err != nil {
			s.park(t)
			return
		}
	}

	w := s.pickWorker(t)
	if w == nil || !w.Offer(t) {
		s.park(t)
		return
	}

	s.mu.Lock()
	s.inflight[t.ID] = &inflightTask{task: t, assignedAt: now, workerID: w.ID}
	s.mu.Unlock()
}

// waitLimiter waits for a rate token, abandoning the wait on stop.
func (s *Scheduler) waitLimiter() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return s.limiter.Wait(ctx)
}

// pickWorker filters workers by capability and applies the strategy.
func (s *Scheduler) pickWorker(t *task.Task) *worker.Worker {
	var eligible []*worker.Worker
	for _, w := range s.pool.Workers() {
		if w.CanRun(t) {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	return s.strategy.Pick(eligible, t)
}

func (s *Scheduler) park(t *task.Task) {
	s.mu.Lock()
	s.held = append(s.held, t)
	s.mu.Unlock()
}

// holdLoop periodically moves runnable held tasks back into the queue.
func (s *Scheduler) holdLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.holdInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.releaseHeld()
		}
	}
}

func (s *Scheduler) releaseHeld() {
	now := time.Now()

	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()

	var keep []*task.Task
	for _, t := range held {
		if t.Expired(now) {
			// Past its deadline: the reconciliation sweep owns timeout
			// recovery, so re-queueing would only race a newer attempt.
			s.logger.Warn("dropping held task past its deadline",
				slog.String("task_id", t.ID.String()),
				slog.String("target", t.TargetService),
			)
			s.mu.Lock()
			delete(s.tracked, t.ID)
			s.mu.Unlock()
			continue
		}
		if !t.Runnable(now) {
			keep = append(keep, t)
			continue
		}
		select {
		case s.queue <- t:
		default:
			keep = append(keep, t)
		}
	}

	if len(keep) > 0 {
		s.mu.Lock()
		s.held = append(s.held, keep...)
		s.mu.Unlock()
	}
}

// HandleResult implements worker.Sink: it clears tracking and forwards
// the result to the engine.
func (s *Scheduler) HandleResult(ctx context.Context, t *task.Task, res *task.Result) {
	s.mu.Lock()
	delete(s.inflight, t.ID)
	delete(s.tracked, t.ID)
	s.mu.Unlock()

	if err := s.results.HandleTaskResult(ctx, t, res); err != nil {
		s.logger.Error("result handling failed",
			slog.String("task_id", t.ID.String()),
			slog.String("instance_id", t.InstanceID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Tracked reports whether the task is queued, held, or assigned. The
// engine's reconciliation sweep uses this to tell a slow task from a
// lost one.
func (s *Scheduler) Tracked(taskID id.TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tracked[taskID]
	return ok
}

// Depth returns current queue, held, and in-flight counts for health
// reporting.
func (s *Scheduler) Depth() (queued, held, inflight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), len(s.held), len(s.inflight)
}
