package worker

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/task"
)

// Handler executes one task attempt and returns its terminal result.
// The scheduler wires this to the executor client.
type Handler func(ctx context.Context, t *task.Task) (*task.Result, error)

// Sink receives terminal results from workers. The scheduler implements
// Sink and forwards results to the execution engine.
type Sink interface {
	HandleResult(ctx context.Context, t *task.Task, res *task.Result)
}

// Pool manages a set of logical workers. Each worker runs one goroutine
// that drains its task channel through the Handler. Scaling down drains
// workers rather than killing them: buffered tasks finish first.
type Pool struct {
	handler Handler
	sink    Sink
	logger  *slog.Logger

	registry          Store
	hostname          string
	capabilities      []string
	capacity          int
	heartbeatInterval time.Duration
	staleThreshold    time.Duration

	mu      sync.Mutex
	workers []*Worker
	running bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithRegistry enables cluster registration and heartbeating through
// the given store.
func WithRegistry(s Store) PoolOption {
	return func(p *Pool) { p.registry = s }
}

// WithCapabilities restricts the pool's workers to the given target
// services. Empty means every worker runs any task.
func WithCapabilities(caps []string) PoolOption {
	return func(p *Pool) { p.capabilities = caps }
}

// WithCapacity sets each worker's task buffer size.
func WithCapacity(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithHeartbeatInterval sets how often workers report liveness to the
// registry. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithStaleThreshold sets the threshold after which silent workers are
// marked dead by the reaper. A zero value disables reaping.
func WithStaleThreshold(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleThreshold = d }
}

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPool creates a pool with count workers. Workers are created
// immediately but do not execute until Start.
func NewPool(count int, handler Handler, sink Sink, opts ...PoolOption) *Pool {
	cfg := cascade.DefaultConfig()
	hostname, _ := os.Hostname()
	p := &Pool{
		handler:           handler,
		sink:              sink,
		logger:            slog.Default(),
		hostname:          hostname,
		capacity:          8,
		heartbeatInterval: cfg.HeartbeatInterval,
		staleThreshold:    cfg.StaleWorkerThreshold,
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	for range count {
		p.workers = append(p.workers, newWorker(p.capabilities, p.capacity))
	}
	return p
}

// Workers returns the pool's current non-draining workers.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if !w.Draining() {
			out = append(out, w)
		}
	}
	return out
}

// Size returns the number of non-draining workers.
func (p *Pool) Size() int {
	return len(p.Workers())
}

// Start launches the worker goroutines and, when a registry is
// configured, the heartbeat and reaper loops. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})

	// Workers drained by a previous Stop can never accept tasks again,
	// so a restart replaces them with fresh ones.
	for i, w := range p.workers {
		if w.Draining() {
			p.workers[i] = newWorker(p.capabilities, p.capacity)
		}
	}

	p.logger.Info("worker pool starting",
		slog.Int("workers", len(p.workers)),
		slog.Any("capabilities", p.capabilities),
	)

	for _, w := range p.workers {
		p.startWorker(ctx, w)
	}

	if p.registry != nil && p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}
	if p.registry != nil && p.staleThreshold > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}
	return nil
}

func (p *Pool) startWorker(ctx context.Context, w *Worker) {
	if p.registry != nil {
		reg := &Registration{
			ID:           w.ID,
			Hostname:     p.hostname,
			Capabilities: w.Capabilities,
			Capacity:     p.capacity,
			State:        StateActive,
			LastSeen:     time.Now().UTC(),
			CreatedAt:    time.Now().UTC(),
		}
		if err := p.registry.RegisterWorker(ctx, reg); err != nil {
			p.logger.Error("worker registration failed",
				slog.String("worker_id", w.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	p.wg.Add(1)
	go p.runWorker(w)
}

// runWorker drains the worker's channel. On quit or pool stop the
// worker finishes its backlog before exiting.
func (p *Pool) runWorker(w *Worker) {
	defer p.wg.Done()

	for {
		select {
		case t := <-w.tasks:
			p.execute(w, t)
		case <-w.quit:
			p.drainAndExit(w)
			return
		case <-p.stopCh:
			w.Drain()
			p.drainAndExit(w)
			return
		}
	}
}

func (p *Pool) drainAndExit(w *Worker) {
	for {
		select {
		case t := <-w.tasks:
			p.execute(w, t)
		default:
			if p.registry != nil {
				if err := p.registry.DeregisterWorker(context.Background(), w.ID); err != nil {
					p.logger.Warn("worker deregistration failed",
						slog.String("worker_id", w.ID.String()),
						slog.String("error", err.Error()),
					)
				}
			}
			return
		}
	}
}

func (p *Pool) execute(w *Worker, t *task.Task) {
	w.beat()

	res, err := p.handler(context.Background(), t)
	if err != nil {
		// The invocation could not even be attempted (circuit open,
		// shutdown). Report it as a retryable failure so the engine's
		// recovery path decides what happens next.
		res = &task.Result{
			TaskID:     t.ID,
			Error:      err.Error(),
			FinishedAt: time.Now().UTC(),
		}
	}
	res.WorkerID = w.ID
	w.recordResult(res)
	w.beat()

	p.sink.HandleResult(context.Background(), t, res)
}

// ScaleTo adjusts the pool to n workers. Growing adds active workers;
// shrinking drains the newest workers, which finish their buffered
// tasks before exiting.
func (p *Pool) ScaleTo(ctx context.Context, n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	active := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if !w.Draining() {
			active = append(active, w)
		}
	}

	switch {
	case n > len(active):
		for range n - len(active) {
			w := newWorker(p.capabilities, p.capacity)
			p.workers = append(p.workers, w)
			if p.running {
				p.startWorker(ctx, w)
			}
		}
		p.logger.Info("worker pool scaled up", slog.Int("workers", n))
	case n < len(active):
		for _, w := range active[n:] {
			w.Drain()
		}
		p.logger.Info("worker pool scaling down",
			slog.Int("workers", n),
			slog.Int("draining", len(active)-n),
		)
	}
}

// Stop drains every worker and waits for their backlogs to finish or
// the context to expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out with tasks still buffered")
		return ctx.Err()
	}
}

// heartbeatLoop reports each worker's liveness and load to the registry.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			for _, w := range p.Workers() {
				if err := p.registry.HeartbeatWorker(context.Background(), w.ID, w.Load()); err != nil {
					p.logger.Warn("heartbeat failed",
						slog.String("worker_id", w.ID.String()),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// reaperLoop marks registry workers dead when their heartbeat goes
// silent past the stale threshold.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.staleThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			dead, err := p.registry.ReapDeadWorkers(context.Background(), p.staleThreshold)
			if err != nil {
				p.logger.Error("reap dead workers error", slog.String("error", err.Error()))
				continue
			}
			for _, d := range dead {
				p.logger.Info("reaped dead worker",
					slog.String("worker_id", d.ID.String()),
					slog.String("hostname", d.Hostname),
				)
			}
		}
	}
}
