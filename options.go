package cascade

import (
	"context"
	"fmt"
	"log/slog"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// Storer is the minimal store interface held by the Orchestrator.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Runner is a subsystem with a start/stop lifecycle: the worker pool,
// the scheduler, the reconciliation sweep, the cron scheduler.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Orchestrator is the central coordinator for workflow execution. It
// owns the store lifecycle and starts and stops the registered
// subsystems in order.
//
// Create one with New() and functional options, then attach the wired
// subsystems with AddRunner. Subsystem construction lives outside this
// package to avoid import cycles; see cmd/cascaded for a complete
// arrangement.
type Orchestrator struct {
	config  Config
	logger  *slog.Logger
	store   Storer
	runners []Runner

	started bool
}

// New creates a new Orchestrator with the given options.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if o.store == nil {
		return nil, ErrNoStore
	}
	return o, nil
}

// Logger returns the orchestrator's logger.
func (o *Orchestrator) Logger() *slog.Logger { return o.logger }

// Store returns the orchestrator's store.
func (o *Orchestrator) Store() Storer { return o.store }

// Config returns a copy of the orchestrator's configuration.
func (o *Orchestrator) Config() Config { return o.config }

// AddRunner registers a subsystem lifecycle with the orchestrator.
// Runners start in registration order and stop in reverse.
func (o *Orchestrator) AddRunner(r Runner) { o.runners = append(o.runners, r) }

// Start pings the store and starts the registered runners in order.
// A runner failing to start stops the ones already running.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.store.Ping(ctx); err != nil {
		return fmt.Errorf("cascade: store ping: %w", err)
	}

	for i, r := range o.runners {
		if err := r.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := o.runners[j].Stop(ctx); stopErr != nil {
					o.logger.Error("runner stop error during failed start",
						slog.String("error", stopErr.Error()))
				}
			}
			return err
		}
	}
	o.started = true
	return nil
}

// Stop shuts down the runners in reverse registration order, then
// closes the store. Stop errors are logged, not returned, so every
// runner gets its chance to shut down.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.started {
		ctx, cancel := context.WithTimeout(ctx, o.config.ShutdownTimeout)
		defer cancel()
		for i := len(o.runners) - 1; i >= 0; i-- {
			if err := o.runners[i].Stop(ctx); err != nil {
				o.logger.Error("runner stop error", slog.String("error", err.Error()))
			}
		}
		o.started = false
	}
	return o.store.Close()
}

// WithStore sets the persistence backend for the orchestrator.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(o *Orchestrator) error {
		o.store = s
		return nil
	}
}

// WithLogger sets the structured logger for the orchestrator.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) error {
		o.logger = l
		return nil
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) error {
		o.config = cfg
		return nil
	}
}

// WithWorkerCount sets the number of logical worker slots in the pool.
func WithWorkerCount(n int) Option {
	return func(o *Orchestrator) error {
		if n <= 0 {
			return fmt.Errorf("cascade: worker count must be positive, got %d", n)
		}
		o.config.WorkerCount = n
		return nil
	}
}

// WithQueueBound sets the scheduler's queue capacity.
func WithQueueBound(n int) Option {
	return func(o *Orchestrator) error {
		o.config.QueueBound = n
		return nil
	}
}

// WithMaxRetries sets the default per-step retry budget.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) error {
		o.config.MaxRetries = n
		return nil
	}
}

// WithCompensationPolicy selects how compensation failures affect the
// terminal state of an instance.
func WithCompensationPolicy(p CompensationPolicy) Option {
	return func(o *Orchestrator) error {
		o.config.Compensation = p
		return nil
	}
}
