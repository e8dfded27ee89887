// Package engine implements the workflow execution engine: the only
// writer of instance event logs. Every state change is a read-fold-
// append cycle over the event store; tasks are handed to the scheduler
// only after their StepDispatched event is committed, so a crash
// between commit and hand-off is recovered by the reconciliation
// sweep rather than lost.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/backoff"
	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/event"
	"github.com/cascadehq/cascade/hook"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/task"
)

// Dispatcher is the scheduler surface the engine depends on.
type Dispatcher interface {
	// Submit enqueues a task; ErrBackpressure means the queue is full
	// and the sweep should re-dispatch later.
	Submit(ctx context.Context, t *task.Task) error
	// Tracked reports whether the scheduler still knows the task.
	Tracked(taskID id.TaskID) bool
}

// appendRetries bounds the optimistic-concurrency retry cycle for one
// mutation.
const appendRetries = 3

// Engine orchestrates workflow instances over an event store.
type Engine struct {
	defs       definition.Store
	events     event.Store
	dispatcher Dispatcher
	hooks      *hook.Registry
	deadLetter *dlq.Service
	backoff    backoff.Strategy
	cfg        cascade.Config
	logger     *slog.Logger

	// locks serializes mutations per instance within this process.
	// Cross-process writers are fenced by optimistic appends.
	locks sync.Map // instance ID string → *sync.Mutex

	sweepMu      sync.Mutex
	sweepRunning bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithHooks sets the extension registry notified of lifecycle events.
func WithHooks(r *hook.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.hooks = r
		}
	}
}

// WithDeadLetter routes retry-exhausted tasks to the given DLQ service.
func WithDeadLetter(s *dlq.Service) Option {
	return func(e *Engine) { e.deadLetter = s }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(e *Engine) {
		if s != nil {
			e.backoff = s
		}
	}
}

// WithConfig overrides the engine's timing and retry configuration.
func WithConfig(cfg cascade.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// New creates an engine over the given stores and dispatcher.
func New(defs definition.Store, events event.Store, dispatcher Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		defs:       defs,
		events:     events,
		dispatcher: dispatcher,
		hooks:      hook.NewRegistry(slog.Default()),
		backoff:    backoff.DefaultStrategy(),
		cfg:        cascade.DefaultConfig(),
		logger:     slog.Default(),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterDefinition validates and persists a workflow definition.
// Cyclic dependency graphs are rejected here, before anything enters
// the event log.
func (e *Engine) RegisterDefinition(ctx context.Context, def *definition.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	return e.defs.RegisterDefinition(ctx, def)
}

// StartInstance creates a new instance of the definition and
// dispatches its root steps.
func (e *Engine) StartInstance(ctx context.Context, definitionID id.DefinitionID, input []byte) (id.InstanceID, error) {
	def, err := e.defs.GetDefinition(ctx, definitionID)
	if err != nil {
		return id.InstanceID{}, err
	}
	// Defensive: registration already validated the graph.
	if err := def.Validate(); err != nil {
		return id.InstanceID{}, err
	}

	instID := id.NewInstanceID()
	started, err := event.New(instID, event.TypeInstanceStarted, event.InstanceStarted{
		DefinitionID: def.ID,
		Name:         def.Name,
		Version:      def.Version,
		Input:        input,
	})
	if err != nil {
		return id.InstanceID{}, err
	}
	if _, err := e.events.Append(ctx, instID, 0, started); err != nil {
		return id.InstanceID{}, fmt.Errorf("start instance: %w", err)
	}

	e.logger.Info("instance started",
		slog.String("instance_id", instID.String()),
		slog.String("definition", def.Name),
		slog.Int("version", def.Version),
	)
	e.hooks.EmitInstanceStarted(ctx, instID, def.ID)

	if _, err := e.update(ctx, instID, func(txn *txn) error {
		txn.dispatchReady(time.Now().UTC())
		return nil
	}); err != nil {
		return instID, err
	}
	return instID, nil
}

// StartInstanceFrom starts a fresh run of the workflow that source
// executed, reusing source's input when none is given. Dead letter
// replays use this: the failed instance is terminal, so recovery means
// a new instance, not new events on the old log.
func (e *Engine) StartInstanceFrom(ctx context.Context, source id.InstanceID, input []byte) (id.InstanceID, error) {
	def, in, err := e.load(ctx, source)
	if err != nil {
		return id.InstanceID{}, err
	}
	if input == nil {
		input = in.Input
	}

	instID, err := e.StartInstance(ctx, def.ID, input)
	if err != nil {
		return instID, err
	}
	e.logger.Info("instance replayed",
		slog.String("source_instance_id", source.String()),
		slog.String("instance_id", instID.String()),
	)
	return instID, nil
}

// StartInstanceByName resolves a definition by name and version (0 for
// latest) and starts an instance of it.
func (e *Engine) StartInstanceByName(ctx context.Context, name string, version int, input []byte) (id.InstanceID, error) {
	def, err := e.defs.GetDefinitionByName(ctx, name, version)
	if err != nil {
		return id.InstanceID{}, err
	}
	return e.StartInstance(ctx, def.ID, input)
}

// GetInstance folds and returns the instance's current state.
func (e *Engine) GetInstance(ctx context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	_, in, err := e.load(ctx, instanceID)
	return in, err
}

// Cancel requests cancellation. New tasks stop being dispatched;
// already-dispatched tasks run to completion and their results are
// applied as no-ops.
func (e *Engine) Cancel(ctx context.Context, instanceID id.InstanceID, reason string) error {
	_, err := e.update(ctx, instanceID, func(txn *txn) error {
		if txn.in.Terminal() {
			return cascade.ErrInstanceTerminal
		}
		if err := txn.stage(event.TypeInstanceCancelled, event.InstanceCancelled{Reason: reason}); err != nil {
			return err
		}
		txn.post(func(ctx context.Context) {
			e.logger.Info("instance cancelled",
				slog.String("instance_id", instanceID.String()),
				slog.String("reason", reason),
			)
			e.hooks.EmitInstanceCancelled(ctx, instanceID, reason)
		})
		return nil
	})
	return err
}

// load reads the instance's log and folds its state. The definition is
// resolved from the InstanceStarted event.
func (e *Engine) load(ctx context.Context, instanceID id.InstanceID) (*definition.Definition, *instance.Instance, error) {
	evts, err := e.events.ReadFrom(ctx, instanceID, 0)
	if err != nil {
		return nil, nil, err
	}
	if len(evts) == 0 {
		return nil, nil, cascade.ErrInstanceNotFound
	}

	var started event.InstanceStarted
	if evts[0].Type != event.TypeInstanceStarted {
		return nil, nil, fmt.Errorf("instance %s: first event is %s", instanceID, evts[0].Type)
	}
	if err := evts[0].Decode(&started); err != nil {
		return nil, nil, err
	}

	def, err := e.defs.GetDefinition(ctx, started.DefinitionID)
	if err != nil {
		return nil, nil, err
	}

	in, err := instance.Fold(def, instanceID, evts)
	if err != nil {
		return nil, nil, err
	}
	return def, in, nil
}

func (e *Engine) lock(instanceID id.InstanceID) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(instanceID.String(), &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// update runs one read-fold-append cycle under the instance's lock.
// fn stages events and side effects on the txn; staged events are
// appended atomically with optimistic concurrency, retrying the whole
// cycle on a concurrent append. Side effects (task submissions, hook
// emissions, DLQ pushes) run only after the append commits.
func (e *Engine) update(ctx context.Context, instanceID id.InstanceID, fn func(*txn) error) (*instance.Instance, error) {
	mu := e.lock(instanceID)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; ; attempt++ {
		def, in, err := e.load(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		expected := in.LastSequence

		txn := &txn{engine: e, def: def, in: in}
		if err := fn(txn); err != nil {
			return nil, err
		}
		if len(txn.events) == 0 {
			txn.runPosts(ctx)
			return in, nil
		}

		_, err = e.events.Append(ctx, instanceID, expected, txn.events...)
		if errors.Is(err, cascade.ErrConcurrentAppend) && attempt < appendRetries {
			e.logger.Debug("concurrent append, retrying cycle",
				slog.String("instance_id", instanceID.String()),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("append events: %w", err)
		}

		txn.submitTasks(ctx)
		txn.runPosts(ctx)
		return in, nil
	}
}
