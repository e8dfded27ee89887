package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/balance"
	"github.com/cascadehq/cascade/breaker"
	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/engine"
	"github.com/cascadehq/cascade/event"
	"github.com/cascadehq/cascade/executor"
	"github.com/cascadehq/cascade/health"
	"github.com/cascadehq/cascade/hook"
	"github.com/cascadehq/cascade/httpapi"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/middleware"
	"github.com/cascadehq/cascade/scheduler"
	"github.com/cascadehq/cascade/store"
	"github.com/cascadehq/cascade/store/memory"
	"github.com/cascadehq/cascade/store/postgres"
	redisstore "github.com/cascadehq/cascade/store/redis"
	"github.com/cascadehq/cascade/task"
	"github.com/cascadehq/cascade/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the orchestration server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// engineRelay forwards calls to the engine once it exists. The
// scheduler needs a ResultHandler and the DLQ service a Starter at
// construction, but the engine needs both of them first, so the relay
// is bound after everything is built.
type engineRelay struct {
	eng atomic.Pointer[engine.Engine]
}

func (r *engineRelay) HandleTaskResult(ctx context.Context, t *task.Task, res *task.Result) error {
	eng := r.eng.Load()
	if eng == nil {
		return fmt.Errorf("engine not ready")
	}
	return eng.HandleTaskResult(ctx, t, res)
}

func (r *engineRelay) StartInstanceFrom(ctx context.Context, source id.InstanceID, input []byte) (id.InstanceID, error) {
	eng := r.eng.Load()
	if eng == nil {
		return id.Nil, fmt.Errorf("engine not ready")
	}
	return eng.StartInstanceFrom(ctx, source, input)
}

// engineRunner adapts the engine's sweep lifecycle to cascade.Runner.
type engineRunner struct {
	eng *engine.Engine
}

func (r engineRunner) Start(_ context.Context) error { r.eng.Start(); return nil }
func (r engineRunner) Stop(_ context.Context) error  { r.eng.Stop(); return nil }

// notifierRunner adapts the notifier's delivery loop to cascade.Runner.
type notifierRunner struct {
	nf *event.Notifier
}

func (r notifierRunner) Start(_ context.Context) error { r.nf.Start(); return nil }
func (r notifierRunner) Stop(_ context.Context) error  { r.nf.Stop(); return nil }

func serve(ctx context.Context, cfg *serverConfig) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	st, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	engCfg := cascade.DefaultConfig()
	engCfg.WorkerCount = cfg.Pool.Workers
	engCfg.QueueBound = cfg.Scheduler.QueueBound
	engCfg.MaxRetries = cfg.Engine.MaxRetries
	engCfg.BreakerThreshold = cfg.Breaker.Threshold
	engCfg.BreakerCooldown = cfg.Breaker.Cooldown
	if cfg.Engine.Compensation == string(cascade.CompensationStrict) {
		engCfg.Compensation = cascade.CompensationStrict
	}

	// ──────────────────────────────────────────────────
	// Execution path: breakers → invoker → middleware → pool
	// ──────────────────────────────────────────────────

	breakers := breaker.NewRegistry(
		breaker.WithThreshold(engCfg.BreakerThreshold),
		breaker.WithCooldown(engCfg.BreakerCooldown),
		breaker.WithLogger(logger),
	)

	httpOpts := []executor.HTTPOption{executor.WithLogger(logger)}
	if cfg.Executor.Timeout > 0 {
		httpOpts = append(httpOpts, executor.WithClient(&http.Client{Timeout: cfg.Executor.Timeout}))
	}
	invoker := executor.NewBreaking(
		executor.NewHTTP(executor.StaticResolver(cfg.Executor.Services), httpOpts...),
		breakers,
	)
	handler := middleware.Wrap(invoker.Invoke,
		middleware.Recover(logger),
		middleware.Timeout(logger),
		middleware.Logging(logger),
		middleware.Metrics(),
		middleware.Tracing(),
	)

	relay := &engineRelay{}
	sched := scheduler.New(nil, pickStrategy(cfg.Scheduler.Balance), breakers, relay,
		scheduler.WithQueueBound(engCfg.QueueBound),
		scheduler.WithRateLimit(cfg.Scheduler.RateLimit),
		scheduler.WithLogger(logger),
	)
	pool := worker.NewPool(engCfg.WorkerCount, handler, sched,
		worker.WithRegistry(st),
		worker.WithCapacity(cfg.Pool.Capacity),
		worker.WithHeartbeatInterval(engCfg.HeartbeatInterval),
		worker.WithStaleThreshold(engCfg.StaleWorkerThreshold),
		worker.WithPoolLogger(logger),
	)
	sched.AttachPool(pool)

	// ──────────────────────────────────────────────────
	// Engine, hooks, dead letter queue
	// ──────────────────────────────────────────────────

	hooks := hook.NewRegistry(logger)
	hooks.Register(&auditExtension{logger: logger})

	// Commits flow through the notifier so external consumers can tap
	// the event stream without touching the append path.
	notifier := event.NewNotifier(st, logger)
	notifier.Subscribe(func(_ context.Context, evt *event.Event) {
		logger.Debug("event committed",
			slog.String("instance_id", evt.InstanceID.String()),
			slog.String("type", string(evt.Type)),
			slog.Uint64("sequence", evt.Sequence),
		)
	})

	deadLetter := dlq.NewService(st, relay)
	eng := engine.New(st, notifier, sched,
		engine.WithLogger(logger),
		engine.WithHooks(hooks),
		engine.WithDeadLetter(deadLetter),
		engine.WithConfig(engCfg),
	)
	relay.eng.Store(eng)

	// ──────────────────────────────────────────────────
	// Orchestrator lifecycle
	// ──────────────────────────────────────────────────

	orc, err := cascade.New(
		cascade.WithStore(st),
		cascade.WithLogger(logger),
		cascade.WithConfig(engCfg),
	)
	if err != nil {
		return err
	}
	orc.AddRunner(notifierRunner{nf: notifier})
	orc.AddRunner(sched)
	orc.AddRunner(pool)
	orc.AddRunner(engineRunner{eng: eng})

	if cfg.Cron.Enabled {
		start := func(ctx context.Context, name string, version int, input json.RawMessage) (id.InstanceID, error) {
			return eng.StartInstanceByName(ctx, name, version, input)
		}
		cronSched := cron.NewScheduler(st, st, start, hooks, id.NewWorkerID(), logger)
		orc.AddRunner(cronSched)
	}

	if err := orc.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	// ──────────────────────────────────────────────────
	// HTTP API
	// ──────────────────────────────────────────────────

	monitor := health.NewMonitor(
		health.WithBreakers(breakers),
		health.WithScheduler(sched, engCfg.QueueBound),
		health.WithWorkerRegistry(st),
	)
	api := httpapi.NewServer(eng, st,
		httpapi.WithDeadLetter(deadLetter),
		httpapi.WithCrons(st),
		httpapi.WithMonitor(monitor),
		httpapi.WithServerLogger(logger),
	)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", cfg.Server.Addr))
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			stopCtx, cancel := context.WithTimeout(context.Background(), engCfg.ShutdownTimeout)
			defer cancel()
			_ = orc.Stop(stopCtx)
			return fmt.Errorf("server: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), engCfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(stopCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
		_ = server.Close()
	}
	if err := orc.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// buildStore constructs the persistence backend named by the config.
func buildStore(ctx context.Context, cfg *serverConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return memory.New(), nil
	case "postgres":
		return postgres.New(ctx, cfg.Store.DSN, postgres.WithLogger(logger))
	case "redis":
		opt, err := goredis.ParseURL(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		return redisstore.New(goredis.NewClient(opt), redisstore.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// pickStrategy maps the config name to a load-balancing strategy.
func pickStrategy(name string) balance.Strategy {
	switch name {
	case "round-robin":
		return balance.NewRoundRobin()
	case "performance":
		return balance.NewPerformanceWeighted()
	default:
		return balance.NewLeastLoaded()
	}
}
