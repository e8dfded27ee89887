package cron

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/worker"
)

// StartFunc is the callback the scheduler uses to start instances.
// The engine provides the implementation; the indirection breaks the
// import cycle.
type StartFunc func(ctx context.Context, definitionName string, version int, input json.RawMessage) (id.InstanceID, error)

// Emitter emits cron lifecycle events. hook.Registry satisfies it.
type Emitter interface {
	EmitCronFired(ctx context.Context, scheduleName string, instanceID id.InstanceID)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due schedules.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLockTTL sets the TTL for per-schedule firing locks.
func WithLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithLeaderTTL sets the TTL for leader election.
func WithLeaderTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.leaderTTL = d }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseExpression parses a cron expression. Exported so schedule
// registration can validate expressions up front.
func ParseExpression(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler fires due schedules on a tick loop. Only the cluster
// leader ticks, so a schedule fires once per interval cluster-wide.
type Scheduler struct {
	crons    Store
	cluster  worker.Store
	start    StartFunc
	emitter  Emitter
	workerID id.WorkerID
	logger   *slog.Logger

	tickInterval time.Duration
	lockTTL      time.Duration
	leaderTTL    time.Duration

	// parsed caches compiled cron expressions.
	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	crons Store,
	cluster worker.Store,
	start StartFunc,
	emitter Emitter,
	workerID id.WorkerID,
	logger *slog.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		crons:        crons,
		cluster:      cluster,
		start:        start,
		emitter:      emitter,
		workerID:     workerID,
		logger:       logger,
		tickInterval: 1 * time.Second,
		lockTTL:      30 * time.Second,
		leaderTTL:    15 * time.Second,
		parsed:       make(map[string]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the leader election and tick goroutines.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(2)
	go s.leaderLoop()
	go s.tickLoop()
	s.logger.Info("cron scheduler started",
		slog.String("worker_id", s.workerID.String()),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for goroutines to finish.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
	return nil
}

// leaderLoop continuously attempts to acquire or renew leadership.
func (s *Scheduler) leaderLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.leaderTTL / 2)
	defer ticker.Stop()

	// Try once immediately at start.
	s.tryLeadership()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tryLeadership()
		}
	}
}

func (s *Scheduler) tryLeadership() {
	ctx := context.Background()

	// Renew first; cheap if already leader.
	renewed, err := s.cluster.RenewLeadership(ctx, s.workerID, s.leaderTTL)
	if err != nil {
		s.logger.Warn("leadership renew error", slog.String("error", err.Error()))
		return
	}
	if renewed {
		return
	}

	acquired, err := s.cluster.AcquireLeadership(ctx, s.workerID, s.leaderTTL)
	if err != nil {
		s.logger.Warn("leadership acquire error", slog.String("error", err.Error()))
		return
	}
	if acquired {
		s.logger.Info("acquired cron leadership", slog.String("worker_id", s.workerID.String()))
	}
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	ctx := context.Background()

	leader, err := s.cluster.GetLeader(ctx)
	if err != nil {
		s.logger.Warn("get leader error", slog.String("error", err.Error()))
		return
	}
	if leader == nil || leader.ID.String() != s.workerID.String() {
		return
	}

	schedules, err := s.crons.ListCrons(ctx)
	if err != nil {
		s.logger.Error("list crons error", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}
		if sched.NextRunAt == nil || sched.NextRunAt.After(now) {
			continue
		}
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) {
	acquired, err := s.crons.AcquireCronLock(ctx, sched.ID, s.workerID, s.lockTTL)
	if err != nil {
		s.logger.Error("acquire cron lock error",
			slog.String("cron_id", sched.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !acquired {
		return // Another worker got it.
	}
	defer func() {
		if relErr := s.crons.ReleaseCronLock(ctx, sched.ID, s.workerID); relErr != nil {
			s.logger.Error("release cron lock error",
				slog.String("cron_id", sched.ID.String()),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	instID, startErr := s.start(ctx, sched.DefinitionName, sched.DefinitionVersion, sched.Input)
	if startErr != nil {
		s.logger.Error("cron instance start error",
			slog.String("cron_name", sched.Name),
			slog.String("definition", sched.DefinitionName),
			slog.String("error", startErr.Error()),
		)
		return
	}

	if updateErr := s.crons.UpdateCronLastRun(ctx, sched.ID, now); updateErr != nil {
		s.logger.Error("update cron last run error",
			slog.String("cron_id", sched.ID.String()),
			slog.String("error", updateErr.Error()),
		)
	}

	// Compute and persist the next firing time.
	expr, parseErr := s.compiled(sched.Expression)
	if parseErr != nil {
		s.logger.Error("parse cron expression error",
			slog.String("cron_name", sched.Name),
			slog.String("expression", sched.Expression),
			slog.String("error", parseErr.Error()),
		)
	} else {
		next := expr.Next(now)
		sched.NextRunAt = &next
		if updateErr := s.crons.UpdateCron(ctx, sched); updateErr != nil {
			s.logger.Error("update cron next run error",
				slog.String("cron_id", sched.ID.String()),
				slog.String("error", updateErr.Error()),
			)
		}
	}

	if s.emitter != nil {
		s.emitter.EmitCronFired(ctx, sched.Name, instID)
	}

	s.logger.Info("cron fired",
		slog.String("cron_name", sched.Name),
		slog.String("definition", sched.DefinitionName),
		slog.String("instance_id", instID.String()),
	)
}

func (s *Scheduler) compiled(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := ParseExpression(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}
