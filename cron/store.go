package cron

import (
	"context"
	"time"

	"github.com/cascadehq/cascade/id"
)

// Store defines the persistence contract for cron schedules.
type Store interface {
	// RegisterCron persists a new schedule. Returns ErrDuplicateCron if
	// the name already exists.
	RegisterCron(ctx context.Context, s *Schedule) error

	// GetCron retrieves a schedule by ID.
	GetCron(ctx context.Context, cronID id.CronID) (*Schedule, error)

	// ListCrons returns all schedules.
	ListCrons(ctx context.Context) ([]*Schedule, error)

	// AcquireCronLock attempts to take the per-schedule firing lock.
	// Returns true if acquired; the lock expires after ttl.
	AcquireCronLock(ctx context.Context, cronID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// ReleaseCronLock releases the per-schedule firing lock.
	ReleaseCronLock(ctx context.Context, cronID id.CronID, workerID id.WorkerID) error

	// UpdateCronLastRun records when a schedule last fired.
	UpdateCronLastRun(ctx context.Context, cronID id.CronID, at time.Time) error

	// UpdateCron updates a schedule (Enabled, NextRunAt, etc.).
	UpdateCron(ctx context.Context, s *Schedule) error

	// DeleteCron removes a schedule by ID.
	DeleteCron(ctx context.Context, cronID id.CronID) error
}
