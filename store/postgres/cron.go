package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/id"
)

// RegisterCron persists a new schedule. Returns ErrDuplicateCron if
// the name already exists.
func (s *Store) RegisterCron(ctx context.Context, sched *cron.Schedule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cascade_crons (
			id, name, expression, definition_name, definition_version, input,
			last_run_at, next_run_at, locked_by, locked_until,
			enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sched.ID.String(), sched.Name, sched.Expression,
		sched.DefinitionName, sched.DefinitionVersion, sched.Input,
		sched.LastRunAt, sched.NextRunAt, nilIfEmpty(sched.LockedBy), sched.LockedUntil,
		sched.Enabled, sched.CreatedAt, sched.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return cascade.ErrDuplicateCron
		}
		return fmt.Errorf("cascade/postgres: register cron: %w", err)
	}
	return nil
}

// GetCron retrieves a schedule by ID.
func (s *Store) GetCron(ctx context.Context, cronID id.CronID) (*cron.Schedule, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			id, name, expression, definition_name, definition_version, input,
			last_run_at, next_run_at, locked_by, locked_until,
			enabled, created_at, updated_at
		FROM cascade_crons
		WHERE id = $1`,
		cronID.String(),
	)

	sched, err := scanCron(row)
	if err != nil {
		if isNoRows(err) {
			return nil, cascade.ErrCronNotFound
		}
		return nil, fmt.Errorf("cascade/postgres: get cron: %w", err)
	}
	return sched, nil
}

// ListCrons returns all schedules.
func (s *Store) ListCrons(ctx context.Context) ([]*cron.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			id, name, expression, definition_name, definition_version, input,
			last_run_at, next_run_at, locked_by, locked_until,
			enabled, created_at, updated_at
		FROM cascade_crons
		ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: list crons: %w", err)
	}
	defer rows.Close()

	var scheds []*cron.Schedule
	for rows.Next() {
		sched, scanErr := scanCron(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("cascade/postgres: scan cron row: %w", scanErr)
		}
		scheds = append(scheds, sched)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("cascade/postgres: iterate cron rows: %w", err)
	}
	return scheds, nil
}

// AcquireCronLock attempts to take the per-schedule firing lock.
// Succeeds when the lock is free, expired, or already held by the
// same worker.
func (s *Store) AcquireCronLock(ctx context.Context, cronID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	until := now.Add(ttl)
	wKey := workerID.String()

	tag, err := s.pool.Exec(ctx, `
		UPDATE cascade_crons
		SET locked_by = $2, locked_until = $3, updated_at = NOW()
		WHERE id = $1
		  AND (locked_by IS NULL OR locked_until < $4 OR locked_by = $2)`,
		cronID.String(), wKey, until, now,
	)
	if err != nil {
		return false, fmt.Errorf("cascade/postgres: acquire cron lock: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM cascade_crons WHERE id = $1)`,
		cronID.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("cascade/postgres: check cron exists: %w", err)
	}
	if !exists {
		return false, cascade.ErrCronNotFound
	}
	return false, nil
}

// ReleaseCronLock releases the per-schedule firing lock. Releasing a
// lock held by another worker is a no-op.
func (s *Store) ReleaseCronLock(ctx context.Context, cronID id.CronID, workerID id.WorkerID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE cascade_crons
		SET locked_by = NULL, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2`,
		cronID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: release cron lock: %w", err)
	}
	return nil
}

// UpdateCronLastRun records when a schedule last fired.
func (s *Store) UpdateCronLastRun(ctx context.Context, cronID id.CronID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cascade_crons
		SET last_run_at = $2, updated_at = NOW()
		WHERE id = $1`,
		cronID.String(), at,
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: update cron last run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cascade.ErrCronNotFound
	}
	return nil
}

// UpdateCron updates a schedule's mutable fields.
func (s *Store) UpdateCron(ctx context.Context, sched *cron.Schedule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cascade_crons
		SET expression = $2, definition_name = $3, definition_version = $4,
		    input = $5, last_run_at = $6, next_run_at = $7, enabled = $8,
		    updated_at = NOW()
		WHERE id = $1`,
		sched.ID.String(), sched.Expression, sched.DefinitionName, sched.DefinitionVersion,
		sched.Input, sched.LastRunAt, sched.NextRunAt, sched.Enabled,
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: update cron: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cascade.ErrCronNotFound
	}
	return nil
}

// DeleteCron removes a schedule by ID.
func (s *Store) DeleteCron(ctx context.Context, cronID id.CronID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cascade_crons WHERE id = $1`,
		cronID.String(),
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: delete cron: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cascade.ErrCronNotFound
	}
	return nil
}

// scanCron scans a single schedule row.
func scanCron(row pgx.Row) (*cron.Schedule, error) {
	var (
		sched    cron.Schedule
		idStr    string
		lockedBy *string
	)
	err := row.Scan(
		&idStr, &sched.Name, &sched.Expression,
		&sched.DefinitionName, &sched.DefinitionVersion, &sched.Input,
		&sched.LastRunAt, &sched.NextRunAt, &lockedBy, &sched.LockedUntil,
		&sched.Enabled, &sched.CreatedAt, &sched.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sched.ID, err = id.ParseCronID(idStr)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: parse cron id %q: %w", idStr, err)
	}
	if lockedBy != nil {
		sched.LockedBy = *lockedBy
	}
	return &sched, nil
}
