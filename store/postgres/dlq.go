package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/id"
)

// PushDLQ adds an exhausted task entry to the dead letter queue.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cascade_dlq (
			id, task_id, instance_id, step_id, target_service, input,
			error, attempts, compensation, failed_at, replayed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID.String(), entry.TaskID.String(), entry.InstanceID.String(),
		entry.StepID, entry.TargetService, entry.Input,
		entry.Error, entry.Attempts, entry.Compensation,
		entry.FailedAt, entry.ReplayedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries matching the given options, newest
// failures first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT
			id, task_id, instance_id, step_id, target_service, input,
			error, attempts, compensation, failed_at, replayed_at, created_at
		FROM cascade_dlq
		WHERE ($1 = '' OR target_service = $1)
		ORDER BY failed_at DESC
		LIMIT NULLIF($2, -1) OFFSET $3`,
		opts.TargetService, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: list dlq: %w", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		entry, scanErr := scanDLQ(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("cascade/postgres: scan dlq row: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("cascade/postgres: iterate dlq rows: %w", err)
	}
	return entries, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			id, task_id, instance_id, step_id, target_service, input,
			error, attempts, compensation, failed_at, replayed_at, created_at
		FROM cascade_dlq
		WHERE id = $1`,
		entryID.String(),
	)

	entry, err := scanDLQ(row)
	if err != nil {
		if isNoRows(err) {
			return nil, cascade.ErrDLQNotFound
		}
		return nil, fmt.Errorf("cascade/postgres: get dlq: %w", err)
	}
	return entry, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cascade_dlq SET replayed_at = NOW() WHERE id = $1`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: replay dlq: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cascade.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cascade_dlq WHERE failed_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("cascade/postgres: purge dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cascade_dlq`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("cascade/postgres: count dlq: %w", err)
	}
	return count, nil
}

// scanDLQ scans a single DLQ entry row.
func scanDLQ(row pgx.Row) (*dlq.Entry, error) {
	var (
		entry   dlq.Entry
		idStr   string
		taskStr string
		instStr string
	)
	err := row.Scan(
		&idStr, &taskStr, &instStr, &entry.StepID, &entry.TargetService, &entry.Input,
		&entry.Error, &entry.Attempts, &entry.Compensation,
		&entry.FailedAt, &entry.ReplayedAt, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.ID, err = id.ParseDLQID(idStr)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: parse dlq id %q: %w", idStr, err)
	}
	entry.TaskID, err = id.ParseTaskID(taskStr)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: parse task id %q: %w", taskStr, err)
	}
	entry.InstanceID, err = id.ParseInstanceID(instStr)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: parse instance id %q: %w", instStr, err)
	}
	return &entry, nil
}
