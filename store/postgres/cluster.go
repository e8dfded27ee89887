package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/worker"
)

// RegisterWorker adds a worker to the registry, replacing any previous
// registration with the same ID.
func (s *Store) RegisterWorker(ctx context.Context, w *worker.Registration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cascade_workers (
			id, hostname, capabilities, capacity, load, state,
			is_leader, leader_until, last_seen, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			capabilities = EXCLUDED.capabilities,
			capacity = EXCLUDED.capacity,
			load = EXCLUDED.load,
			state = EXCLUDED.state,
			last_seen = EXCLUDED.last_seen`,
		w.ID.String(), w.Hostname, w.Capabilities, w.Capacity, w.Load, string(w.State),
		w.IsLeader, w.LeaderUntil, w.LastSeen, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: register worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cascade_workers WHERE id = $1`,
		workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: deregister worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cascade.ErrWorkerNotFound
	}
	return nil
}

// HeartbeatWorker updates the worker's last-seen timestamp and load.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID, load int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cascade_workers
		SET last_seen = NOW(), load = $2
		WHERE id = $1`,
		workerID.String(), load,
	)
	if err != nil {
		return fmt.Errorf("cascade/postgres: heartbeat worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cascade.ErrWorkerNotFound
	}
	return nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(ctx context.Context) ([]*worker.Registration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, capabilities, capacity, load, state,
		       is_leader, leader_until, last_seen, created_at
		FROM cascade_workers
		ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: list workers: %w", err)
	}
	defer rows.Close()

	var workers []*worker.Registration
	for rows.Next() {
		w, scanErr := scanWorker(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("cascade/postgres: scan worker row: %w", scanErr)
		}
		workers = append(workers, w)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("cascade/postgres: iterate worker rows: %w", err)
	}
	return workers, nil
}

// ReapDeadWorkers marks workers dead whose last-seen timestamp is
// older than the threshold and returns them.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*worker.Registration, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.pool.Query(ctx, `
		UPDATE cascade_workers
		SET state = $1
		WHERE state <> $1 AND last_seen < $2
		RETURNING id, hostname, capabilities, capacity, load, state,
		          is_leader, leader_until, last_seen, created_at`,
		string(worker.StateDead), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: reap dead workers: %w", err)
	}
	defer rows.Close()

	var dead []*worker.Registration
	for rows.Next() {
		w, scanErr := scanWorker(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("cascade/postgres: scan reaped worker: %w", scanErr)
		}
		dead = append(dead, w)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("cascade/postgres: iterate reaped workers: %w", err)
	}
	return dead, nil
}

// AcquireLeadership attempts to become the cluster leader. The lease
// lives in a singleton row; acquisition succeeds when the lease is
// free, expired, or already held by the same worker.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)
	wKey := workerID.String()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO cascade_leader (singleton, worker_id, until)
		VALUES (1, $1, $2)
		ON CONFLICT (singleton) DO UPDATE SET
			worker_id = EXCLUDED.worker_id,
			until = EXCLUDED.until
		WHERE cascade_leader.until < NOW() OR cascade_leader.worker_id = EXCLUDED.worker_id`,
		wKey, until,
	)
	if err != nil {
		return false, fmt.Errorf("cascade/postgres: acquire leadership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	// Reflect the lease on the worker row when the worker is registered.
	if _, err = s.pool.Exec(ctx, `
		UPDATE cascade_workers SET is_leader = TRUE, leader_until = $2 WHERE id = $1`,
		wKey, until,
	); err != nil {
		return false, fmt.Errorf("cascade/postgres: mark leader: %w", err)
	}
	return true, nil
}

// RenewLeadership extends the leader's hold. Only the current holder
// can renew.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)
	wKey := workerID.String()

	tag, err := s.pool.Exec(ctx,
		`UPDATE cascade_leader SET until = $2 WHERE worker_id = $1`,
		wKey, until,
	)
	if err != nil {
		return false, fmt.Errorf("cascade/postgres: renew leadership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err = s.pool.Exec(ctx,
		`UPDATE cascade_workers SET leader_until = $2 WHERE id = $1`,
		wKey, until,
	); err != nil {
		return false, fmt.Errorf("cascade/postgres: extend leader mark: %w", err)
	}
	return true, nil
}

// GetLeader returns the current cluster leader, or nil if the lease is
// free, expired, or held by an unregistered worker.
func (s *Store) GetLeader(ctx context.Context) (*worker.Registration, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT w.id, w.hostname, w.capabilities, w.capacity, w.load, w.state,
		       w.is_leader, w.leader_until, w.last_seen, w.created_at
		FROM cascade_leader l
		JOIN cascade_workers w ON w.id = l.worker_id
		WHERE l.until >= NOW()`,
	)

	w, err := scanWorker(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cascade/postgres: get leader: %w", err)
	}
	return w, nil
}

// scanWorker scans a single worker registration row.
func scanWorker(row pgx.Row) (*worker.Registration, error) {
	var (
		w        worker.Registration
		idStr    string
		stateStr string
	)
	err := row.Scan(
		&idStr, &w.Hostname, &w.Capabilities, &w.Capacity, &w.Load, &stateStr,
		&w.IsLeader, &w.LeaderUntil, &w.LastSeen, &w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.ID, err = id.ParseWorkerID(idStr)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: parse worker id %q: %w", idStr, err)
	}
	w.State = worker.State(stateStr)
	return &w, nil
}
