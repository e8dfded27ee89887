package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/event"
	"github.com/cascadehq/cascade/id"
)

// Append persists evts for the given instance with optimistic
// concurrency. A transaction-level advisory lock serializes appends
// per instance; the (instance_id, sequence) unique constraint is the
// backstop against writers on other nodes.
func (s *Store) Append(ctx context.Context, instanceID id.InstanceID, expected uint64, evts ...*event.Event) (uint64, error) {
	if len(evts) == 0 {
		return expected, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("cascade/postgres: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	instKey := instanceID.String()
	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, instKey); err != nil {
		return 0, fmt.Errorf("cascade/postgres: advisory lock: %w", err)
	}

	var last uint64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM cascade_events WHERE instance_id = $1`,
		instKey,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("cascade/postgres: read last sequence: %w", err)
	}
	if last != expected {
		return 0, cascade.ErrConcurrentAppend
	}

	seq := expected
	for _, evt := range evts {
		seq++
		evt.Sequence = seq
		if evt.Timestamp.IsZero() {
			evt.Timestamp = time.Now().UTC()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO cascade_events (id, instance_id, sequence, type, payload, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			evt.ID.String(), instKey, evt.Sequence, string(evt.Type), evt.Payload, evt.Timestamp,
		)
		if err != nil {
			if isDuplicateKey(err) {
				return 0, cascade.ErrConcurrentAppend
			}
			return 0, fmt.Errorf("cascade/postgres: insert event: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		if isDuplicateKey(err) {
			return 0, cascade.ErrConcurrentAppend
		}
		return 0, fmt.Errorf("cascade/postgres: commit append: %w", err)
	}
	return seq, nil
}

// ReadFrom returns the instance's events with sequence > since, in
// sequence order.
func (s *Store) ReadFrom(ctx context.Context, instanceID id.InstanceID, since uint64) ([]*event.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, sequence, type, payload, timestamp
		FROM cascade_events
		WHERE instance_id = $1 AND sequence > $2
		ORDER BY sequence ASC`,
		instanceID.String(), since,
	)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: read events: %w", err)
	}
	defer rows.Close()

	var evts []*event.Event
	for rows.Next() {
		var (
			evt     event.Event
			idStr   string
			instStr string
			typeStr string
		)
		if err = rows.Scan(&idStr, &instStr, &evt.Sequence, &typeStr, &evt.Payload, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("cascade/postgres: scan event row: %w", err)
		}
		evt.ID, err = id.ParseEventID(idStr)
		if err != nil {
			return nil, fmt.Errorf("cascade/postgres: parse event id %q: %w", idStr, err)
		}
		evt.InstanceID, err = id.ParseInstanceID(instStr)
		if err != nil {
			return nil, fmt.Errorf("cascade/postgres: parse instance id %q: %w", instStr, err)
		}
		evt.Type = event.Type(typeStr)
		evts = append(evts, &evt)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("cascade/postgres: iterate event rows: %w", err)
	}
	return evts, nil
}

// LastSequence returns the instance's current last sequence, zero if
// no events exist.
func (s *Store) LastSequence(ctx context.Context, instanceID id.InstanceID) (uint64, error) {
	var last uint64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM cascade_events WHERE instance_id = $1`,
		instanceID.String(),
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("cascade/postgres: last sequence: %w", err)
	}
	return last, nil
}

// ListInstances returns the IDs of all instances with at least one event.
func (s *Store) ListInstances(ctx context.Context) ([]id.InstanceID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT instance_id FROM cascade_events ORDER BY instance_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: list instances: %w", err)
	}
	defer rows.Close()

	var ids []id.InstanceID
	for rows.Next() {
		var instStr string
		if err = rows.Scan(&instStr); err != nil {
			return nil, fmt.Errorf("cascade/postgres: scan instance id: %w", err)
		}
		instID, parseErr := id.ParseInstanceID(instStr)
		if parseErr != nil {
			return nil, fmt.Errorf("cascade/postgres: parse instance id %q: %w", instStr, parseErr)
		}
		ids = append(ids, instID)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("cascade/postgres: iterate instance rows: %w", err)
	}
	return ids, nil
}
