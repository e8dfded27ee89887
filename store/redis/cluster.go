package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/worker"
)

// renewLeaseScript extends the lease only when held by the caller.
var renewLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// RegisterWorker adds a worker to the registry, replacing any previous
// registration with the same ID.
func (s *Store) RegisterWorker(ctx context.Context, w *worker.Registration) error {
	wKey := w.ID.String()
	if err := s.setEntity(ctx, workerKey(wKey), w); err != nil {
		return fmt.Errorf("cascade/redis: register worker: %w", err)
	}
	if err := s.rdb.SAdd(ctx, workerIDsKey, wKey).Err(); err != nil {
		return fmt.Errorf("cascade/redis: register worker index: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	wKey := workerID.String()
	deleted, err := s.rdb.Del(ctx, workerKey(wKey)).Result()
	if err != nil {
		return fmt.Errorf("cascade/redis: deregister worker: %w", err)
	}
	if deleted == 0 {
		return cascade.ErrWorkerNotFound
	}
	if err := s.rdb.SRem(ctx, workerIDsKey, wKey).Err(); err != nil {
		return fmt.Errorf("cascade/redis: deregister worker index: %w", err)
	}
	return nil
}

// HeartbeatWorker updates the worker's last-seen timestamp and load.
func (s *Store) HeartbeatWorker(ctx context.Context, workerID id.WorkerID, load int) error {
	w, err := s.getWorker(ctx, workerID.String())
	if err != nil {
		return err
	}
	w.LastSeen = time.Now().UTC()
	w.Load = load
	if err := s.setEntity(ctx, workerKey(workerID.String()), w); err != nil {
		return fmt.Errorf("cascade/redis: heartbeat worker: %w", err)
	}
	return nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(ctx context.Context) ([]*worker.Registration, error) {
	ids, err := s.rdb.SMembers(ctx, workerIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: list workers: %w", err)
	}
	sort.Strings(ids)

	workers := make([]*worker.Registration, 0, len(ids))
	for _, wKey := range ids {
		w, err := s.getWorker(ctx, wKey)
		if err != nil {
			if errors.Is(err, cascade.ErrWorkerNotFound) {
				continue
			}
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// ReapDeadWorkers marks workers dead whose last-seen timestamp is
// older than the threshold and returns them.
func (s *Store) ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*worker.Registration, error) {
	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-threshold)
	var dead []*worker.Registration
	for _, w := range workers {
		if w.State != worker.StateDead && w.LastSeen.Before(cutoff) {
			w.State = worker.StateDead
			if err := s.setEntity(ctx, workerKey(w.ID.String()), w); err != nil {
				return nil, fmt.Errorf("cascade/redis: mark worker dead: %w", err)
			}
			dead = append(dead, w)
		}
	}
	return dead, nil
}

// AcquireLeadership attempts to become the cluster leader. The lease
// is a SET NX key carrying the worker ID with the lease TTL.
func (s *Store) AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	wKey := workerID.String()

	acquired, err := s.rdb.SetNX(ctx, leaderKey, wKey, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cascade/redis: acquire leadership: %w", err)
	}
	if acquired {
		return true, nil
	}

	// Re-acquisition by the current holder refreshes the lease.
	renewed, err := renewLeaseScript.Run(ctx, s.rdb,
		[]string{leaderKey}, wKey, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("cascade/redis: refresh leadership: %w", err)
	}
	return renewed == 1, nil
}

// RenewLeadership extends the leader's hold. Only the current holder
// can renew.
func (s *Store) RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	renewed, err := renewLeaseScript.Run(ctx, s.rdb,
		[]string{leaderKey}, workerID.String(), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("cascade/redis: renew leadership: %w", err)
	}
	return renewed == 1, nil
}

// GetLeader returns the current cluster leader, or nil if the lease is
// free or held by an unregistered worker.
func (s *Store) GetLeader(ctx context.Context) (*worker.Registration, error) {
	wKey, err := s.rdb.Get(ctx, leaderKey).Result()
	if err != nil {
		if isRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cascade/redis: get leader: %w", err)
	}

	w, err := s.getWorker(ctx, wKey)
	if err != nil {
		if errors.Is(err, cascade.ErrWorkerNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return w, nil
}

// getWorker fetches a worker registration by its string ID.
func (s *Store) getWorker(ctx context.Context, wKey string) (*worker.Registration, error) {
	var w worker.Registration
	if err := s.getEntity(ctx, workerKey(wKey), &w); err != nil {
		if isRedisNil(err) {
			return nil, cascade.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("cascade/redis: get worker: %w", err)
	}
	return &w, nil
}
