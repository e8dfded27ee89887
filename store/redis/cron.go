package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/id"
)

// releaseLockScript deletes the lock only when held by the caller.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RegisterCron persists a new schedule. Returns ErrDuplicateCron if
// the name already exists.
func (s *Store) RegisterCron(ctx context.Context, sched *cron.Schedule) error {
	cronID := sched.ID.String()

	added, err := s.rdb.HSetNX(ctx, cronNamesKey, sched.Name, cronID).Result()
	if err != nil {
		return fmt.Errorf("cascade/redis: register cron claim name: %w", err)
	}
	if !added {
		return cascade.ErrDuplicateCron
	}

	if err := s.setEntity(ctx, cronKey(cronID), sched); err != nil {
		return fmt.Errorf("cascade/redis: register cron set: %w", err)
	}
	if err := s.rdb.SAdd(ctx, cronIDsKey, cronID).Err(); err != nil {
		return fmt.Errorf("cascade/redis: register cron index: %w", err)
	}
	return nil
}

// GetCron retrieves a schedule by ID.
func (s *Store) GetCron(ctx context.Context, cronID id.CronID) (*cron.Schedule, error) {
	var sched cron.Schedule
	if err := s.getEntity(ctx, cronKey(cronID.String()), &sched); err != nil {
		if isRedisNil(err) {
			return nil, cascade.ErrCronNotFound
		}
		return nil, fmt.Errorf("cascade/redis: get cron: %w", err)
	}
	return &sched, nil
}

// ListCrons returns all schedules ordered by creation time.
func (s *Store) ListCrons(ctx context.Context) ([]*cron.Schedule, error) {
	ids, err := s.rdb.SMembers(ctx, cronIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: list crons: %w", err)
	}

	scheds := make([]*cron.Schedule, 0, len(ids))
	for _, cronID := range ids {
		var sched cron.Schedule
		if err := s.getEntity(ctx, cronKey(cronID), &sched); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, fmt.Errorf("cascade/redis: fetch cron %s: %w", cronID, err)
		}
		scheds = append(scheds, &sched)
	}

	sort.Slice(scheds, func(i, j int) bool {
		return scheds[i].CreatedAt.Before(scheds[j].CreatedAt)
	})
	return scheds, nil
}

// AcquireCronLock attempts to take the per-schedule firing lock, held
// as a SET NX key with the lock TTL.
func (s *Store) AcquireCronLock(ctx context.Context, cronID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	exists, err := s.rdb.Exists(ctx, cronKey(cronID.String())).Result()
	if err != nil {
		return false, fmt.Errorf("cascade/redis: check cron exists: %w", err)
	}
	if exists == 0 {
		return false, cascade.ErrCronNotFound
	}

	key := cronLockKey(cronID.String())
	wKey := workerID.String()

	acquired, err := s.rdb.SetNX(ctx, key, wKey, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cascade/redis: acquire cron lock: %w", err)
	}
	if acquired {
		return true, nil
	}

	// Re-acquisition by the current holder refreshes the TTL.
	holder, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if isRedisNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("cascade/redis: read cron lock: %w", err)
	}
	if holder != wKey {
		return false, nil
	}
	if err := s.rdb.Set(ctx, key, wKey, ttl).Err(); err != nil {
		return false, fmt.Errorf("cascade/redis: refresh cron lock: %w", err)
	}
	return true, nil
}

// ReleaseCronLock releases the per-schedule firing lock. Releasing a
// lock held by another worker is a no-op.
func (s *Store) ReleaseCronLock(ctx context.Context, cronID id.CronID, workerID id.WorkerID) error {
	err := releaseLockScript.Run(ctx, s.rdb,
		[]string{cronLockKey(cronID.String())},
		workerID.String(),
	).Err()
	if err != nil && !isRedisNil(err) {
		return fmt.Errorf("cascade/redis: release cron lock: %w", err)
	}
	return nil
}

// UpdateCronLastRun records when a schedule last fired.
func (s *Store) UpdateCronLastRun(ctx context.Context, cronID id.CronID, at time.Time) error {
	sched, err := s.GetCron(ctx, cronID)
	if err != nil {
		return err
	}
	sched.LastRunAt = &at
	sched.UpdatedAt = time.Now().UTC()
	if err := s.setEntity(ctx, cronKey(cronID.String()), sched); err != nil {
		return fmt.Errorf("cascade/redis: update cron last run: %w", err)
	}
	return nil
}

// UpdateCron updates a schedule's mutable fields.
func (s *Store) UpdateCron(ctx context.Context, sched *cron.Schedule) error {
	key := cronKey(sched.ID.String())
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("cascade/redis: check cron exists: %w", err)
	}
	if exists == 0 {
		return cascade.ErrCronNotFound
	}

	sched.UpdatedAt = time.Now().UTC()
	if err := s.setEntity(ctx, key, sched); err != nil {
		return fmt.Errorf("cascade/redis: update cron: %w", err)
	}
	return nil
}

// DeleteCron removes a schedule by ID.
func (s *Store) DeleteCron(ctx context.Context, cronID id.CronID) error {
	sched, err := s.GetCron(ctx, cronID)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, cronKey(cronID.String()), cronLockKey(cronID.String()))
	pipe.SRem(ctx, cronIDsKey, cronID.String())
	pipe.HDel(ctx, cronNamesKey, sched.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cascade/redis: delete cron: %w", err)
	}
	return nil
}
