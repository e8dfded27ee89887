package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/id"
)

// PushDLQ adds an exhausted task entry to the dead letter queue.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	entryID := entry.ID.String()
	if err := s.setEntity(ctx, dlqKey(entryID), entry); err != nil {
		return fmt.Errorf("cascade/redis: push dlq set: %w", err)
	}

	err := s.rdb.ZAdd(ctx, dlqByFailedKey, redis.Z{
		Score:  float64(entry.FailedAt.UnixNano()),
		Member: entryID,
	}).Err()
	if err != nil {
		return fmt.Errorf("cascade/redis: push dlq index: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries matching the given options, newest
// failures first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	ids, err := s.rdb.ZRevRange(ctx, dlqByFailedKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: list dlq: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(ids))
	for _, entryID := range ids {
		var entry dlq.Entry
		if err := s.getEntity(ctx, dlqKey(entryID), &entry); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, fmt.Errorf("cascade/redis: fetch dlq %s: %w", entryID, err)
		}
		if opts.TargetService != "" && entry.TargetService != opts.TargetService {
			continue
		}
		entries = append(entries, &entry)
	}
	return paginate(entries, opts.Limit, opts.Offset), nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	var entry dlq.Entry
	if err := s.getEntity(ctx, dlqKey(entryID.String()), &entry); err != nil {
		if isRedisNil(err) {
			return nil, cascade.ErrDLQNotFound
		}
		return nil, fmt.Errorf("cascade/redis: get dlq: %w", err)
	}
	return &entry, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	entry, err := s.GetDLQ(ctx, entryID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entry.ReplayedAt = &now
	if err := s.setEntity(ctx, dlqKey(entryID.String()), entry); err != nil {
		return fmt.Errorf("cascade/redis: replay dlq: %w", err)
	}
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	max := fmt.Sprintf("(%d", before.UnixNano())
	ids, err := s.rdb.ZRangeByScore(ctx, dlqByFailedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("cascade/redis: purge dlq scan: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.rdb.TxPipeline()
	members := make([]any, 0, len(ids))
	for _, entryID := range ids {
		pipe.Del(ctx, dlqKey(entryID))
		members = append(members, entryID)
	}
	pipe.ZRem(ctx, dlqByFailedKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cascade/redis: purge dlq: %w", err)
	}
	return int64(len(ids)), nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	count, err := s.rdb.ZCard(ctx, dlqByFailedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("cascade/redis: count dlq: %w", err)
	}
	return count, nil
}
