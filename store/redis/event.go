package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/event"
	"github.com/cascadehq/cascade/id"
)

// appendScript compares the log length against the caller's expected
// last sequence, then pushes the new events atomically. Returns -1 on
// a sequence mismatch, otherwise the new log length.
var appendScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) ~= tonumber(ARGV[1]) then
  return -1
end
for i = 2, #ARGV do
  redis.call('RPUSH', KEYS[1], ARGV[i])
end
redis.call('SADD', KEYS[2], KEYS[3])
return redis.call('LLEN', KEYS[1])
`)

// Append persists evts for the given instance. The event log is a List
// whose length is the last sequence; the compare-and-append script
// provides the optimistic concurrency check.
func (s *Store) Append(ctx context.Context, instanceID id.InstanceID, expected uint64, evts ...*event.Event) (uint64, error) {
	if len(evts) == 0 {
		return expected, nil
	}

	instKey := instanceID.String()
	args := make([]any, 0, len(evts)+1)
	args = append(args, expected)

	seq := expected
	for _, evt := range evts {
		seq++
		evt.Sequence = seq
		if evt.Timestamp.IsZero() {
			evt.Timestamp = time.Now().UTC()
		}
		raw, err := json.Marshal(evt)
		if err != nil {
			return 0, fmt.Errorf("cascade/redis: marshal event: %w", err)
		}
		args = append(args, raw)
	}

	res, err := appendScript.Run(ctx, s.rdb,
		[]string{eventsKey(instKey), instanceIDsKey, instKey},
		args...,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("cascade/redis: append events: %w", err)
	}
	if res < 0 {
		return 0, cascade.ErrConcurrentAppend
	}
	return uint64(res), nil
}

// ReadFrom returns the instance's events with sequence > since, in
// sequence order.
func (s *Store) ReadFrom(ctx context.Context, instanceID id.InstanceID, since uint64) ([]*event.Event, error) {
	raws, err := s.rdb.LRange(ctx, eventsKey(instanceID.String()), int64(since), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: read events: %w", err)
	}

	evts := make([]*event.Event, 0, len(raws))
	for _, raw := range raws {
		var evt event.Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			return nil, fmt.Errorf("cascade/redis: unmarshal event: %w", err)
		}
		evts = append(evts, &evt)
	}
	return evts, nil
}

// LastSequence returns the instance's current last sequence, zero if
// no events exist.
func (s *Store) LastSequence(ctx context.Context, instanceID id.InstanceID) (uint64, error) {
	n, err := s.rdb.LLen(ctx, eventsKey(instanceID.String())).Result()
	if err != nil {
		return 0, fmt.Errorf("cascade/redis: last sequence: %w", err)
	}
	return uint64(n), nil
}

// ListInstances returns the IDs of all instances with at least one event.
func (s *Store) ListInstances(ctx context.Context) ([]id.InstanceID, error) {
	members, err := s.rdb.SMembers(ctx, instanceIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: list instances: %w", err)
	}
	sort.Strings(members)

	ids := make([]id.InstanceID, 0, len(members))
	for _, m := range members {
		instID, parseErr := id.ParseInstanceID(m)
		if parseErr != nil {
			return nil, fmt.Errorf("cascade/redis: parse instance id %q: %w", m, parseErr)
		}
		ids = append(ids, instID)
	}
	return ids, nil
}
