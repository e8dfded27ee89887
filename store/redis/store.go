package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/event"
	"github.com/cascadehq/cascade/worker"
)

// Compile-time interface checks.
var (
	_ event.Store      = (*Store)(nil)
	_ definition.Store = (*Store)(nil)
	_ cron.Store       = (*Store)(nil)
	_ dlq.Store        = (*Store)(nil)
	_ worker.Store     = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	rdb    redis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis
// client lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{rdb: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.rdb }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// isRedisNil reports whether err is the redis missing-key sentinel.
func isRedisNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// setEntity marshals v and stores it as a JSON string at key.
func (s *Store) setEntity(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, raw, 0).Err()
}

// getEntity fetches the JSON string at key into v. Returns redis.Nil
// (via the wrapped error) when the key is absent.
func (s *Store) getEntity(ctx context.Context, key string, v any) error {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
