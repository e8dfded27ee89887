// Package redis implements store.Store using Redis for
// high-throughput ephemeral workloads. Event logs are Lists appended
// under a compare-and-append Lua script, listings are kept in Sets and
// Sorted Sets, and all entities are stored as JSON strings.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
