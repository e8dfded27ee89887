// Package store defines the aggregate persistence interface. Each
// subsystem (event, definition, cron, dlq, worker) defines its own store
// interface; the composite Store composes them all. Backends: Postgres,
// Redis, and Memory.
package store

import (
	"context"

	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/event"
	"github.com/cascadehq/cascade/worker"
)

// Store is the aggregate persistence interface. A single backend
// implements all subsystem contracts.
type Store interface {
	event.Store
	definition.Store
	cron.Store
	dlq.Store
	worker.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
