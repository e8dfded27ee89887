// Package cascade provides a workflow orchestration and distributed
// task-execution engine for Go. It coordinates multi-step operations
// across independent network services, tolerates partial failure through
// saga compensation and circuit breakers, and fans work out to a
// load-balanced pool of task executors.
//
// Cascade is designed as a library, not a service. Import it, configure a
// store, register workflow definitions, and start instances.
//
// # Quick Start
//
//	orc, err := cascade.New(
//	    cascade.WithStore(pgStore),
//	    cascade.WithWorkerCount(8),
//	)
//
// # Architecture
//
// State is event-sourced: the event store is the single source of truth,
// keyed by (instance, sequence) with per-instance optimistic appends.
// Instance and step state are caches rebuilt by folding events in order.
//
// Cascade follows a composable store pattern where each subsystem
// (event, definition, worker, dlq, cron) defines its own store interface.
// A single backend implements all of them.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package cascade
