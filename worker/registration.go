// Package worker provides the logical workers that execute tasks, the
// pool that manages their lifecycle, and the registry contract used to
// track distributed workers and elect a leader.
package worker

import (
	"context"
	"time"

	"github.com/cascadehq/cascade/id"
)

// State represents the lifecycle state of a worker.
type State string

const (
	// StateActive means the worker is healthy and accepting tasks.
	StateActive State = "active"
	// StateDraining means the worker is finishing in-flight tasks but
	// not accepting new ones (graceful scale-down or shutdown).
	StateDraining State = "draining"
	// StateDead means the worker stopped heartbeating and its tasks
	// should be recovered.
	StateDead State = "dead"
)

// Registration is a worker's entry in the cluster registry.
type Registration struct {
	ID           id.WorkerID `json:"id"`
	Hostname     string      `json:"hostname"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Capacity     int         `json:"capacity"`
	Load         int         `json:"load"`
	State        State       `json:"state"`
	IsLeader     bool        `json:"is_leader"`
	LeaderUntil  *time.Time  `json:"leader_until,omitempty"`
	LastSeen     time.Time   `json:"last_seen"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Store defines the persistence contract for worker registry and
// leader election.
type Store interface {
	// RegisterWorker adds a worker to the registry.
	RegisterWorker(ctx context.Context, w *Registration) error

	// DeregisterWorker removes a worker from the registry.
	DeregisterWorker(ctx context.Context, workerID id.WorkerID) error

	// HeartbeatWorker updates the worker's last-seen timestamp and
	// current load.
	HeartbeatWorker(ctx context.Context, workerID id.WorkerID, load int) error

	// ListWorkers returns all registered workers.
	ListWorkers(ctx context.Context) ([]*Registration, error)

	// ReapDeadWorkers marks workers dead whose last-seen timestamp is
	// older than the threshold and returns them.
	ReapDeadWorkers(ctx context.Context, threshold time.Duration) ([]*Registration, error)

	// AcquireLeadership attempts to become the cluster leader. Returns
	// true if the worker is now leader; leadership expires after ttl if
	// not renewed.
	AcquireLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// RenewLeadership extends the leader's hold. Must be called before
	// the TTL expires.
	RenewLeadership(ctx context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// GetLeader returns the current leader, or nil if there is none.
	GetLeader(ctx context.Context) (*Registration, error)
}
