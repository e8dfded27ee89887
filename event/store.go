package event

import (
	"context"

	"github.com/cascadehq/cascade/id"
)

// Store defines the persistence contract for the event log. Backends must
// provide per-instance optimistic-append semantics: an append only
// succeeds if the caller's expected last sequence matches the stored one.
type Store interface {
	// Append persists evts for the given instance, assigning consecutive
	// sequences starting at expected+1. Returns the new last sequence.
	// Fails with ErrConcurrentAppend if expected does not match the
	// current last sequence; the caller must re-read and retry.
	Append(ctx context.Context, instanceID id.InstanceID, expected uint64, evts ...*Event) (uint64, error)

	// ReadFrom returns the instance's events with sequence > since, in
	// sequence order. An empty slice means the caller is caught up.
	ReadFrom(ctx context.Context, instanceID id.InstanceID, since uint64) ([]*Event, error)

	// LastSequence returns the instance's current last sequence, zero if
	// no events exist.
	LastSequence(ctx context.Context, instanceID id.InstanceID) (uint64, error)

	// ListInstances returns the IDs of all instances with at least one
	// event. Used by crash recovery and the reconciliation sweep.
	ListInstances(ctx context.Context) ([]id.InstanceID, error)
}
