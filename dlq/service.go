package dlq

import (
	"context"
	"time"

	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/task"
)

// Starter launches a fresh workflow run from a dead-lettered one. The
// execution engine satisfies this.
type Starter interface {
	StartInstanceFrom(ctx context.Context, source id.InstanceID, input []byte) (id.InstanceID, error)
}

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store   Store
	starter Starter
}

// NewService creates a DLQ service. The starter may be nil when replay
// is not needed (inspection-only deployments).
func NewService(store Store, starter Starter) *Service {
	return &Service{store: store, starter: starter}
}

// Push builds a DLQ Entry from an exhausted task and persists it.
func (s *Service) Push(ctx context.Context, t *task.Task, reason string) error {
	now := time.Now().UTC()
	entry := &Entry{
		ID:            id.NewDLQID(),
		TaskID:        t.ID,
		InstanceID:    t.InstanceID,
		StepID:        t.StepID,
		TargetService: t.TargetService,
		Input:         t.Input,
		Error:         reason,
		Attempts:      t.Attempt,
		Compensation:  t.Compensation,
		FailedAt:      now,
		CreatedAt:     now,
	}
	return s.store.PushDLQ(ctx, entry)
}

// Replay starts a fresh run of the workflow the entry came from and
// marks the entry as replayed. The original instance is terminal by the
// time its task reaches the DLQ, so no result can be folded back into
// it; recovery means re-running the workflow under a new instance.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (id.InstanceID, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return id.Nil, err
	}

	instID, err := s.starter.StartInstanceFrom(ctx, entry.InstanceID, nil)
	if err != nil {
		return id.Nil, err
	}

	if err := s.store.ReplayDLQ(ctx, entryID); err != nil {
		// The new instance is already running. Return it with the error.
		return instID, err
	}
	return instID, nil
}

// DLQStore returns the underlying store for direct access to List,
// Get, Purge, and Count operations.
func (s *Service) DLQStore() Store {
	return s.store
}
