package dlq_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/store/memory"
	"github.com/cascadehq/cascade/task"
)

// stubStarter records replay requests and hands out fresh instance IDs.
type stubStarter struct {
	sources []id.InstanceID
	err     error
}

func (s *stubStarter) StartInstanceFrom(_ context.Context, source id.InstanceID, _ []byte) (id.InstanceID, error) {
	if s.err != nil {
		return id.Nil, s.err
	}
	s.sources = append(s.sources, source)
	return id.NewInstanceID(), nil
}

func TestPushAndReplay(t *testing.T) {
	s := memory.New()
	starter := &stubStarter{}
	svc := dlq.NewService(s, starter)
	ctx := context.Background()

	instID := id.NewInstanceID()
	tk := task.New(instID, "charge", "payments", []byte(`{"order":"ord-1"}`), 4)
	if err := svc.Push(ctx, tk, "gateway down"); err != nil {
		t.Fatalf("push: %v", err)
	}

	entries, err := s.ListDLQ(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	entry := entries[0]
	if entry.StepID != "charge" || entry.Attempts != 4 {
		t.Fatalf("entry = %+v, want charge after 4 attempts", entry)
	}

	// Replay starts a fresh run of the failed instance's workflow.
	newID, err := svc.Replay(ctx, entry.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if newID == id.Nil {
		t.Fatal("replay returned no instance")
	}
	if len(starter.sources) != 1 || starter.sources[0] != instID {
		t.Fatalf("replayed from %v, want %s", starter.sources, instID)
	}

	replayed, err := s.GetDLQ(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if replayed.ReplayedAt == nil {
		t.Fatal("entry not marked replayed")
	}
}

func TestReplayFailureLeavesEntry(t *testing.T) {
	s := memory.New()
	starter := &stubStarter{err: cascade.ErrInstanceNotFound}
	svc := dlq.NewService(s, starter)
	ctx := context.Background()

	tk := task.New(id.NewInstanceID(), "charge", "payments", []byte(`{}`), 2)
	if err := svc.Push(ctx, tk, "gateway down"); err != nil {
		t.Fatalf("push: %v", err)
	}
	entries, err := s.ListDLQ(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if _, err := svc.Replay(ctx, entries[0].ID); !errors.Is(err, cascade.ErrInstanceNotFound) {
		t.Fatalf("replay err = %v, want ErrInstanceNotFound", err)
	}

	entry, err := s.GetDLQ(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.ReplayedAt != nil {
		t.Fatal("failed replay must not mark the entry replayed")
	}
}
