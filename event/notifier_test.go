package event_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cascadehq/cascade/event"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSubscriber struct {
	mu   sync.Mutex
	seen []*event.Event
}

func (r *recordingSubscriber) receive(_ context.Context, evt *event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, evt)
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func startedEvent(t *testing.T, instID id.InstanceID, seq uint64) *event.Event {
	t.Helper()
	evt, err := event.New(instID, event.TypeInstanceStarted, event.InstanceStarted{
		DefinitionID: id.NewDefinitionID(),
		Name:         "order-fulfillment",
		Version:      1,
		Input:        json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	evt.Sequence = seq
	return evt
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNotifierDeliversCommittedEvents(t *testing.T) {
	nf := event.NewNotifier(memory.New(), discardLogger())
	sub := &recordingSubscriber{}
	nf.Subscribe(sub.receive)
	nf.Start()
	defer nf.Stop()

	instID := id.NewInstanceID()
	ctx := context.Background()
	if _, err := nf.Append(ctx, instID, 0, startedEvent(t, instID, 1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	waitFor(t, func() bool { return sub.count() == 1 }, "event not delivered")
	sub.mu.Lock()
	got := sub.seen[0]
	sub.mu.Unlock()
	if got.Type != event.TypeInstanceStarted || got.InstanceID != instID {
		t.Fatalf("delivered %s for %s, want started event", got.Type, got.InstanceID)
	}
}

func TestNotifierAppendReachesStore(t *testing.T) {
	s := memory.New()
	nf := event.NewNotifier(s, discardLogger())
	// Not started: the append path must not depend on delivery.

	instID := id.NewInstanceID()
	ctx := context.Background()
	seq, err := nf.Append(ctx, instID, 0, startedEvent(t, instID, 1))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq != 1 {
		t.Fatalf("seq = %d, want 1", seq)
	}

	evts, err := s.ReadFrom(ctx, instID, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("store holds %d events, want 1", len(evts))
	}
}

func TestNotifierCountsDroppedEvents(t *testing.T) {
	nf := event.NewNotifier(memory.New(), discardLogger(), event.WithBuffer(1))
	// No delivery loop running, so the buffer never drains.

	instID := id.NewInstanceID()
	ctx := context.Background()
	for i := uint64(0); i < 3; i++ {
		if _, err := nf.Append(ctx, instID, i, startedEvent(t, instID, i+1)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if got := nf.Dropped(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
}

func TestNotifierStopDrainsBuffer(t *testing.T) {
	nf := event.NewNotifier(memory.New(), discardLogger())
	sub := &recordingSubscriber{}
	nf.Subscribe(sub.receive)

	instID := id.NewInstanceID()
	ctx := context.Background()
	for i := uint64(0); i < 5; i++ {
		if _, err := nf.Append(ctx, instID, i, startedEvent(t, instID, i+1)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	// Everything buffered before Start must still reach subscribers
	// before Stop returns.
	nf.Start()
	nf.Stop()
	if got := sub.count(); got != 5 {
		t.Fatalf("delivered %d events, want 5", got)
	}
}
