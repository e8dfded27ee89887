package event

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cascadehq/cascade/id"
)

// Subscriber receives committed events. Delivery is at-least-once and
// happens after the append transaction; subscribers must be idempotent.
type Subscriber func(ctx context.Context, evt *Event)

// Notifier wraps a Store and fans committed events out to subscribers.
// Publication is decoupled from the append itself: a failed or slow
// subscriber never affects the append, and events are delivered from a
// buffered channel on a background goroutine.
type Notifier struct {
	Store

	logger *slog.Logger

	mu          sync.RWMutex
	subscribers []Subscriber

	ch      chan *Event
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool

	dropped atomic.Int64
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithBuffer sets the outbound event buffer size (default 256).
func WithBuffer(n int) NotifierOption {
	return func(nf *Notifier) { nf.ch = make(chan *Event, n) }
}

// NewNotifier wraps store with publish-after-commit fan-out.
func NewNotifier(store Store, logger *slog.Logger, opts ...NotifierOption) *Notifier {
	nf := &Notifier{
		Store:  store,
		logger: logger,
		ch:     make(chan *Event, 256),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(nf)
	}
	return nf
}

// Subscribe registers a subscriber for all committed events.
func (n *Notifier) Subscribe(sub Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers = append(n.subscribers, sub)
}

// Start launches the delivery goroutine.
func (n *Notifier) Start() {
	if !n.started.CompareAndSwap(false, true) {
		return
	}
	n.wg.Add(1)
	go n.deliverLoop()
}

// Stop drains buffered events and stops delivery.
func (n *Notifier) Stop() {
	if !n.started.CompareAndSwap(true, false) {
		return
	}
	close(n.stopCh)
	n.wg.Wait()
}

// Dropped returns the count of events dropped due to a full buffer.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// Append commits through the wrapped store, then queues the events for
// subscriber delivery.
func (n *Notifier) Append(ctx context.Context, instanceID id.InstanceID, expected uint64, evts ...*Event) (uint64, error) {
	seq, err := n.Store.Append(ctx, instanceID, expected, evts...)
	if err != nil {
		return seq, err
	}

	for _, evt := range evts {
		select {
		case n.ch <- evt:
		default:
			// Buffer full. Dropping is acceptable: the log itself is the
			// source of truth and consumers can re-read from their watermark.
			n.dropped.Add(1)
			n.logger.Warn("event notifier buffer full, dropping",
				slog.String("instance_id", evt.InstanceID.String()),
				slog.String("type", string(evt.Type)),
			)
		}
	}

	return seq, nil
}

func (n *Notifier) deliverLoop() {
	defer n.wg.Done()

	for {
		select {
		case evt := <-n.ch:
			n.deliver(evt)
		case <-n.stopCh:
			// Drain whatever is buffered before exiting.
			for {
				select {
				case evt := <-n.ch:
					n.deliver(evt)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliver(evt *Event) {
	n.mu.RLock()
	subs := n.subscribers
	n.mu.RUnlock()

	ctx := context.Background()
	for _, sub := range subs {
		sub(ctx, evt)
	}
}
