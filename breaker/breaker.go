// Package breaker implements a per-target-service circuit breaker. A
// breaker trips open after a run of consecutive failures, rejects calls
// for a cooldown period, then admits a single probe to decide whether
// the target has recovered.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cascadehq/cascade"
)

// State is the breaker's position.
type State string

const (
	// StateClosed: calls flow normally.
	StateClosed State = "closed"
	// StateOpen: calls are rejected until the cooldown elapses.
	StateOpen State = "open"
	// StateHalfOpen: one probe call is in flight.
	StateHalfOpen State = "half_open"
)

// Breaker guards calls to a single target service.
type Breaker struct {
	target    string
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	probing      bool
	lastFailure  time.Time
	totalTripped uint64
}

// Option configures a Breaker or Registry.
type Option func(*options)

type options struct {
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// WithThreshold sets the consecutive-failure count that trips the
// breaker open.
func WithThreshold(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.threshold = n
		}
	}
}

// WithCooldown sets how long an open breaker rejects calls before
// admitting a probe.
func WithCooldown(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cooldown = d
		}
	}
}

// WithLogger sets the logger for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	cfg := cascade.DefaultConfig()
	o := options{
		threshold: cfg.BreakerThreshold,
		cooldown:  cfg.BreakerCooldown,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a closed breaker for target.
func New(target string, opts ...Option) *Breaker {
	o := buildOptions(opts)
	return &Breaker{
		target:    target,
		threshold: o.threshold,
		cooldown:  o.cooldown,
		logger:    o.logger.With("target", target),
		now:       o.now,
		state:     StateClosed,
	}
}

// Allow reports whether a call to the target may proceed. In the
// half-open window only the first caller is admitted as the probe;
// everyone else is rejected until the probe reports.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		b.logger.Info("circuit half-open, admitting probe")
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// Success records a successful call. A probe success closes the breaker
// and resets the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.logger.Info("circuit closed after successful probe")
	}
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// Failure records a failed call. Consecutive failures at or above the
// threshold trip the breaker; a probe failure re-opens it and restarts
// the cooldown.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	if b.state == StateHalfOpen {
		b.open()
		b.logger.Warn("circuit re-opened after failed probe")
		return
	}

	b.failures++
	if b.state == StateClosed && b.failures >= b.threshold {
		b.open()
		b.totalTripped++
		b.logger.Warn("circuit opened", "consecutive_failures", b.failures)
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.probing = false
}

// State returns the breaker's current position, promoting Open to
// HalfOpen when the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot is a point-in-time view of one breaker for health reporting.
type Snapshot struct {
	Target      string    `json:"target"`
	State       State     `json:"state"`
	Failures    int       `json:"consecutive_failures"`
	OpenedAt    time.Time `json:"opened_at,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	TimesOpened uint64    `json:"times_opened"`
}

// Snapshot returns the breaker's current state for health reporting.
func (b *Breaker) Snapshot() Snapshot {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Target:      b.target,
		State:       state,
		Failures:    b.failures,
		OpenedAt:    b.openedAt,
		LastFailure: b.lastFailure,
		TimesOpened: b.totalTripped,
	}
}
