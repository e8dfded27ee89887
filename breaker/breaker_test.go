package breaker_test

import (
	"testing"
	"time"

	"github.com/cascadehq/cascade/breaker"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock) *breaker.Breaker {
	return breaker.New("payments",
		breaker.WithThreshold(3),
		breaker.WithCooldown(30*time.Second),
		breaker.WithClock(clock.now),
	)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock)

	b.Failure()
	b.Failure()
	if b.State() != breaker.StateClosed {
		t.Fatalf("state after 2 failures = %s, want closed", b.State())
	}
	b.Failure()
	if b.State() != breaker.StateOpen {
		t.Fatalf("state after 3 failures = %s, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker must reject calls")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if b.State() != breaker.StateClosed {
		t.Fatalf("state = %s, want closed (success resets streak)", b.State())
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clock.advance(31 * time.Second)

	if b.State() != breaker.StateHalfOpen {
		t.Fatalf("state after cooldown = %s, want half_open", b.State())
	}
	if !b.Allow() {
		t.Fatal("first caller after cooldown must be admitted as probe")
	}
	if b.Allow() {
		t.Fatal("second caller must be rejected while probe is in flight")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clock.advance(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe not admitted")
	}
	b.Success()

	if b.State() != breaker.StateClosed {
		t.Fatalf("state after probe success = %s, want closed", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker must admit calls")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clock.advance(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe not admitted")
	}
	b.Failure()

	if b.State() != breaker.StateOpen {
		t.Fatalf("state after probe failure = %s, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("re-opened breaker must reject calls")
	}

	// Cooldown restarts from the probe failure.
	clock.advance(31 * time.Second)
	if !b.Allow() {
		t.Fatal("new probe must be admitted after second cooldown")
	}
}

func TestRegistryRoutableDoesNotClaimProbe(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	r := breaker.NewRegistry(
		breaker.WithThreshold(3),
		breaker.WithCooldown(30*time.Second),
		breaker.WithClock(clock.now),
	)

	if !r.Routable("payments") {
		t.Fatal("closed target must be routable")
	}
	for i := 0; i < 3; i++ {
		r.Failure("payments")
	}
	if r.Routable("payments") {
		t.Fatal("open target must not be routable")
	}

	// After the cooldown, Routable admits routing but leaves the probe
	// slot untouched: any number of checks later, the first Allow still
	// claims the single trial call.
	clock.advance(31 * time.Second)
	for i := 0; i < 5; i++ {
		if !r.Routable("payments") {
			t.Fatal("half-open target must be routable")
		}
	}
	if !r.Allow("payments") {
		t.Fatal("probe slot must still be free after Routable checks")
	}
	if r.Allow("payments") {
		t.Fatal("second caller must be rejected while probe is in flight")
	}
}

func TestRegistryIsolatesTargets(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	r := breaker.NewRegistry(
		breaker.WithThreshold(3),
		breaker.WithCooldown(30*time.Second),
		breaker.WithClock(clock.now),
	)

	for i := 0; i < 3; i++ {
		r.Failure("payments")
	}
	if r.Allow("payments") {
		t.Fatal("payments breaker should be open")
	}
	if !r.Allow("inventory") {
		t.Fatal("inventory breaker must be unaffected")
	}

	snaps := r.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snaps))
	}
	if snaps[0].Target != "inventory" || snaps[1].Target != "payments" {
		t.Fatalf("snapshot order = %s, %s", snaps[0].Target, snaps[1].Target)
	}
	if snaps[1].State != breaker.StateOpen {
		t.Fatalf("payments state = %s, want open", snaps[1].State)
	}
	if snaps[1].TimesOpened != 1 {
		t.Fatalf("payments times opened = %d, want 1", snaps[1].TimesOpened)
	}
}
