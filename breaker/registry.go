package breaker

import (
	"sort"
	"sync"
)

// Registry manages one breaker per target service, created lazily on
// first use so every target starts closed.
type Registry struct {
	opts []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share the given options.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for target, creating it if needed.
func (r *Registry) Get(target string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[target]; ok {
		return b
	}
	b = New(target, r.opts...)
	r.breakers[target] = b
	return b
}

// Allow reports whether a call to target may proceed. It claims the
// single half-open trial slot, so only the component that actually
// performs the call should use it.
func (r *Registry) Allow(target string) bool {
	return r.Get(target).Allow()
}

// Routable reports whether tasks may be routed toward target without
// claiming anything: true unless the breaker is open and still cooling
// down. Routing a task during half-open is fine; admission of the
// single trial call is decided by Allow at invocation time.
func (r *Registry) Routable(target string) bool {
	return r.Get(target).State() != StateOpen
}

// Success records a successful call to target.
func (r *Registry) Success(target string) {
	r.Get(target).Success()
}

// Failure records a failed call to target.
func (r *Registry) Failure(target string) {
	r.Get(target).Failure()
}

// Snapshots returns the state of every known breaker, sorted by target.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}
