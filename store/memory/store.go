package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/event"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/worker"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ event.Store      = (*Store)(nil)
	_ definition.Store = (*Store)(nil)
	_ cron.Store       = (*Store)(nil)
	_ dlq.Store        = (*Store)(nil)
	_ worker.Store     = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	events      map[string][]*event.Event // key: instance ID, sequence order
	definitions map[string]*definition.Definition
	crons       map[string]*cron.Schedule
	dlqs        map[string]*dlq.Entry
	workers     map[string]*worker.Registration

	// leader tracks the current cluster leader worker ID string.
	leader      string
	leaderUntil time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		events:      make(map[string][]*event.Event),
		definitions: make(map[string]*definition.Definition),
		crons:       make(map[string]*cron.Schedule),
		dlqs:        make(map[string]*dlq.Entry),
		workers:     make(map[string]*worker.Registration),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Event Store
// ──────────────────────────────────────────────────

// Append persists events for the given instance with optimistic
// concurrency: it fails if expected does not match the current last
// sequence.
func (m *Store) Append(_ context.Context, instanceID id.InstanceID, expected uint64, evts ...*event.Event) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := instanceID.String()
	log := m.events[key]

	var last uint64
	if len(log) > 0 {
		last = log[len(log)-1].Sequence
	}
	if last != expected {
		return last, cascade.ErrConcurrentAppend
	}

	seq := expected
	for _, evt := range evts {
		seq++
		cp := *evt
		cp.Sequence = seq
		log = append(log, &cp)
	}
	m.events[key] = log
	return seq, nil
}

// ReadFrom returns the instance's events with sequence > since.
func (m *Store) ReadFrom(_ context.Context, instanceID id.InstanceID, since uint64) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.events[instanceID.String()]
	result := make([]*event.Event, 0, len(log))
	for _, evt := range log {
		if evt.Sequence <= since {
			continue
		}
		cp := *evt
		result = append(result, &cp)
	}
	return result, nil
}

// LastSequence returns the instance's current last sequence, zero if no
// events exist.
func (m *Store) LastSequence(_ context.Context, instanceID id.InstanceID) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.events[instanceID.String()]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Sequence, nil
}

// ListInstances returns the IDs of all instances with at least one event.
func (m *Store) ListInstances(_ context.Context) ([]id.InstanceID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.events))
	for k := range m.events {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]id.InstanceID, 0, len(keys))
	for _, k := range keys {
		instID, err := id.ParseInstanceID(k)
		if err != nil {
			continue
		}
		result = append(result, instID)
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Definition Store
// ──────────────────────────────────────────────────

// RegisterDefinition persists a validated definition.
func (m *Store) RegisterDefinition(_ context.Context, def *definition.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.definitions {
		if d.Name == def.Name && d.Version == def.Version {
			return cascade.ErrDefinitionExists
		}
	}

	cp := *def
	m.definitions[def.ID.String()] = &cp
	return nil
}

// GetDefinition retrieves a definition by ID.
func (m *Store) GetDefinition(_ context.Context, defID id.DefinitionID) (*definition.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.definitions[defID.String()]
	if !ok {
		return nil, cascade.ErrDefinitionNotFound
	}
	cp := *d
	return &cp, nil
}

// GetDefinitionByName retrieves a definition by name. Version zero means
// the highest registered version.
func (m *Store) GetDefinitionByName(_ context.Context, name string, version int) (*definition.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *definition.Definition
	for _, d := range m.definitions {
		if d.Name != name {
			continue
		}
		if version != 0 {
			if d.Version == version {
				cp := *d
				return &cp, nil
			}
			continue
		}
		if best == nil || d.Version > best.Version {
			best = d
		}
	}
	if best == nil {
		return nil, cascade.ErrDefinitionNotFound
	}
	cp := *best
	return &cp, nil
}

// ListDefinitions returns registered definitions sorted by name then
// version.
func (m *Store) ListDefinitions(_ context.Context, opts definition.ListOpts) ([]*definition.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*definition.Definition, 0, len(m.definitions))
	for _, d := range m.definitions {
		cp := *d
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		if result[i].Name != result[k].Name {
			return result[i].Name < result[k].Name
		}
		return result[i].Version < result[k].Version
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// ──────────────────────────────────────────────────
// Cron Store
// ──────────────────────────────────────────────────

// RegisterCron persists a new schedule. Returns an error if the name
// already exists.
func (m *Store) RegisterCron(_ context.Context, s *cron.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.crons {
		if e.Name == s.Name {
			return cascade.ErrDuplicateCron
		}
	}

	cp := *s
	m.crons[s.ID.String()] = &cp
	return nil
}

// GetCron retrieves a schedule by ID.
func (m *Store) GetCron(_ context.Context, cronID id.CronID) (*cron.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.crons[cronID.String()]
	if !ok {
		return nil, cascade.ErrCronNotFound
	}
	cp := *s
	return &cp, nil
}

// ListCrons returns all schedules sorted by creation time.
func (m *Store) ListCrons(_ context.Context) ([]*cron.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*cron.Schedule, 0, len(m.crons))
	for _, s := range m.crons {
		cp := *s
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return result, nil
}

// AcquireCronLock attempts to take the per-schedule firing lock.
func (m *Store) AcquireCronLock(_ context.Context, cronID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.crons[cronID.String()]
	if !ok {
		return false, cascade.ErrCronNotFound
	}

	now := time.Now().UTC()

	// If locked by someone else and the lock hasn't expired, fail.
	if s.LockedBy != "" && s.LockedUntil != nil && s.LockedUntil.After(now) {
		if s.LockedBy != workerID.String() {
			return false, nil
		}
	}

	s.LockedBy = workerID.String()
	until := now.Add(ttl)
	s.LockedUntil = &until
	return true, nil
}

// ReleaseCronLock releases the per-schedule firing lock.
func (m *Store) ReleaseCronLock(_ context.Context, cronID id.CronID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.crons[cronID.String()]
	if !ok {
		return cascade.ErrCronNotFound
	}

	if s.LockedBy != workerID.String() {
		return nil // not holding the lock; no-op
	}

	s.LockedBy = ""
	s.LockedUntil = nil
	return nil
}

// UpdateCronLastRun records when a schedule last fired.
func (m *Store) UpdateCronLastRun(_ context.Context, cronID id.CronID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.crons[cronID.String()]
	if !ok {
		return cascade.ErrCronNotFound
	}
	s.LastRunAt = &at
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateCron updates a schedule (Enabled, NextRunAt, etc.).
func (m *Store) UpdateCron(_ context.Context, s *cron.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := s.ID.String()
	if _, ok := m.crons[key]; !ok {
		return cascade.ErrCronNotFound
	}
	cp := *s
	cp.UpdatedAt = time.Now().UTC()
	m.crons[key] = &cp
	return nil
}

// DeleteCron removes a schedule by ID.
func (m *Store) DeleteCron(_ context.Context, cronID id.CronID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cronID.String()
	if _, ok := m.crons[key]; !ok {
		return cascade.ErrCronNotFound
	}
	delete(m.crons, key)
	return nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDLQ adds an exhausted task entry to the dead letter queue.
func (m *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.dlqs[entry.ID.String()] = &cp
	return nil
}

// ListDLQ returns DLQ entries matching the given options.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if opts.TargetService != "" && e.TargetService != opts.TargetService {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.Before(result[k].FailedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (m *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, cascade.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (m *Store) ReplayDLQ(_ context.Context, entryID id.DLQID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return cascade.ErrDLQNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, e := range m.dlqs {
		if e.FailedAt.Before(before) {
			delete(m.dlqs, key)
			count++
		}
	}
	return count, nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (m *Store) CountDLQ(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.dlqs)), nil
}

// ──────────────────────────────────────────────────
// Worker Store
// ──────────────────────────────────────────────────

// RegisterWorker adds a worker to the registry.
func (m *Store) RegisterWorker(_ context.Context, w *worker.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	m.workers[w.ID.String()] = &cp
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (m *Store) DeregisterWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workerID.String()
	if _, ok := m.workers[key]; !ok {
		return cascade.ErrWorkerNotFound
	}
	delete(m.workers, key)
	return nil
}

// HeartbeatWorker updates the worker's last-seen timestamp and load.
func (m *Store) HeartbeatWorker(_ context.Context, workerID id.WorkerID, load int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return cascade.ErrWorkerNotFound
	}
	w.LastSeen = time.Now().UTC()
	w.Load = load
	return nil
}

// ListWorkers returns all registered workers sorted by creation time.
func (m *Store) ListWorkers(_ context.Context) ([]*worker.Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*worker.Registration, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return result, nil
}

// ReapDeadWorkers marks workers dead whose last-seen timestamp is older
// than the threshold and returns them.
func (m *Store) ReapDeadWorkers(_ context.Context, threshold time.Duration) ([]*worker.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var dead []*worker.Registration
	for _, w := range m.workers {
		if w.State != worker.StateDead && w.LastSeen.Before(cutoff) {
			w.State = worker.StateDead
			cp := *w
			dead = append(dead, &cp)
		}
	}
	return dead, nil
}

// AcquireLeadership attempts to become the cluster leader.
func (m *Store) AcquireLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	wKey := workerID.String()

	// An unexpired leader that isn't us blocks acquisition.
	if m.leader != "" && m.leaderUntil.After(now) && m.leader != wKey {
		return false, nil
	}

	m.leader = wKey
	m.leaderUntil = now.Add(ttl)

	if w, ok := m.workers[wKey]; ok {
		w.IsLeader = true
		until := m.leaderUntil
		w.LeaderUntil = &until
	}

	return true, nil
}

// RenewLeadership extends the leader's hold.
func (m *Store) RenewLeadership(_ context.Context, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wKey := workerID.String()
	if m.leader != wKey {
		return false, nil
	}

	m.leaderUntil = time.Now().UTC().Add(ttl)

	if w, ok := m.workers[wKey]; ok {
		until := m.leaderUntil
		w.LeaderUntil = &until
	}

	return true, nil
}

// GetLeader returns the current cluster leader, or nil if there is none.
func (m *Store) GetLeader(_ context.Context) (*worker.Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.leader == "" || m.leaderUntil.Before(time.Now().UTC()) {
		return nil, nil
	}

	w, ok := m.workers[m.leader]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}
