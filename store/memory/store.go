// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vigilhq/vigil"
	"github.com/vigilhq/vigil/event"
	"github.com/vigilhq/vigil/id"
	"github.com/vigilhq/vigil/instance"
	"github.com/vigilhq/vigil/signal"
	"github.com/vigilhq/vigil/task"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ instance.Store    = (*Store)(nil)
	_ event.Log         = (*Store)(nil)
	_ task.Store        = (*Store)(nil)
	_ signal.DedupStore = (*Store)(nil)
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	instances map[string]*instance.Instance
	events    map[string][]*event.Event // key: instance ID; offset = index+1
	tasks     map[string]*task.Task
	applied   map[string]map[string]struct{} // target ID -> applied signal IDs
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		instances: make(map[string]*instance.Instance),
		events:    make(map[string][]*event.Event),
		tasks:     make(map[string]*task.Task),
		applied:   make(map[string]map[string]struct{}),
	}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Instance Store
// ──────────────────────────────────────────────────

// CreateInstance persists a new instance.
func (m *Store) CreateInstance(_ context.Context, inst *instance.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := inst.ID.String()
	if _, exists := m.instances[key]; exists {
		return vigil.ErrInstanceExists
	}
	cp := *inst
	m.instances[key] = &cp
	return nil
}

// GetInstance retrieves an instance by ID.
func (m *Store) GetInstance(_ context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return nil, vigil.ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

// UpdateInstance persists changes to an existing instance.
func (m *Store) UpdateInstance(_ context.Context, inst *instance.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := inst.ID.String()
	if _, ok := m.instances[key]; !ok {
		return vigil.ErrInstanceNotFound
	}
	cp := *inst
	cp.UpdatedAt = time.Now().UTC()
	m.instances[key] = &cp
	return nil
}

// ListInstances returns instances matching the given options.
func (m *Store) ListInstances(_ context.Context, opts instance.ListOpts) ([]*instance.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*instance.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if opts.Status != "" && inst.Status != opts.Status {
			continue
		}
		if opts.Live && inst.Status.Terminal() {
			continue
		}
		if opts.Orphaned && !inst.Orphaned {
			continue
		}
		cp := *inst
		result = append(result, &cp)
	}

	// Sort by CreatedAt for deterministic output.
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// ListChildren returns the direct children of a parent instance.
func (m *Store) ListChildren(_ context.Context, parentID id.InstanceID) ([]*instance.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*instance.Instance
	for _, inst := range m.instances {
		if inst.ParentID == nil || *inst.ParentID != parentID {
			continue
		}
		cp := *inst
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// ──────────────────────────────────────────────────
// Event Log
// ──────────────────────────────────────────────────

// AppendEvent persists an event, assigning the next offset for its instance.
func (m *Store) AppendEvent(_ context.Context, evt *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := evt.InstanceID.String()
	evt.Offset = int64(len(m.events[key])) + 1
	cp := *evt
	m.events[key] = append(m.events[key], &cp)
	return nil
}

// ListEvents returns an instance's events with Offset >= fromOffset.
func (m *Store) ListEvents(_ context.Context, instanceID id.InstanceID, fromOffset int64) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.events[instanceID.String()]
	var result []*event.Event
	for _, evt := range log {
		if evt.Offset < fromOffset {
			continue
		}
		cp := *evt
		result = append(result, &cp)
	}
	return result, nil
}

// CountEvents returns the number of events in an instance's log.
func (m *Store) CountEvents(_ context.Context, instanceID id.InstanceID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.events[instanceID.String()])), nil
}

// ──────────────────────────────────────────────────
// Task Store
// ──────────────────────────────────────────────────

// EnqueueTask persists a new pending task.
func (m *Store) EnqueueTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.tasks[key]; exists {
		return vigil.ErrTaskExists
	}
	cp := *t
	m.tasks[key] = &cp
	return nil
}

// GetTask retrieves a task by ID.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, vigil.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateTask persists changes to an existing task.
func (m *Store) UpdateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, ok := m.tasks[key]; !ok {
		return vigil.ErrTaskNotFound
	}
	cp := *t
	cp.UpdatedAt = time.Now().UTC()
	m.tasks[key] = &cp
	return nil
}

// DequeueTasks atomically claims up to limit due pending tasks for a worker.
func (m *Store) DequeueTasks(_ context.Context, workerID id.WorkerID, limit int) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	candidates := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.Status != task.StatusPending {
			continue
		}
		if !t.RunAt.IsZero() && t.RunAt.After(now) {
			continue
		}
		candidates = append(candidates, t)
	}

	// Oldest due first.
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].RunAt.Before(candidates[k].RunAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*task.Task, len(candidates))
	for i, t := range candidates {
		t.Status = task.StatusRunning
		t.Attempt++
		t.ClaimedBy = workerID
		hb := now
		t.LastHeartbeat = &hb
		if t.StartedAt == nil {
			st := now
			t.StartedAt = &st
		}
		// Return a copy so callers can mutate without racing with the store.
		cp := *t
		result[i] = &cp
	}
	return result, nil
}

// CompleteTask transitions a task to a terminal status if it is not already
// terminal, reporting whether this call won the transition.
func (m *Store) CompleteTask(_ context.Context, t *task.Task) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	stored, ok := m.tasks[key]
	if !ok {
		return false, vigil.ErrTaskNotFound
	}
	if stored.Status.Terminal() {
		return false, nil
	}

	cp := *t
	now := time.Now().UTC()
	cp.CompletedAt = &now
	cp.UpdatedAt = now
	m.tasks[key] = &cp
	return true, nil
}

// HeartbeatTask updates the heartbeat timestamp for a running task.
func (m *Store) HeartbeatTask(_ context.Context, taskID id.TaskID, _ id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return vigil.ErrTaskNotFound
	}
	now := time.Now().UTC()
	t.LastHeartbeat = &now
	return nil
}

// ListStalledTasks returns running tasks whose heartbeat is older than the
// threshold.
func (m *Store) ListStalledTasks(_ context.Context, olderThan time.Time) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stalled []*task.Task
	for _, t := range m.tasks {
		if t.Status != task.StatusRunning {
			continue
		}
		if t.LastHeartbeat != nil && t.LastHeartbeat.Before(olderThan) {
			cp := *t
			stalled = append(stalled, &cp)
		}
	}
	return stalled, nil
}

// ListTasksForInstance returns all tasks belonging to an instance.
func (m *Store) ListTasksForInstance(_ context.Context, instanceID id.InstanceID) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*task.Task
	for _, t := range m.tasks {
		if t.InstanceID != instanceID {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// CountPendingTasks returns the number of pending tasks.
func (m *Store) CountPendingTasks(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, t := range m.tasks {
		if t.Status == task.StatusPending {
			count++
		}
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Signal Dedup Store
// ──────────────────────────────────────────────────

// MarkSignalApplied atomically records a signal ID against a target.
func (m *Store) MarkSignalApplied(_ context.Context, target id.InstanceID, signalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := target.String()
	set, ok := m.applied[key]
	if !ok {
		set = make(map[string]struct{})
		m.applied[key] = set
	}
	if _, dup := set[signalID]; dup {
		return false, nil
	}
	set[signalID] = struct{}{}
	return true, nil
}

// UnmarkSignalApplied removes a recorded signal ID so delivery can retry.
func (m *Store) UnmarkSignalApplied(_ context.Context, target id.InstanceID, signalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.applied[target.String()]; ok {
		delete(set, signalID)
	}
	return nil
}
