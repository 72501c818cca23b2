package fleet

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InstanceFilter narrows ListInstances results.
type InstanceFilter struct {
	// GroupID restricts to one effective group when non-nil.
	GroupID *int64
	// IncludeDeleted includes soft-deleted rows.
	IncludeDeleted bool
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	// Owner restricts to one owner when non-nil.
	Owner *int64
	// Statuses restricts to the given statuses when non-empty.
	Statuses []TaskStatus
	// Limit bounds the result count when positive. Tasks are returned
	// newest first.
	Limit int
}

// Store is the persistence boundary of the engine: the endpoint health
// fields, the instance cache, and the task table.
//
// ListEndpoints and ListInstances return rows in ascending ID order so
// callers get a stable, reproducible processing order.
type Store interface {
	ListEndpoints(ctx context.Context) ([]Endpoint, error)
	SaveEndpoint(ctx context.Context, ep Endpoint) error
	DeleteEndpoint(ctx context.Context, id int64) error
	// SetEndpointHealth updates only the health fields of an endpoint.
	SetEndpointHealth(ctx context.Context, id int64, online bool, lastError string, checkedAt time.Time) error

	ListInstances(ctx context.Context, f InstanceFilter) ([]Instance, error)
	GetInstance(ctx context.Context, key InstanceKey) (Instance, error)
	UpsertInstance(ctx context.Context, inst Instance) error
	// SoftDeleteInstance marks the row deleted at the given time and
	// reports whether the row was newly marked (false when missing or
	// already soft-deleted).
	SoftDeleteInstance(ctx context.Context, key InstanceKey, at time.Time) (bool, error)

	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	UpdateTask(ctx context.Context, t Task) error
	// ClaimOldestPending atomically claims the oldest pending task: if no
	// task is running it marks that task running with the given start
	// time and returns it. It returns nil when a task is already running
	// or nothing is pending. Atomicity is per store instance; a
	// multi-process deployment needs a store backed by a database-level
	// lock (see DESIGN.md).
	ClaimOldestPending(ctx context.Context, startedAt time.Time) (*Task, error)
	// PruneFinishedTasks removes finished tasks completed before the
	// cutoff and returns how many were removed.
	PruneFinishedTasks(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore is an in-memory Store. It backs tests and small
// single-process deployments; the store subpackage provides the durable
// implementation.
type MemoryStore struct {
	mu        sync.RWMutex
	endpoints map[int64]Endpoint
	instances map[InstanceKey]Instance
	tasks     map[string]Task
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints: make(map[int64]Endpoint),
		instances: make(map[InstanceKey]Instance),
		tasks:     make(map[string]Task),
	}
}

func (s *MemoryStore) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveEndpoint(ctx context.Context, ep Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = ep
	return nil
}

func (s *MemoryStore) DeleteEndpoint(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return ErrEndpointNotFound
	}
	delete(s.endpoints, id)
	return nil
}

func (s *MemoryStore) SetEndpointHealth(ctx context.Context, id int64, online bool, lastError string, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.endpoints[id]
	if !ok {
		return ErrEndpointNotFound
	}
	ep.IsOnline = online
	ep.LastError = lastError
	ep.LastCheck = checkedAt
	s.endpoints[id] = ep
	return nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, f InstanceFilter) ([]Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		if !f.IncludeDeleted && inst.Deleted() {
			continue
		}
		if f.GroupID != nil && inst.GroupID != *f.GroupID {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out, nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, key InstanceKey) (Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[key]
	if !ok {
		return Instance{}, ErrInstanceNotFound
	}
	return inst, nil
}

func (s *MemoryStore) UpsertInstance(ctx context.Context, inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.Key()] = inst
	return nil
}

func (s *MemoryStore) SoftDeleteInstance(ctx context.Context, key InstanceKey, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[key]
	if !ok || inst.Deleted() {
		return false, nil
	}
	deletedAt := at
	inst.SoftDeletedAt = &deletedAt
	s.instances[key] = inst
	return true, nil
}

func (s *MemoryStore) CreateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = cloneTask(*t)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.Owner != nil && t.Owner != *f.Owner {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *MemoryStore) ClaimOldestPending(ctx context.Context, startedAt time.Time) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *Task
	for id := range s.tasks {
		t := s.tasks[id]
		if t.Status == TaskRunning {
			return nil, nil
		}
		if t.Status != TaskPending {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) ||
			(t.CreatedAt.Equal(oldest.CreatedAt) && t.ID < oldest.ID) {
			claimed := cloneTask(t)
			oldest = &claimed
		}
	}
	if oldest == nil {
		return nil, nil
	}

	started := startedAt
	oldest.Status = TaskRunning
	oldest.StartedAt = &started
	s.tasks[oldest.ID] = cloneTask(*oldest)
	return oldest, nil
}

func (s *MemoryStore) PruneFinishedTasks(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, t := range s.tasks {
		if !t.Status.Finished() {
			continue
		}
		if t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			pruned++
		}
	}
	return pruned, nil
}

func cloneTask(t Task) Task {
	out := t
	out.Items = append([]TaskItem(nil), t.Items...)
	out.Results = append([]TaskItemResult(nil), t.Results...)
	return out
}

func containsStatus(statuses []TaskStatus, s TaskStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
