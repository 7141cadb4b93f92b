package storage

import (
	"context"
	"sync"

	"github.com/amelbenhazem/task-ws-api/domain"
)

// Memory keeps tasks and user names in process. Every method holds the lock
// for its whole duration, which gives single-document atomicity.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
	names map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]domain.Task), names: make(map[string]string)}
}

func (m *Memory) Insert(_ context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return domain.Conflictf("task %s already exists", t.ID)
	}
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return cloneTask(t), nil
}

func (m *Memory) List(_ context.Context) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, cloneTask(t))
	}
	domain.SortTasks(out)
	return out, nil
}

func (m *Memory) Replace(_ context.Context, t domain.Task, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if expectedVersion > 0 && cur.Version != expectedVersion {
		return domain.Conflictf("task %s was modified", t.ID)
	}
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

// Remember records the display name of a user.
func (m *Memory) Remember(_ context.Context, id domain.Identity) error {
	if id.ID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[id.ID] = id.Ref().Username
	return nil
}

// Lookup returns the known display names among ids.
func (m *Memory) Lookup(_ context.Context, ids []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if n, ok := m.names[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

func cloneTask(t domain.Task) domain.Task {
	if t.DueDate != nil {
		d := *t.DueDate
		t.DueDate = &d
	}
	if t.AssignedTo != nil {
		a := *t.AssignedTo
		t.AssignedTo = &a
	}
	return t
}
