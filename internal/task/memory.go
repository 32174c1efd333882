package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	actions map[string]*Action
	seq     map[string]int64 // action insertion order
	next    int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*Task),
		actions: make(map[string]*Action),
		seq:     make(map[string]int64),
	}
}

func (s *MemoryStore) CreateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, id string, u TaskUpdate) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := u.apply(t, time.Now()); err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, f Filter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.tasks {
		if f.match(t) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CreateAction(ctx context.Context, a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[a.TaskID]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, a.TaskID)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	s.actions[a.ID] = cloneAction(a)
	s.next++
	s.seq[a.ID] = s.next
	return nil
}

func (s *MemoryStore) GetAction(ctx context.Context, id string) (*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	return cloneAction(a), nil
}

func (s *MemoryStore) UpdateAction(ctx context.Context, id string, u ActionUpdate) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	u.apply(a, time.Now())
	return cloneAction(a), nil
}

func (s *MemoryStore) ListActions(ctx context.Context, taskID string) ([]*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Action
	for _, a := range s.actions {
		if a.TaskID == taskID {
			out = append(out, cloneAction(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepIndex != out[j].StepIndex {
			return out[i].StepIndex < out[j].StepIndex
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	return out, nil
}
