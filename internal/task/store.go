package task

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/iambrandonn/orca/internal/protocol"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrExists   = errors.New("task already exists")
)

// Store persists task records
type Store interface {
	Create(ctx context.Context, t Task) error
	Update(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, error)
	// List returns tasks in any of the given statuses, oldest first. No
	// statuses means every task.
	List(ctx context.Context, statuses ...protocol.TaskStatus) ([]Task, error)
}

// MemoryStore keeps task records in memory
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]Task)}
}

func (s *MemoryStore) Create(ctx context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return ErrExists
	}
	s.tasks[t.ID] = clone(t)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	s.tasks[t.ID] = clone(t)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return clone(t), nil
}

func (s *MemoryStore) List(ctx context.Context, statuses ...protocol.TaskStatus) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, t := range s.tasks {
		if len(statuses) == 0 || slices.Contains(statuses, t.Status) {
			out = append(out, clone(t))
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

func clone(t Task) Task {
	if t.Error != nil {
		e := *t.Error
		t.Error = &e
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		t.CompletedAt = &c
	}
	return t
}
