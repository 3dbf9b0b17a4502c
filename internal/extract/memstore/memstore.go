// Package memstore provides an in-memory implementation of extract.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/pathsift/internal/extract"
)

// Store holds tasks in memory. Suitable for dev/testing; tasks do not
// survive a restart.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*extract.Task // task ID -> task
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{tasks: make(map[string]*extract.Task)}
}

// Get retrieves a task by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*extract.Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false, nil
	}
	cp := *t
	return &cp, true, nil
}

// List returns a copy of every stored task, in no particular order.
func (s *Store) List(_ context.Context) ([]*extract.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*extract.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// Put stores a copy of the task.
func (s *Store) Put(_ context.Context, t *extract.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}
