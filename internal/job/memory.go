package job

import (
	"context"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of Store.
// It uses a map with RWMutex for thread-safe access.
// Suitable for tests; production uses FileStore.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
	}
}

// Create persists a new job. Returns ErrAlreadyExists if the ID is taken.
func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrAlreadyExists
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Load retrieves a job by ID. Returns a clone to prevent external mutations.
func (s *MemoryStore) Load(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// Save persists the current job state.
func (s *MemoryStore) Save(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

// ListActive returns all jobs in non-terminal stages.
func (s *MemoryStore) ListActive(_ context.Context) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !job.Stage.IsTerminal() {
			result = append(result, job.Clone())
		}
	}
	return result, nil
}

// ListTerminal returns terminal jobs last updated before the given time.
func (s *MemoryStore) ListTerminal(_ context.Context, before time.Time) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Stage.IsTerminal() && job.UpdatedAt.Before(before) {
			result = append(result, job.Clone())
		}
	}
	return result, nil
}
