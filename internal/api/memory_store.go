package api

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps job records in process memory. It is the default when no
// redis address is configured; records for finished jobs are dropped after
// the TTL so a long-lived worker does not grow without bound.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	ttl  time.Duration
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		ttl:  ttl,
	}
}

func (s *MemoryStore) Put(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *job
	s.jobs[job.ID] = &copied
	s.sweepLocked()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok || s.expired(job) {
		return nil, ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *MemoryStore) expired(job *Job) bool {
	return s.ttl > 0 && job.CompletedAt != nil && time.Since(*job.CompletedAt) > s.ttl
}

func (s *MemoryStore) sweepLocked() {
	for id, job := range s.jobs {
		if s.expired(job) {
			delete(s.jobs, id)
		}
	}
}
