package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobgate/pkg/models"
)

// MemoryStore is a process-local JobStore. It honours the same TTL and
// terminal-transition contract as the durable backends and is used by
// tests and single-process development runs.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]memoryEntry
	ttl  time.Duration
	now  func() time.Time
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for TTL bookkeeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		jobs: make(map[uuid.UUID]memoryEntry),
		ttl:  ttl,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Put(_ context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = memoryEntry{data: data, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

func (s *MemoryStore) SetTerminal(_ context.Context, result *models.CompletionResult) (bool, error) {
	if err := checkTerminal(result); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.load(result.JobID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if job.Status.IsTerminal() {
		return false, nil
	}

	now := s.now()
	job.ApplyTerminal(result, now)
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}
	s.jobs[job.ID] = memoryEntry{data: data, expiresAt: now.Add(s.ttl)}
	return true, nil
}

// load must be called with mu held. Records are decoded on every read so
// callers never share memory with the store.
func (s *MemoryStore) load(id uuid.UUID) (*models.Job, error) {
	entry, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.jobs, id)
		return nil, ErrNotFound
	}
	var job models.Job
	if err := json.Unmarshal(entry.data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

var _ JobStore = (*MemoryStore)(nil)
