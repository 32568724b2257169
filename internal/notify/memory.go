package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryBus is a process-local Bus. Publish delivers synchronously on the
// caller's goroutine and starts no goroutines of its own.
type MemoryBus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uuid.UUID]map[uint64]Handler
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uuid.UUID]map[uint64]Handler)}
}

func (b *MemoryBus) Ping(_ context.Context) error { return nil }

func (b *MemoryBus) Subscribe(_ context.Context, jobID uuid.UUID, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[uint64]Handler)
	}
	b.subs[jobID][id] = h
	return &memorySubscription{bus: b, jobID: jobID, id: id}, nil
}

func (b *MemoryBus) Publish(_ context.Context, jobID uuid.UUID, payload []byte) error {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[jobID]))
	for _, h := range b.subs[jobID] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

// Subscribers reports how many live subscriptions exist for a job.
func (b *MemoryBus) Subscribers(jobID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

func (b *MemoryBus) remove(jobID uuid.UUID, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[jobID], id)
	if len(b.subs[jobID]) == 0 {
		delete(b.subs, jobID)
	}
}

type memorySubscription struct {
	bus   *MemoryBus
	jobID uuid.UUID
	id    uint64
	once  sync.Once
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() { s.bus.remove(s.jobID, s.id) })
	return nil
}

var _ Bus = (*MemoryBus)(nil)
