package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const unsubscribeTimeout = 5 * time.Second

// RedisBus implements Bus on Redis Pub/Sub with one channel per job. All
// subscriptions share a single PubSub connection, opened on first use.
type RedisBus struct {
	client redis.UniversalClient

	mu      sync.Mutex
	ps      *redis.PubSub
	done    chan struct{}
	closing chan struct{}
	closed  bool
	topics  map[string]*topic
	pending map[string]int // SUBSCRIBE replies not yet read, per channel
	nextID  uint64
}

// topic is one subscribed Redis channel and the handlers registered on it.
type topic struct {
	handlers  map[uint64]Handler
	confirmed chan struct{}
}

// NewRedisBus creates a RedisBus. The caller owns the client lifecycle;
// Close releases the bus's own PubSub connection.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client:  client,
		closing: make(chan struct{}),
		topics:  make(map[string]*topic),
		pending: make(map[string]int),
	}
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Publish(ctx context.Context, jobID uuid.UUID, payload []byte) error {
	if err := b.client.Publish(ctx, TopicName(jobID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", jobID, err)
	}
	return nil
}

// Subscribe blocks until Redis confirms the subscription, so a publish issued
// after Subscribe returns is guaranteed to be delivered.
func (b *RedisBus) Subscribe(ctx context.Context, jobID uuid.UUID, h Handler) (Subscription, error) {
	name := TopicName(jobID)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.start()

	t, ok := b.topics[name]
	if !ok {
		t = &topic{handlers: make(map[uint64]Handler), confirmed: make(chan struct{})}
		if err := b.ps.Subscribe(ctx, name); err != nil {
			// go-redis tracks the channel even when the write fails.
			_ = b.ps.Unsubscribe(context.WithoutCancel(ctx), name)
			b.mu.Unlock()
			return nil, fmt.Errorf("subscribe %s: %w", jobID, err)
		}
		b.topics[name] = t
		b.pending[name]++
	}
	b.nextID++
	sub := &redisSubscription{bus: b, topic: name, id: b.nextID}
	t.handlers[sub.id] = h
	b.mu.Unlock()

	select {
	case <-t.confirmed:
		return sub, nil
	case <-b.closing:
		_ = sub.Close()
		return nil, ErrBusClosed
	case <-ctx.Done():
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", jobID, ctx.Err())
	}
}

// Close stops delivery to every subscription and releases the connection.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closing)
	ps, done := b.ps, b.done
	b.topics = make(map[string]*topic)
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}

// start must be called with mu held.
func (b *RedisBus) start() {
	if b.ps != nil {
		return
	}
	b.ps = b.client.Subscribe(context.Background())
	b.done = make(chan struct{})
	go b.route(b.ps.ChannelWithSubscriptions())
}

// route is the single reader of the shared connection. It fans messages out
// by channel name and releases subscribers waiting on a confirmation.
func (b *RedisBus) route(ch <-chan interface{}) {
	defer close(b.done)
	for msg := range ch {
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				b.confirm(m.Channel)
			}
		case *redis.Message:
			for _, h := range b.handlersFor(m.Channel) {
				h([]byte(m.Payload))
			}
		}
	}
}

// confirm counts down the replies for name. A topic that was dropped and
// subscribed again is confirmed only by the reply to its latest SUBSCRIBE.
func (b *RedisBus) confirm(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[name] > 1 {
		b.pending[name]--
		return
	}
	delete(b.pending, name)
	t, ok := b.topics[name]
	if !ok {
		return
	}
	select {
	case <-t.confirmed:
	default:
		close(t.confirmed)
	}
}

func (b *RedisBus) handlersFor(name string) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return nil
	}
	hs := make([]Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		hs = append(hs, h)
	}
	return hs
}

// remove drops one handler and unsubscribes the channel when it was the last.
func (b *RedisBus) remove(name string, id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return nil
	}
	delete(t.handlers, id)
	if len(t.handlers) > 0 {
		return nil
	}
	delete(b.topics, name)
	if b.closed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := b.ps.Unsubscribe(ctx, name); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", name, err)
	}
	return nil
}

type redisSubscription struct {
	bus   *RedisBus
	topic string
	id    uint64
	once  sync.Once
	err   error
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.err = s.bus.remove(s.topic, s.id)
	})
	return s.err
}

var _ Bus = (*RedisBus)(nil)
