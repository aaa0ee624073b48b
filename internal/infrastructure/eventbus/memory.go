package eventbus

import (
	"context"
	"sync"
)

type memorySub struct {
	id      uint64
	handler Handler
}

// MemoryBus delivers synchronously inside Publish. Handlers run without any
// bus lock held, so they may subscribe or unsubscribe.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]memorySub
	nextID uint64
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]memorySub)}
}

func channel(roomID string, topic Topic) string {
	return "room:" + roomID + ":" + string(topic)
}

func (b *MemoryBus) Publish(ctx context.Context, roomID string, topic Topic, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return backendErr("publish", err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return backendErr("publish", ErrClosed)
	}
	snapshot := append([]memorySub(nil), b.subs[channel(roomID, topic)]...)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		sub.handler(payload)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, roomID string, topic Topic, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, backendErr("subscribe", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, backendErr("subscribe", ErrClosed)
	}

	b.nextID++
	key := channel(roomID, topic)
	b.subs[key] = append(b.subs[key], memorySub{id: b.nextID, handler: handler})

	return &memorySubscription{bus: b, key: key, id: b.nextID}, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subs = make(map[string][]memorySub)
	return nil
}

// SubscriberCount reports how many handlers listen on a room topic.
func (b *MemoryBus) SubscriberCount(roomID string, topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel(roomID, topic)])
}

type memorySubscription struct {
	bus  *MemoryBus
	key  string
	id   uint64
	once sync.Once
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()

		subs := s.bus.subs[s.key]
		for i, sub := range subs {
			if sub.id == s.id {
				subs = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(subs) == 0 {
			delete(s.bus.subs, s.key)
		} else {
			s.bus.subs[s.key] = subs
		}
	})
	return nil
}
