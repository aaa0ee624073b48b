package eventbus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RedisBus uses one PUBSUB connection per subscription on channels
// room:{id}:{topic}.
type RedisBus struct {
	client *redis.Client
	tracer trace.Tracer

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		tracer: otel.Tracer("eventbus"),
		subs:   make(map[*redisSubscription]struct{}),
	}
}

func (b *RedisBus) Publish(ctx context.Context, roomID string, topic Topic, payload []byte) error {
	ch := channel(roomID, topic)
	ctx, span := b.tracer.Start(ctx, ch+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination.name", ch),
			attribute.Int("messaging.message.payload_size_bytes", len(payload)),
		),
	)
	defer span.End()

	if err := b.client.Publish(ctx, ch, payload).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return backendErr("publish "+ch, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, roomID string, topic Topic, handler Handler) (Subscription, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, backendErr("subscribe", ErrClosed)
	}

	ch := channel(roomID, topic)
	pubsub := b.client.Subscribe(ctx, ch)

	// Wait for the subscribe confirmation so nothing published after we
	// return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, backendErr("subscribe "+ch, err)
	}

	sub := &redisSubscription{bus: b, pubsub: pubsub}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	messages := pubsub.Channel()
	go func() {
		for msg := range messages {
			handler([]byte(msg.Payload))
		}
	}()

	return sub, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

type redisSubscription struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	once   sync.Once
	err    error
}

// Unsubscribe does not wait for an in-flight handler, which may itself be the
// caller.
func (s *redisSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()

		s.err = s.pubsub.Close()
	})
	return s.err
}
