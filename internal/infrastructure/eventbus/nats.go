package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ConnectNats dials the server with unlimited reconnects. The returned
// connection is owned by the bus built on it.
func ConnectNats(url, name string, opts ...nats.Option) (*nats.Conn, error) {
	opts = append([]nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return nc, nil
}

func subject(roomID string, topic Topic) string {
	return "room." + roomID + "." + string(topic)
}

// headerCarrier lets the otel propagator read and write nats headers.
type headerCarrier nats.Header

func (c headerCarrier) Get(key string) string { return nats.Header(c).Get(key) }
func (c headerCarrier) Set(key, value string) { nats.Header(c).Set(key, value) }
func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

type NatsBus struct {
	nc     *nats.Conn
	tracer trace.Tracer
}

func NewNatsBus(nc *nats.Conn) *NatsBus {
	return &NatsBus{nc: nc, tracer: otel.Tracer("eventbus")}
}

func (b *NatsBus) Publish(ctx context.Context, roomID string, topic Topic, payload []byte) error {
	subj := subject(roomID, topic)
	ctx, span := b.tracer.Start(ctx, subj+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subj),
			attribute.Int("messaging.message.payload_size_bytes", len(payload)),
		),
	)
	defer span.End()

	header := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(header))

	if err := b.nc.PublishMsg(&nats.Msg{Subject: subj, Data: payload, Header: header}); err != nil {
		span.RecordError(err)
		return backendErr("publish "+subj, err)
	}
	return nil
}

func (b *NatsBus) Subscribe(ctx context.Context, roomID string, topic Topic, handler Handler) (Subscription, error) {
	subj := subject(roomID, topic)
	sub, err := b.nc.Subscribe(subj, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, backendErr("subscribe "+subj, err)
	}

	// The server only knows about the interest once the SUB is flushed.
	flush := b.nc.Flush
	if _, ok := ctx.Deadline(); ok {
		flush = func() error { return b.nc.FlushWithContext(ctx) }
	}
	if err := flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, backendErr("flush "+subj, err)
	}

	return natsSubscription{sub}, nil
}

func (b *NatsBus) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}
