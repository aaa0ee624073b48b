// Package coordinator drives room membership: it mutates the room store,
// binds live connections in the registry and publishes what changed on the
// event bus, one room at a time.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hilthontt/ephemera/internal/domain"
	"github.com/hilthontt/ephemera/internal/infrastructure/eventbus"
	"github.com/hilthontt/ephemera/internal/infrastructure/events"
	"github.com/hilthontt/ephemera/internal/infrastructure/keylock"
	"github.com/hilthontt/ephemera/internal/infrastructure/logging"
	"github.com/hilthontt/ephemera/internal/infrastructure/metrics"
	"github.com/hilthontt/ephemera/internal/infrastructure/sanitize"
	"github.com/hilthontt/ephemera/internal/infrastructure/ws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultOperationTimeout = 5 * time.Second

// TokenIssuer mints and refreshes identity tokens.
type TokenIssuer interface {
	Mint(identity domain.Identity) (string, error)
	Refresh(raw string) (string, domain.Identity, error)
}

// Notifier receives committed lifecycle changes. Failures are logged only.
type Notifier interface {
	PublishRoomCreated(ctx context.Context, room *domain.Room) error
	PublishRoomClosed(ctx context.Context, roomID string, reason domain.CloseReason) error
	PublishMemberJoined(ctx context.Context, room *domain.Room, userID string) error
	PublishMemberLeft(ctx context.Context, room *domain.Room, userID string) error
	PublishMemberKicked(ctx context.Context, room *domain.Room, userID string) error
}

type Sanitizer interface {
	Clean(text string) string
	Blocked(text string) bool
}

// RoomTicket is a room snapshot plus the token that proves membership.
type RoomTicket struct {
	Room  *domain.Room
	Token string
}

type LeaveResult struct {
	Destroyed bool
	Reason    domain.CloseReason
	Token     string
}

type Stats struct {
	Store    domain.StoreStats `json:"store"`
	Registry ws.Stats          `json:"registry"`
}

type Coordinator struct {
	store    domain.RoomStore
	bus      eventbus.Bus
	registry *ws.Registry
	tokens   TokenIssuer
	logger   logging.Logger

	notifier   Notifier
	metrics    *metrics.Metrics
	sanitizer  Sanitizer
	tracer     trace.Tracer
	locks      *keylock.KeyedMutex
	opTimeout  time.Duration
	autoRejoin bool
	now        func() time.Time
}

type Option func(*Coordinator)

func WithOperationTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.opTimeout = d
		}
	}
}

// WithAutoRejoin binds a new connection to the room named in its token when
// the bearer is still on that room's roster.
func WithAutoRejoin(enabled bool) Option {
	return func(c *Coordinator) { c.autoRejoin = enabled }
}

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithSanitizer(s Sanitizer) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.sanitizer = s
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New wires the coordinator into the registry: bus traffic for local rooms
// and evictions after failed sends both flow back through it.
func New(store domain.RoomStore, bus eventbus.Bus, registry *ws.Registry, tokens TokenIssuer, logger logging.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		bus:       bus,
		registry:  registry,
		tokens:    tokens,
		logger:    logger,
		notifier:  events.NopPublisher{},
		sanitizer: sanitize.New(nil),
		tracer:    otel.Tracer("coordinator"),
		locks:     keylock.New(),
		opTimeout: DefaultOperationTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	registry.SetDispatcher(c.dispatch)
	registry.OnEvict(c.handleEviction)
	return c
}

func (c *Coordinator) GetRoomInfo(ctx context.Context, roomID string) (domain.RoomInfo, error) {
	ctx, end := c.begin(ctx, "GetRoomInfo", roomAttr(roomID))
	var err error
	defer func() { end(err) }()

	var room *domain.Room
	room, err = c.store.GetRoom(ctx, roomID)
	if err != nil {
		err = backend(err)
		return domain.RoomInfo{}, err
	}
	return room.Info(), nil
}

func (c *Coordinator) RefreshToken(_ context.Context, raw string) (string, domain.Identity, error) {
	return c.tokens.Refresh(raw)
}

// MintGuest creates an identity with no room and its token.
func (c *Coordinator) MintGuest(name string) (domain.Identity, string, error) {
	identity, err := domain.NewGuestIdentity(name)
	if err != nil {
		return domain.Identity{}, "", err
	}
	token, err := c.tokens.Mint(identity)
	if err != nil {
		return domain.Identity{}, "", err
	}
	return identity, token, nil
}

func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	storeStats, err := c.store.Stats(ctx)
	if err != nil {
		return Stats{}, backend(err)
	}
	return Stats{Store: storeStats, Registry: c.registry.Stats()}, nil
}

// begin starts a span bounded by the operation timeout. The returned func
// records err, ends the span and releases the deadline.
func (c *Coordinator) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	ctx, span := c.tracer.Start(ctx, "coordinator."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		cancel()
	}
}

func roomAttr(roomID string) attribute.KeyValue {
	return attribute.String("room.id", roomID)
}

// lockRoom serialises every mutation and publish of one room.
func (c *Coordinator) lockRoom(ctx context.Context, roomID string) (func(), error) {
	unlock, err := c.locks.Lock(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for room %s: %w", domain.ErrBackendUnavailable, roomID, err)
	}
	return unlock, nil
}

// lockRooms holds several rooms at once in a fixed order. Empty ids are
// skipped.
func (c *Coordinator) lockRooms(ctx context.Context, roomIDs ...string) (func(), error) {
	unlock, err := c.locks.LockAll(ctx, roomIDs...)
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for rooms %v: %w", domain.ErrBackendUnavailable, roomIDs, err)
	}
	return unlock, nil
}

// backend makes sure a deadline or cancellation surfaces as a backend error.
func backend(err error) error {
	if err == nil || errors.Is(err, domain.ErrBackendUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
	}
	return err
}

func (c *Coordinator) connection(connID string) (ws.Connection, error) {
	conn, ok := c.registry.Get(connID)
	if !ok {
		return ws.Connection{}, ws.ErrConnectionNotFound
	}
	return conn, nil
}

func (c *Coordinator) boundConnection(connID string) (ws.Connection, error) {
	conn, err := c.connection(connID)
	if err != nil {
		return conn, err
	}
	if !conn.Bound() {
		return conn, domain.ErrNotInRoom
	}
	return conn, nil
}

func (c *Coordinator) notify(op string, roomID string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		c.logger.Warn(logging.RabbitMQ, logging.ExternalService, "lifecycle notification failed", map[logging.ExtraKey]any{
			logging.RoomID:       roomID,
			logging.Reason:       op,
			logging.ErrorMessage: err.Error(),
		})
	}
}

func joinLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrRoomFull):
		return "full"
	case errors.Is(err, domain.ErrRoomLocked):
		return "locked"
	case errors.Is(err, domain.ErrAlreadyInRoom):
		return "duplicate"
	case errors.Is(err, domain.ErrRoomExpired):
		return "expired"
	case errors.Is(err, domain.ErrRoomNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrValidationFailed):
		return "invalid"
	default:
		return "error"
	}
}
