package coordinator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hilthontt/ephemera/internal/domain"
	"github.com/hilthontt/ephemera/internal/infrastructure/eventbus"
	"github.com/hilthontt/ephemera/internal/infrastructure/identity"
	"github.com/hilthontt/ephemera/internal/infrastructure/logging"
	"github.com/hilthontt/ephemera/internal/infrastructure/repository"
	"github.com/hilthontt/ephemera/internal/infrastructure/sanitize"
	"github.com/hilthontt/ephemera/internal/infrastructure/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSocket struct {
	mu      sync.Mutex
	events  []*ws.Event
	closed  bool
	failing bool
}

func (s *fakeSocket) Send(ev *ws.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return ws.ErrSendBufferFull
	}
	if s.closed {
		return ws.ErrSocketClosed
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSocket) Close(int, string) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSocket) Fail() {
	s.mu.Lock()
	s.failing = true
	s.mu.Unlock()
}

func (s *fakeSocket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		types = append(types, ev.Type)
	}
	return types
}

// Last returns the most recent event of the given type.
func (s *fakeSocket) Last(eventType string) *ws.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == eventType {
			return s.events[i]
		}
	}
	return nil
}

func (s *fakeSocket) Reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) PublishRoomCreated(ctx context.Context, room *domain.Room) error {
	return m.Called(ctx, room).Error(0)
}

func (m *mockNotifier) PublishRoomClosed(ctx context.Context, roomID string, reason domain.CloseReason) error {
	return m.Called(ctx, roomID, reason).Error(0)
}

func (m *mockNotifier) PublishMemberJoined(ctx context.Context, room *domain.Room, userID string) error {
	return m.Called(ctx, room, userID).Error(0)
}

func (m *mockNotifier) PublishMemberLeft(ctx context.Context, room *domain.Room, userID string) error {
	return m.Called(ctx, room, userID).Error(0)
}

func (m *mockNotifier) PublishMemberKicked(ctx context.Context, room *domain.Room, userID string) error {
	return m.Called(ctx, room, userID).Error(0)
}

func newMockNotifier() *mockNotifier {
	n := new(mockNotifier)
	n.On("PublishRoomCreated", mock.Anything, mock.Anything).Return(nil).Maybe()
	n.On("PublishRoomClosed", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	n.On("PublishMemberJoined", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	n.On("PublishMemberLeft", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	n.On("PublishMemberKicked", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return n
}

type harness struct {
	coord    *Coordinator
	store    domain.RoomStore
	registry *ws.Registry
	tokens   *identity.TokenService
	notifier *mockNotifier
	clock    *fakeClock
}

type harnessConfig struct {
	bus  eventbus.Bus
	opts []Option
}

type harnessOption func(*harnessConfig)

func withBus(bus eventbus.Bus) harnessOption {
	return func(c *harnessConfig) { c.bus = bus }
}

func withOptions(opts ...Option) harnessOption {
	return func(c *harnessConfig) { c.opts = append(c.opts, opts...) }
}

func newHarness(t *testing.T, hopts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{}
	for _, o := range hopts {
		o(&cfg)
	}
	if cfg.bus == nil {
		bus := eventbus.NewMemoryBus()
		t.Cleanup(func() { _ = bus.Close() })
		cfg.bus = bus
	}

	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := repository.NewMemoryRoomStore(repository.WithClock(clock.Now))
	registry := ws.NewRegistry(cfg.bus, logging.NewNopLogger(), ws.WithRegistryClock(clock.Now))
	tokens, err := identity.NewTokenService("coordinator-test-secret-0123456789", time.Hour)
	require.NoError(t, err)
	notifier := newMockNotifier()

	opts := append([]Option{WithNotifier(notifier), WithClock(clock.Now)}, cfg.opts...)
	coord := New(store, cfg.bus, registry, tokens, logging.NewNopLogger(), opts...)

	return &harness{
		coord:    coord,
		store:    store,
		registry: registry,
		tokens:   tokens,
		notifier: notifier,
		clock:    clock,
	}
}

func (h *harness) connect(t *testing.T, connID, userID, name string) *fakeSocket {
	t.Helper()
	socket := &fakeSocket{}
	require.NoError(t, h.coord.Connect(context.Background(), connID, domain.Identity{UserID: userID, Name: name}, socket))
	return socket
}

func roomSpec(maxParticipants int) domain.CreateRoomSpec {
	return domain.CreateRoomSpec{
		Name:            "Standup",
		Duration:        15,
		MaxParticipants: maxParticipants,
	}
}

// hostRoom connects alice, has her create a room and returns its id.
func (h *harness) hostRoom(t *testing.T, maxParticipants int) (string, *fakeSocket) {
	t.Helper()
	socket := h.connect(t, "c-alice", "alice", "Alice")
	ticket, err := h.coord.CreateRoom(context.Background(), "c-alice", domain.Identity{}, roomSpec(maxParticipants))
	require.NoError(t, err)
	return ticket.Room.ID, socket
}

func (h *harness) roster(t *testing.T, roomID string) []string {
	t.Helper()
	room, err := h.store.GetRoom(context.Background(), roomID)
	require.NoError(t, err)
	return room.Roster()
}

func (h *harness) bound(connID string) string {
	conn, ok := h.registry.Get(connID)
	if !ok {
		return ""
	}
	return conn.RoomID
}

func TestCoordinator_CreateJoinAndMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomID, alice := h.hostRoom(t, 4)

	assert.Equal(t, roomID, h.bound("c-alice"))
	hostConn, ok := h.registry.Get("c-alice")
	require.True(t, ok)
	assert.Equal(t, domain.RoleHost, hostConn.Identity.Role)

	bob := h.connect(t, "c-bob", "bob", "Bob")
	ticket, err := h.coord.Join(ctx, "c-bob", roomID, "Bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob"}, ticket.Room.Roster())

	bobClaims, err := h.tokens.Verify(ticket.Token)
	require.NoError(t, err)
	assert.Equal(t, roomID, bobClaims.RoomID)
	assert.Equal(t, domain.RoleParticipant, bobClaims.Role)

	require.NoError(t, h.coord.SendMessage(ctx, "c-bob", "  hello there  "))

	assert.Equal(t, []string{ws.EventConnected, ws.EventUserJoined, ws.EventParticipantsUpdate, ws.EventMessage}, alice.Types())
	assert.Equal(t, []string{ws.EventConnected, ws.EventParticipantsUpdate, ws.EventMessage}, bob.Types())

	msg := alice.Last(ws.EventMessage).Message
	require.NotNil(t, msg)
	assert.Equal(t, "hello there", msg.Text)
	assert.Equal(t, "Bob", msg.SenderDisplayName)

	room, err := h.store.GetRoom(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, room.Messages, 1)

	h.notifier.AssertCalled(t, "PublishRoomCreated", mock.Anything, mock.Anything)
	h.notifier.AssertCalled(t, "PublishMemberJoined", mock.Anything, mock.Anything, "bob")
}

func TestCoordinator_JoinRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomID, _ := h.hostRoom(t, 2)

	h.connect(t, "c-bob", "bob", "Bob")
	_, err := h.coord.Join(ctx, "c-bob", roomID, "Bob")
	require.NoError(t, err)

	t.Run("same room twice when full", func(t *testing.T) {
		_, err := h.coord.Join(ctx, "c-bob", roomID, "Bob")
		assert.ErrorIs(t, err, domain.ErrRoomFull)
		assert.Equal(t, roomID, h.bound("c-bob"))
	})

	t.Run("full", func(t *testing.T) {
		carol := h.connect(t, "c-carol", "carol", "Carol")
		_, err := h.coord.Join(ctx, "c-carol", roomID, "Carol")
		assert.ErrorIs(t, err, domain.ErrRoomFull)
		assert.Empty(t, h.bound("c-carol"))
		assert.Equal(t, []string{ws.EventConnected}, carol.Types())
	})

	t.Run("unknown room", func(t *testing.T) {
		h.connect(t, "c-dave", "dave", "Dave")
		_, err := h.coord.Join(ctx, "c-dave", "ZZZZZZ", "Dave")
		assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	})

	t.Run("bad display name", func(t *testing.T) {
		h.connect(t, "c-erin", "erin", "Erin")
		_, err := h.coord.Join(ctx, "c-erin", roomID, "")
		assert.ErrorIs(t, err, domain.ErrValidationFailed)
	})

	t.Run("unknown connection", func(t *testing.T) {
		_, err := h.coord.Join(ctx, "nope", roomID, "Nope")
		assert.ErrorIs(t, err, ws.ErrConnectionNotFound)
	})

	assert.Equal(t, []string{"Alice", "Bob"}, h.roster(t, roomID))
	h.notifier.AssertNumberOfCalls(t, "PublishMemberJoined", 1)
}

func TestCoordinator_ConcurrentJoinsRespectCapacity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomID, _ := h.hostRoom(t, 3)

	const joiners = 10
	for i := 0; i < joiners; i++ {
		id := string(rune('a' + i))
		h.connect(t, "c-"+id, "user-"+id, "User "+id)
	}

	var admitted, full atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		id := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coord.Join(ctx, "c-"+id, roomID, "User "+id)
			if err == nil {
				admitted.Add(1)
				return
			}
			assert.ErrorIs(t, err, domain.ErrRoomFull)
			full.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), admitted.Load())
	assert.Equal(t, int32(joiners-2), full.Load())
	assert.Len(t, h.roster(t, roomID), 3)
}

func TestCoordinator_JoinElsewhereLeavesPreviousRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomA, alice := h.hostRoom(t, 4)

	h.connect(t, "c-carol", "carol", "Carol")
	ticketB, err := h.coord.CreateRoom(ctx, "c-carol", domain.Identity{}, roomSpec(4))
	require.NoError(t, err)

	h.connect(t, "c-bob", "bob", "Bob")
	_, err = h.coord.Join(ctx, "c-bob", roomA, "Bob")
	require.NoError(t, err)
	alice.Reset()

	_, err = h.coord.Join(ctx, "c-bob", ticketB.Room.ID, "Bob")
	require.NoError(t, err)

	assert.Equal(t, ticketB.Room.ID, h.bound("c-bob"))
	assert.Equal(t, []string{"Alice"}, h.roster(t, roomA))
	assert.Equal(t, []string{ws.EventUserLeft, ws.EventParticipantsUpdate}, alice.Types())
}

func TestCoordinator_FailedJoinKeepsCurrentRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomA, alice := h.hostRoom(t, 4)
	bob := h.connect(t, "c-bob", "bob", "Bob")
	_, err := h.coord.Join(ctx, "c-bob", roomA, "Bob")
	require.NoError(t, err)

	h.connect(t, "c-carol", "carol", "Carol")
	full, err := h.coord.CreateRoom(ctx, "c-carol", domain.Identity{}, roomSpec(2))
	require.NoError(t, err)
	h.connect(t, "c-dave", "dave", "Dave")
	_, err = h.coord.Join(ctx, "c-dave", full.Room.ID, "Dave")
	require.NoError(t, err)

	h.connect(t, "c-erin", "erin", "Erin")
	locked, err := h.coord.CreateRoom(ctx, "c-erin", domain.Identity{}, roomSpec(4))
	require.NoError(t, err)
	_, err = h.coord.Lock(ctx, "c-erin")
	require.NoError(t, err)

	tests := []struct {
		name        string
		connID      string
		target      string
		displayName string
		want        error
	}{
		{"host to unknown room", "c-alice", "no-such-room-1234", "Alice", domain.ErrRoomNotFound},
		{"host to full room", "c-alice", full.Room.ID, "Alice", domain.ErrRoomFull},
		{"host to locked room", "c-alice", locked.Room.ID, "Alice", domain.ErrRoomLocked},
		{"participant to unknown room", "c-bob", "no-such-room-1234", "Bob", domain.ErrRoomNotFound},
		{"participant with bad name", "c-bob", locked.Room.ID, "", domain.ErrValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alice.Reset()
			bob.Reset()

			_, err := h.coord.Join(ctx, tt.connID, tt.target, tt.displayName)

			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, roomA, h.bound("c-alice"))
			assert.Equal(t, roomA, h.bound("c-bob"))
			assert.Equal(t, []string{"Alice", "Bob"}, h.roster(t, roomA))
			assert.Empty(t, alice.Types())
			assert.Empty(t, bob.Types())
		})
	}
	h.notifier.AssertNotCalled(t, "PublishRoomClosed", mock.Anything, roomA, mock.Anything)
	h.notifier.AssertNotCalled(t, "PublishMemberLeft", mock.Anything, mock.Anything, mock.Anything)
}

func TestCoordinator_InvalidCreateKeepsCurrentRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomA, alice := h.hostRoom(t, 4)
	bob := h.connect(t, "c-bob", "bob", "Bob")
	_, err := h.coord.Join(ctx, "c-bob", roomA, "Bob")
	require.NoError(t, err)
	alice.Reset()
	bob.Reset()

	invalid := roomSpec(4)
	invalid.Duration = 7

	for _, connID := range []string{"c-alice", "c-bob"} {
		_, err := h.coord.CreateRoom(ctx, connID, domain.Identity{}, invalid)
		assert.ErrorIs(t, err, domain.ErrValidationFailed)
	}

	assert.Equal(t, roomA, h.bound("c-alice"))
	assert.Equal(t, roomA, h.bound("c-bob"))
	assert.Equal(t, []string{"Alice", "Bob"}, h.roster(t, roomA))
	assert.Empty(t, alice.Types())
	assert.Empty(t, bob.Types())
}

func TestCoordinator_CreateFromBoundConnectionMovesIt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomA, _ := h.hostRoom(t, 4)
	bob := h.connect(t, "c-bob", "bob", "Bob")
	_, err := h.coord.Join(ctx, "c-bob", roomA, "Bob")
	require.NoError(t, err)

	ticket, err := h.coord.CreateRoom(ctx, "c-alice", domain.Identity{}, roomSpec(4))
	require.NoError(t, err)

	assert.Equal(t, ticket.Room.ID, h.bound("c-alice"))
	assert.Equal(t, []string{"Alice"}, ticket.Room.Roster())
	closed := bob.Last(ws.EventRoomClosed)
	require.NotNil(t, closed)
	assert.Equal(t, string(domain.CloseReasonHostLeft), closed.Reason)
	_, err = h.store.GetRoom(ctx, roomA)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestCoordinator_RejoinCurrentRoomReportsRoomState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomID, _ := h.hostRoom(t, 4)
	h.connect(t, "c-bob", "bob", "Bob")
	_, err := h.coord.Join(ctx, "c-bob", roomID, "Bob")
	require.NoError(t, err)

	_, err = h.coord.Join(ctx, "c-bob", roomID, "Bob")
	assert.ErrorIs(t, err, domain.ErrAlreadyInRoom)

	_, err = h.coord.Lock(ctx, "c-alice")
	require.NoError(t, err)
	_, err = h.coord.Join(ctx, "c-bob", roomID, "Bob")
	assert.ErrorIs(t, err, domain.ErrRoomLocked)

	h.clock.Advance(16 * time.Minute)
	_, err = h.coord.Join(ctx, "c-bob", roomID, "Bob")
	assert.ErrorIs(t, err, domain.ErrRoomExpired)

	assert.Equal(t, roomID, h.bound("c-bob"))
}

func TestCoordinator_HostLeaveClosesRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomID, alice := h.hostRoom(t, 4)
	bob := h.connect(t, "c-bob", "bob", "Bob")
	_, err := h.coord.Join(ctx, "c-bob", roomID, "Bob")
	require.NoError(t, err)
	alice.Reset()

	result, err := h.coord.Leave(ctx, "c-alice")
	require.NoError(t, err)

	assert.True(t, result.Destroyed)
	assert.Equal(t, domain.CloseReasonHostLeft, result.Reason)
	claims, err := h.tokens.Verify(result.Token)
	require.NoError(t, err)
	assert.Empty(t, claims.RoomID)

	closed := bob.Last(ws.EventRoomClosed)
	require.NotNil(t, closed)
	assert.Equal(t, string(domain.CloseReasonHostLeft), closed.Reason)
	assert.Empty(t, alice.Types())
	assert.Empty(t, h.bound("c-alice"))
	assert.Empty(t, h.bound("c-bob"))

	_, err = h.store.GetRoom(ctx, roomID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	h.notifier.AssertCalled(t, "PublishRoomClosed", mock.Anything, roomID, domain.CloseReasonHostLeft)

	_, err = h.coord.Leave(ctx, "c-bob")
	assert.ErrorIs(t, err, domain.ErrNotInRoom)
}

func TestCoordinator_ParticipantLeave(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomID, alice := h.hostRoom(t, 4)
	h.connect(t, "c-bob", "bob", "Bob")
	_, err := h.coord.Join(ctx, "c-bob", roomID, "Bob")
	require.NoError(t, err)
	alice.Reset()

	result, err := h.coord.Leave(ctx, "c-bob")
	require.NoError(t, err)

	assert.False(t, result.Destroyed)
	assert.Equal(t, []string{ws.EventUserLeft, ws.EventParticipantsUpdate}, alice.Types())
	assert.Equal(t, []string{"Alice"}, alice.Last(ws.EventParticipantsUpdate).Users)
	h.notifier.AssertCalled(t, "PublishMemberLeft", mock.Anything, mock.Anything, "bob")
}

func TestCoordinator_SweepExpiredRooms(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomID, alice := h.hostRoom(t, 4)
	bob := h.connect(t, "c-bob", "bob", "Bob")
	_, err := h.coord.Join(ctx, "c-bob", roomID, "Bob")
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	n, err := h.coord.SweepExpiredRooms(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(6 * time.Minute)

	h.connect(t, "c-carol", "carol", "Carol")
	_, err = h.coord.Join(ctx, "c-carol", roomID, "Carol")
	assert.ErrorIs(t, err, domain.ErrRoomExpired)

	n, err = h.coord.SweepExpiredRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, socket := range []*fakeSocket{alice, bob} {
		closed := socket.Last(ws.EventRoomClosed)
		require.NotNil(t, closed)
		assert.Equal(t, string(domain.CloseReasonExpired), closed.Reason)
	}
	assert.Empty(t, h.bound("c-alice"))
	assert.Empty(t, h.bound("c-bob"))
	h.notifier.AssertCalled(t, "PublishRoomClosed", mock.Anything, roomID, domain.CloseReasonExpired)
}

func TestCoordinator_Kick(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomID, alice := h.hostRoom(t, 4)
	bob := h.connect(t, "c-bob", "bob", "Bob")
	_, err := h.coord.Join(ctx, "c-bob", roomID, "Bob")
	require.NoError(t, err)
	alice.Reset()
	bob.Reset()

	kicked, err := h.coord.Kick(ctx, "c-bob", "alice")
	assert.False(t, kicked)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	kicked, err = h.coord.Kick(ctx, "c-alice", "alice")
	require.NoError(t, err)
	assert.False(t, kicked, "host cannot be kicked")

	kicked, err = h.coord.Kick(ctx, "c-alice", "nobody")
	require.NoError(t, err)
	assert.False(t, kicked)

	kicked, err = h.coord.Kick(ctx, "c-alice", "bob")
	require.NoError(t, err)
	assert.True(t, kicked)

	assert.Equal(t, []string{ws.EventKicked}, bob.Types())
	assert.Empty(t, h.bound("c-bob"))
	assert.Equal(t, []string{ws.EventParticipantsUpdate}, alice.Types())
	assert.Equal(t, []string{"Alice"}, h.roster(t, roomID))
	h.notifier.AssertCalled(t, "PublishMemberKicked", mock.Anything, mock.Anything, "bob")

	_, err = h.coord.Join(ctx, "c-bob", roomID, "Bob")
	assert.NoError(t, err, "a kicked user may come back")
}

func TestCoordinator_Lock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomID, _ := h.hostRoom(t, 4)
	bob := h.connect(t, "c-bob", "bob", "Bob")
	_, err := h.coord.Join(ctx, "c-bob", roomID, "Bob")
	require.NoError(t, err)

	locked, err := h.coord.Lock(ctx, "c-bob")
	assert.False(t, locked)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	locked, err = h.coord.Lock(ctx, "c-alice")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.NotNil(t, bob.Last(ws.EventRoomLocked))

	locked, err = h.coord.Lock(ctx, "c-alice")
	require.NoError(t, err)
	assert.True(t, locked)

	h.connect(t, "c-carol", "carol", "Carol")
	_, err = h.coord.Join(ctx, "c-carol", roomID, "Carol")
	assert.ErrorIs(t, err, domain.ErrRoomLocked)

	info, err := h.coord.GetRoomInfo(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, info.IsLocked)
	assert.Equal(t, 2, info.ParticipantCount)
}

func TestCoordinator_SendMessageValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withOptions(WithSanitizer(sanitize.New([]string{"darn"}))))
	roomID, alice := h.hostRoom(t, 4)
	h.connect(t, "c-bob", "bob", "Bob")

	assert.ErrorIs(t, h.coord.SendMessage(ctx, "c-bob", "hi"), domain.ErrNotInRoom)

	_, err := h.coord.Join(ctx, "c-bob", roomID, "Bob")
	require.NoError(t, err)
	alice.Reset()

	for name, text := range map[string]string{
		"empty":    "   ",
		"too long": strings.Repeat("x", domain.DefaultMaxMessageLength+1),
		"blocked":  "well darn it",
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, h.coord.SendMessage(ctx, "c-bob", text), domain.ErrValidationFailed)
		})
	}

	assert.Empty(t, alice.Types())
	room, err := h.store.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Empty(t, room.Messages)
}

func TestCoordinator_MessageOrderIsSharedByAllMembers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomID, alice := h.hostRoom(t, 4)
	bob := h.connect(t, "c-bob", "bob", "Bob")
	_, err := h.coord.Join(ctx, "c-bob", roomID, "Bob")
	require.NoError(t, err)
	alice.Reset()
	bob.Reset()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		conn := "c-alice"
		if i%2 == 1 {
			conn = "c-bob"
		}
		text := "msg " + string(rune('A'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.coord.SendMessage(ctx, conn, text))
		}()
	}
	wg.Wait()

	texts := func(s *fakeSocket) []string {
		s.mu.Lock()
		defer s.mu.Unlock()
		var out []string
		for _, ev := range s.events {
			if ev.Type == ws.EventMessage {
				out = append(out, ev.Message.Text)
			}
		}
		return out
	}

	require.Len(t, texts(alice), 20)
	assert.Equal(t, texts(alice), texts(bob))

	room, err := h.store.GetRoom(ctx, roomID)
	require.NoError(t, err)
	stored := make([]string, 0, len(room.Messages))
	for _, m := range room.Messages {
		stored = append(stored, m.Text)
	}
	assert.Equal(t, stored, texts(alice))
}

func TestCoordinator_SweepIdleConnections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomID, alice := h.hostRoom(t, 4)
	bob := h.connect(t, "c-bob", "bob", "Bob")
	_, err := h.coord.Join(ctx, "c-bob", roomID, "Bob")
	require.NoError(t, err)
	alice.Reset()

	h.clock.Advance(4 * time.Minute)
	require.NoError(t, h.coord.Heartbeat(ctx, "c-alice"))
	h.clock.Advance(2 * time.Minute)

	removed := h.coord.SweepIdleConnections(ctx, 5*time.Minute)

	assert.Equal(t, 1, removed)
	assert.True(t, bob.IsClosed())
	assert.Equal(t, []string{"Alice"}, h.roster(t, roomID))
	assert.Equal(t, []string{ws.EventUserLeft, ws.EventParticipantsUpdate}, alice.Types())
}

func TestCoordinator_EvictionLeavesRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomID, alice := h.hostRoom(t, 4)
	bob := h.connect(t, "c-bob", "bob", "Bob")
	_, err := h.coord.Join(ctx, "c-bob", roomID, "Bob")
	require.NoError(t, err)
	bob.Fail()

	require.NoError(t, h.coord.SendMessage(ctx, "c-alice", "anyone there?"))

	assert.Eventually(t, func() bool {
		room, err := h.store.GetRoom(ctx, roomID)
		return err == nil && len(room.Participants) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return alice.Last(ws.EventUserLeft) != nil
	}, time.Second, 10*time.Millisecond)
	_, ok := h.registry.Get("c-bob")
	assert.False(t, ok)
}

func TestCoordinator_DisconnectKeepsOtherTabs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withOptions(WithAutoRejoin(true)))

	host, err := domain.NewGuestIdentity("Alice")
	require.NoError(t, err)
	ticket, err := h.coord.CreateRoom(ctx, "", host, roomSpec(4))
	require.NoError(t, err)
	claims, err := h.tokens.Verify(ticket.Token)
	require.NoError(t, err)

	first, second := &fakeSocket{}, &fakeSocket{}
	require.NoError(t, h.coord.Connect(ctx, "tab-1", claims, first))
	require.NoError(t, h.coord.Connect(ctx, "tab-2", claims, second))
	assert.Equal(t, []string{ws.EventConnected, ws.EventJoinedRoom}, first.Types())
	assert.Equal(t, ticket.Room.ID, h.bound("tab-2"))

	require.NoError(t, h.coord.Disconnect(ctx, "tab-1"))
	assert.Equal(t, []string{"Alice"}, h.roster(t, ticket.Room.ID))

	require.NoError(t, h.coord.Disconnect(ctx, "tab-2"))
	_, err = h.store.GetRoom(ctx, ticket.Room.ID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestCoordinator_ConnectWithoutAutoRejoin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	host, err := domain.NewGuestIdentity("Alice")
	require.NoError(t, err)
	ticket, err := h.coord.CreateRoom(ctx, "", host, roomSpec(4))
	require.NoError(t, err)
	claims, err := h.tokens.Verify(ticket.Token)
	require.NoError(t, err)

	socket := &fakeSocket{}
	require.NoError(t, h.coord.Connect(ctx, "c-1", claims, socket))

	assert.Equal(t, []string{ws.EventConnected}, socket.Types())
	assert.Empty(t, h.bound("c-1"))
}

func TestCoordinator_AutoRejoinNeedsMembership(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withOptions(WithAutoRejoin(true)))
	roomID, _ := h.hostRoom(t, 4)

	stranger := domain.Identity{UserID: "mallory", Name: "Mallory", RoomID: roomID, Role: domain.RoleParticipant}
	socket := &fakeSocket{}
	require.NoError(t, h.coord.Connect(ctx, "c-m", stranger, socket))

	assert.Equal(t, []string{ws.EventConnected}, socket.Types())
	assert.Empty(t, h.bound("c-m"))
}

type unsubscribableBus struct {
	*eventbus.MemoryBus
}

func (unsubscribableBus) Subscribe(context.Context, string, eventbus.Topic, eventbus.Handler) (eventbus.Subscription, error) {
	return nil, domain.ErrBackendUnavailable
}

func TestCoordinator_BindFailureIsUndone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withBus(unsubscribableBus{eventbus.NewMemoryBus()}))

	h.connect(t, "c-alice", "alice", "Alice")
	_, err := h.coord.CreateRoom(ctx, "c-alice", domain.Identity{}, roomSpec(4))
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	stats, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRooms)

	host, err := domain.NewGuestIdentity("Carol")
	require.NoError(t, err)
	ticket, err := h.coord.CreateRoom(ctx, "", host, roomSpec(4))
	require.NoError(t, err)

	h.connect(t, "c-bob", "bob", "Bob")
	_, err = h.coord.Join(ctx, "c-bob", ticket.Room.ID, "Bob")
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	assert.Equal(t, []string{"Carol"}, h.roster(t, ticket.Room.ID))
	assert.Empty(t, h.bound("c-bob"))
	h.notifier.AssertNotCalled(t, "PublishMemberJoined", mock.Anything, mock.Anything, "bob")
}

func TestCoordinator_NotifierFailureDoesNotFailOperation(t *testing.T) {
	ctx := context.Background()
	notifier := new(mockNotifier)
	notifier.On("PublishRoomCreated", mock.Anything, mock.Anything).Return(assert.AnError).Once()
	h := newHarness(t, withOptions(WithNotifier(notifier)))

	h.connect(t, "c-alice", "alice", "Alice")
	_, err := h.coord.CreateRoom(ctx, "c-alice", domain.Identity{}, roomSpec(4))

	assert.NoError(t, err)
	notifier.AssertExpectations(t)
}

func TestCoordinator_RefreshAndGuestTokens(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	guest, token, err := h.coord.MintGuest("  Dana ")
	require.NoError(t, err)
	assert.Equal(t, "Dana", guest.Name)
	assert.NotEmpty(t, guest.UserID)

	refreshed, id, err := h.coord.RefreshToken(ctx, token)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed)
	assert.Equal(t, guest.UserID, id.UserID)

	_, _, err = h.coord.MintGuest("x")
	assert.ErrorIs(t, err, domain.ErrValidationFailed)

	_, _, err = h.coord.RefreshToken(ctx, "garbage")
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
}

func TestCoordinator_StatsAndShutdown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	roomID, alice := h.hostRoom(t, 4)
	bob := h.connect(t, "c-bob", "bob", "Bob")
	_, err := h.coord.Join(ctx, "c-bob", roomID, "Bob")
	require.NoError(t, err)

	stats, err := h.coord.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Store.TotalRooms)
	assert.Equal(t, 2, stats.Store.TotalParticipants)
	assert.Equal(t, 2, stats.Registry.Connections)

	require.NoError(t, h.coord.Shutdown(ctx))

	assert.True(t, alice.IsClosed())
	assert.True(t, bob.IsClosed())
	assert.Equal(t, ws.ErrMsgServerShutdown, bob.Last(ws.EventError).Error)
	assert.Equal(t, []string{"Alice", "Bob"}, h.roster(t, roomID))
}
