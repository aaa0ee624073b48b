package ws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorilla/websocket"
	"github.com/hilthontt/ephemera/internal/domain"
	"github.com/hilthontt/ephemera/internal/infrastructure/eventbus"
	"github.com/hilthontt/ephemera/internal/infrastructure/logging"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionExists   = errors.New("connection already registered")
)

// Connection is a snapshot of one live socket's state.
type Connection struct {
	ID           string          `json:"id"`
	Identity     domain.Identity `json:"identity"`
	RoomID       string          `json:"roomId,omitempty"`
	ConnectedAt  time.Time       `json:"connectedAt"`
	LastActivity time.Time       `json:"lastActivity"`
}

func (c Connection) Bound() bool {
	return c.RoomID != ""
}

// Dispatcher receives bus traffic for rooms that have local connections.
type Dispatcher func(roomID string, topic eventbus.Topic, payload []byte)

type Stats struct {
	Connections int            `json:"connections"`
	Rooms       map[string]int `json:"rooms"`
}

type entry struct {
	conn   Connection
	socket Socket
	sub    *roomSub
}

// roomSub is this process's bus subscription for one room, shared by every
// local connection bound to it.
type roomSub struct {
	refs     int
	ready    chan struct{}
	handles  []eventbus.Subscription
	err      error
	released bool
}

// Registry tracks live connections and the rooms they are bound to. Its lock
// is never held across bus I/O or socket writes.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
	rooms map[string]mapset.Set[string] // roomID -> connection ids
	subs  map[string]*roomSub

	bus      eventbus.Bus
	dispatch Dispatcher
	onEvict  func(Connection)
	logger   logging.Logger
	now      func() time.Time
}

type RegistryOption func(*Registry)

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(bus eventbus.Bus, logger logging.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		conns:  make(map[string]*entry),
		rooms:  make(map[string]mapset.Set[string]),
		subs:   make(map[string]*roomSub),
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDispatcher installs the bus handler. Call it before the first SetRoom.
func (r *Registry) SetDispatcher(d Dispatcher) {
	r.mu.Lock()
	r.dispatch = d
	r.mu.Unlock()
}

// OnEvict is called, on its own goroutine, with the last state of every
// connection dropped because a send to it failed.
func (r *Registry) OnEvict(fn func(Connection)) {
	r.mu.Lock()
	r.onEvict = fn
	r.mu.Unlock()
}

func (r *Registry) Register(connID string, identity domain.Identity, socket Socket) error {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connID]; exists {
		return ErrConnectionExists
	}
	r.conns[connID] = &entry{
		conn: Connection{
			ID:           connID,
			Identity:     identity,
			ConnectedAt:  now,
			LastActivity: now,
		},
		socket: socket,
	}
	return nil
}

func (r *Registry) Get(connID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return Connection{}, false
	}
	return e.conn, true
}

func (r *Registry) SetIdentity(connID string, identity domain.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return ErrConnectionNotFound
	}
	e.conn.Identity = identity
	return nil
}

func (r *Registry) Touch(connID string) error {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return ErrConnectionNotFound
	}
	e.conn.LastActivity = now
	return nil
}

// SetRoom binds the connection to roomID, or unbinds it when roomID is
// empty. The first local connection of a room subscribes it on the bus
// before SetRoom returns; the last one to go releases the subscription.
func (r *Registry) SetRoom(ctx context.Context, connID string, roomID string) error {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrConnectionNotFound
	}

	oldRoom := e.conn.RoomID
	if oldRoom == roomID {
		r.mu.Unlock()
		return nil
	}

	var released *roomSub
	if oldRoom != "" {
		released = r.unbindLocked(e)
	}

	var (
		sub   *roomSub
		first bool
	)
	if roomID != "" {
		sub, first = r.bindLocked(e, roomID)
	}
	r.mu.Unlock()

	r.releaseSub(oldRoom, released)
	if roomID == "" {
		return nil
	}

	if err := r.awaitSub(ctx, roomID, sub, first); err != nil {
		r.mu.Lock()
		var rollback *roomSub
		if cur, ok := r.conns[connID]; ok && cur.sub == sub {
			rollback = r.unbindLocked(cur)
		}
		r.mu.Unlock()
		r.releaseSub(roomID, rollback)
		return err
	}
	return nil
}

func (r *Registry) bindLocked(e *entry, roomID string) (*roomSub, bool) {
	e.conn.RoomID = roomID

	members, ok := r.rooms[roomID]
	if !ok {
		members = mapset.NewThreadUnsafeSet[string]()
		r.rooms[roomID] = members
	}
	members.Add(e.conn.ID)

	sub, ok := r.subs[roomID]
	first := !ok
	if first {
		sub = &roomSub{ready: make(chan struct{})}
		r.subs[roomID] = sub
	}
	sub.refs++
	e.sub = sub
	return sub, first
}

// unbindLocked returns the room subscription when this was its last user.
func (r *Registry) unbindLocked(e *entry) *roomSub {
	roomID := e.conn.RoomID
	e.conn.RoomID = ""

	if members, ok := r.rooms[roomID]; ok {
		members.Remove(e.conn.ID)
		if members.Cardinality() == 0 {
			delete(r.rooms, roomID)
		}
	}

	sub := e.sub
	e.sub = nil
	if sub == nil {
		return nil
	}
	sub.refs--
	if sub.refs > 0 {
		return nil
	}
	if r.subs[roomID] == sub {
		delete(r.subs, roomID)
	}
	sub.released = true
	return sub
}

func (r *Registry) awaitSub(ctx context.Context, roomID string, sub *roomSub, first bool) error {
	if !first {
		select {
		case <-sub.ready:
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for room subscription: %w", domain.ErrBackendUnavailable, ctx.Err())
		}
		r.mu.RLock()
		err := sub.err
		r.mu.RUnlock()
		return err
	}

	handles, err := r.subscribe(ctx, roomID, sub)

	r.mu.Lock()
	sub.err = err
	released := sub.released
	if err == nil && !released {
		sub.handles = handles
	}
	if err != nil && r.subs[roomID] == sub {
		delete(r.subs, roomID)
	}
	close(sub.ready)
	r.mu.Unlock()

	if released {
		r.unsubscribe(roomID, handles)
	}
	return err
}

func (r *Registry) subscribe(ctx context.Context, roomID string, sub *roomSub) ([]eventbus.Subscription, error) {
	handles := make([]eventbus.Subscription, 0, len(eventbus.Topics))
	for _, topic := range eventbus.Topics {
		handle, err := r.bus.Subscribe(ctx, roomID, topic, func(payload []byte) {
			r.deliver(roomID, topic, sub, payload)
		})
		if err != nil {
			r.unsubscribe(roomID, handles)
			return nil, err
		}
		handles = append(handles, handle)
	}

	r.logger.Debug(logging.WebSocket, logging.Subscribing, "subscribed room", map[logging.ExtraKey]any{
		logging.RoomID: roomID,
	})
	return handles, nil
}

// deliver drops traffic arriving on a subscription that is no longer the
// room's current one.
func (r *Registry) deliver(roomID string, topic eventbus.Topic, sub *roomSub, payload []byte) {
	r.mu.RLock()
	current := r.subs[roomID] == sub
	dispatch := r.dispatch
	r.mu.RUnlock()

	if current && dispatch != nil {
		dispatch(roomID, topic, payload)
	}
}

func (r *Registry) releaseSub(roomID string, sub *roomSub) {
	if sub == nil {
		return
	}

	r.mu.Lock()
	select {
	case <-sub.ready:
	default:
		// Still subscribing; awaitSub sees released and cleans up.
		r.mu.Unlock()
		return
	}
	handles := sub.handles
	sub.handles = nil
	r.mu.Unlock()

	r.unsubscribe(roomID, handles)
}

func (r *Registry) unsubscribe(roomID string, handles []eventbus.Subscription) {
	for _, h := range handles {
		if err := h.Unsubscribe(); err != nil {
			r.logger.Warn(logging.WebSocket, logging.Subscribing, "failed to unsubscribe room", map[logging.ExtraKey]any{
				logging.RoomID:       roomID,
				logging.ErrorMessage: err.Error(),
			})
		}
	}
}

// Remove forgets the connection and returns its last state, room included.
// The socket is left to the caller.
func (r *Registry) Remove(connID string) (Connection, error) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return Connection{}, ErrConnectionNotFound
	}

	conn := e.conn
	delete(r.conns, connID)
	var released *roomSub
	if conn.RoomID != "" {
		released = r.unbindLocked(e)
	}
	r.mu.Unlock()

	r.releaseSub(conn.RoomID, released)
	return conn, nil
}

// Send queues ev for one connection. A failed send removes the connection
// and closes its socket; it is not retried.
func (r *Registry) Send(connID string, ev *Event) bool {
	r.mu.RLock()
	e, ok := r.conns[connID]
	var socket Socket
	if ok {
		socket = e.socket
	}
	r.mu.RUnlock()

	if !ok {
		return false
	}
	if err := socket.Send(ev); err != nil {
		r.evict(connID, socket, err)
		return false
	}
	return true
}

type target struct {
	id     string
	userID string
	socket Socket
}

// BroadcastToRoom sends ev to every local connection in the room except
// those of excludeUserID and reports how many accepted it.
func (r *Registry) BroadcastToRoom(roomID string, ev *Event, excludeUserID string) int {
	r.mu.RLock()
	members, ok := r.rooms[roomID]
	targets := make([]target, 0)
	if ok {
		for _, id := range members.ToSlice() {
			e := r.conns[id]
			if e == nil || (excludeUserID != "" && e.conn.Identity.UserID == excludeUserID) {
				continue
			}
			targets = append(targets, target{id: id, userID: e.conn.Identity.UserID, socket: e.socket})
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, t := range targets {
		if err := t.socket.Send(ev); err != nil {
			r.evict(t.id, t.socket, err)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) evict(connID string, socket Socket, cause error) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok || e.socket != socket {
		r.mu.Unlock()
		return
	}
	conn := e.conn
	delete(r.conns, connID)
	var released *roomSub
	if conn.RoomID != "" {
		released = r.unbindLocked(e)
	}
	onEvict := r.onEvict
	r.mu.Unlock()

	r.releaseSub(conn.RoomID, released)
	socket.Close(websocket.CloseGoingAway, "send failed")

	r.logger.Warn(logging.WebSocket, logging.Eviction, "dropped connection after failed send", map[logging.ExtraKey]any{
		logging.ConnectionID: connID,
		logging.UserID:       conn.Identity.UserID,
		logging.RoomID:       conn.RoomID,
		logging.ErrorMessage: cause.Error(),
	})

	if onEvict != nil {
		go onEvict(conn)
	}
}

// ConnectionsInRoom lists the room's local connections, oldest first.
func (r *Registry) ConnectionsInRoom(roomID string) []Connection {
	r.mu.RLock()
	members, ok := r.rooms[roomID]
	conns := make([]Connection, 0)
	if ok {
		for _, id := range members.ToSlice() {
			if e := r.conns[id]; e != nil {
				conns = append(conns, e.conn)
			}
		}
	}
	r.mu.RUnlock()

	sortConnections(conns)
	return conns
}

func (r *Registry) ConnectionsForUser(roomID, userID string) []Connection {
	all := r.ConnectionsInRoom(roomID)
	out := all[:0]
	for _, c := range all {
		if c.Identity.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}

// SweepIdle drops connections silent for longer than timeout. Each gets a
// final error notice before its socket is closed. The returned snapshots
// keep their room so the caller can leave it.
func (r *Registry) SweepIdle(timeout time.Duration) []Connection {
	now := r.now()

	type releasedSub struct {
		roomID string
		sub    *roomSub
	}

	r.mu.Lock()
	var (
		removed  []Connection
		sockets  []Socket
		released []releasedSub
	)
	for id, e := range r.conns {
		if now.Sub(e.conn.LastActivity) <= timeout {
			continue
		}
		conn := e.conn
		delete(r.conns, id)
		if conn.RoomID != "" {
			released = append(released, releasedSub{conn.RoomID, r.unbindLocked(e)})
		}
		removed = append(removed, conn)
		sockets = append(sockets, e.socket)
	}
	r.mu.Unlock()

	for _, s := range sockets {
		_ = s.Send(NewError(ErrMsgInactive))
		s.Close(websocket.CloseNormalClosure, ErrMsgInactive)
	}
	for _, rel := range released {
		r.releaseSub(rel.roomID, rel.sub)
	}

	sortConnections(removed)
	return removed
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Connections: len(r.conns), Rooms: make(map[string]int, len(r.rooms))}
	for roomID, members := range r.rooms {
		stats.Rooms[roomID] = members.Cardinality()
	}
	return stats
}

// CloseAll notifies and closes every socket and drops every subscription.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.conns))
	for _, e := range r.conns {
		entries = append(entries, e)
	}
	subs := make(map[string]*roomSub, len(r.subs))
	for roomID, sub := range r.subs {
		sub.released = true
		subs[roomID] = sub
	}
	r.conns = make(map[string]*entry)
	r.rooms = make(map[string]mapset.Set[string])
	r.subs = make(map[string]*roomSub)
	r.mu.Unlock()

	for _, e := range entries {
		_ = e.socket.Send(NewError(reason))
		e.socket.Close(websocket.CloseGoingAway, reason)
	}
	for roomID, sub := range subs {
		r.releaseSub(roomID, sub)
	}
	return len(entries)
}

func sortConnections(conns []Connection) {
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
	})
}
