package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/hilthontt/ephemera/internal/domain"
	"github.com/hilthontt/ephemera/internal/infrastructure/eventbus"
	"github.com/hilthontt/ephemera/internal/infrastructure/logging"
	"github.com/hilthontt/ephemera/internal/infrastructure/ws"
)

// Connect registers a live socket and greets it. With auto-rejoin enabled a
// token that still names a room the bearer belongs to binds it right away.
func (c *Coordinator) Connect(ctx context.Context, connID string, identity domain.Identity, socket ws.Socket) error {
	if err := c.registry.Register(connID, identity, socket); err != nil {
		return err
	}
	c.metrics.ConnectionOpened()
	c.registry.Send(connID, ws.NewConnected(identity))

	c.logger.Info(logging.WebSocket, logging.Handshake, "connection registered", map[logging.ExtraKey]any{
		logging.ConnectionID: connID,
		logging.UserID:       identity.UserID,
	})

	if identity.RoomID == "" {
		return nil
	}
	if !c.autoRejoin {
		_ = c.registry.SetIdentity(connID, identity.Unbound())
		return nil
	}
	if err := c.rejoin(ctx, connID, identity); err != nil {
		_ = c.registry.SetIdentity(connID, identity.Unbound())
		c.logger.Debug(logging.Room, logging.Lifecycle, "auto rejoin skipped", map[logging.ExtraKey]any{
			logging.ConnectionID: connID,
			logging.RoomID:       identity.RoomID,
			logging.Reason:       err.Error(),
		})
	}
	return nil
}

func (c *Coordinator) rejoin(ctx context.Context, connID string, identity domain.Identity) (err error) {
	roomID := identity.RoomID
	ctx, end := c.begin(ctx, "Rejoin", roomAttr(roomID))
	defer func() { end(err) }()

	unlock, err := c.lockRoom(ctx, roomID)
	if err != nil {
		return err
	}
	defer unlock()

	room, err := c.store.GetRoom(ctx, roomID)
	if err != nil {
		return backend(err)
	}
	participant, ok := room.Participant(identity.UserID)
	if !ok {
		return domain.ErrParticipantNotFound
	}

	role := domain.RoleParticipant
	if participant.IsHost {
		role = domain.RoleHost
	}
	bound := identity.InRoom(roomID).WithRole(role)
	token, err := c.tokens.Mint(bound)
	if err != nil {
		return err
	}

	if err = c.registry.SetRoom(ctx, connID, roomID); err != nil {
		return backend(err)
	}
	_ = c.registry.SetIdentity(connID, bound)
	c.registry.Send(connID, ws.NewJoinedRoom(room, token))
	return nil
}

// CreateRoom creates a room hosted by identity. When connID is set the
// connection's own identity is used and it is bound to the new room; a
// connection bound elsewhere leaves that room only once the new one exists.
func (c *Coordinator) CreateRoom(ctx context.Context, connID string, identity domain.Identity, spec domain.CreateRoomSpec) (ticket RoomTicket, err error) {
	ctx, end := c.begin(ctx, "CreateRoom")
	defer func() { end(err) }()

	var conn ws.Connection
	if connID != "" {
		conn, err = c.connection(connID)
		if err != nil {
			return RoomTicket{}, err
		}
		identity = conn.Identity.Unbound()
	}
	if spec.HostName == "" {
		spec.HostName = identity.Name
	}

	room, err := c.store.CreateRoom(ctx, spec, identity)
	if err != nil {
		return RoomTicket{}, backend(err)
	}

	host := identity.InRoom(room.ID).WithRole(domain.RoleHost)
	token, err := c.tokens.Mint(host)
	if err != nil {
		c.discard(room.ID)
		return RoomTicket{}, err
	}

	if connID != "" {
		if err = c.bindCreated(ctx, conn, room.ID, host); err != nil {
			c.discard(room.ID)
			return RoomTicket{}, err
		}
	}

	c.metrics.RoomCreated()
	c.logger.Info(logging.Room, logging.Lifecycle, "room created", map[logging.ExtraKey]any{
		logging.RoomID: room.ID,
		logging.UserID: identity.UserID,
	})
	c.notify("room.created", room.ID, func(ctx context.Context) error {
		return c.notifier.PublishRoomCreated(ctx, room)
	})

	return RoomTicket{Room: room, Token: token}, nil
}

// bindCreated moves conn from its current room, if any, into a room it has
// just created. Nobody else knows the new id yet, so both locks are taken
// together without risk of a crossed wait.
func (c *Coordinator) bindCreated(ctx context.Context, conn ws.Connection, roomID string, host domain.Identity) error {
	unlock, err := c.lockRooms(ctx, conn.RoomID, roomID)
	if err != nil {
		return err
	}
	defer unlock()

	if conn.Bound() {
		if _, err := c.leaveLocked(ctx, conn); err != nil {
			return err
		}
	}
	if err := c.registry.SetRoom(ctx, conn.ID, roomID); err != nil {
		return bindErr(err)
	}
	_ = c.registry.SetIdentity(conn.ID, host)
	return nil
}

// discard undoes a create that could not be completed.
func (c *Coordinator) discard(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()

	if err := c.store.Destroy(ctx, roomID); err != nil {
		c.logger.Error(logging.Room, logging.Lifecycle, "failed to discard room", map[logging.ExtraKey]any{
			logging.RoomID:       roomID,
			logging.ErrorMessage: err.Error(),
		})
	}
}

// Join admits the connection's user to roomID. A connection bound elsewhere
// leaves that room only after the new join is committed, so a rejected join
// changes nothing. Domain errors are returned untouched and nothing is
// published for them.
func (c *Coordinator) Join(ctx context.Context, connID string, roomID string, displayName string) (ticket RoomTicket, err error) {
	ctx, end := c.begin(ctx, "Join", roomAttr(roomID))
	defer func() {
		c.metrics.Join(joinLabel(err))
		end(err)
	}()

	conn, err := c.connection(connID)
	if err != nil {
		return RoomTicket{}, err
	}

	identity := conn.Identity.Unbound()
	member := identity.InRoom(roomID).WithRole(domain.RoleParticipant)
	token, err := c.tokens.Mint(member)
	if err != nil {
		return RoomTicket{}, err
	}

	unlock, err := c.lockRooms(ctx, conn.RoomID, roomID)
	if err != nil {
		return RoomTicket{}, err
	}
	defer unlock()

	// The store runs every admission check, including the duplicate one for
	// a connection already bound to roomID.
	room, err := c.store.JoinRoom(ctx, roomID, identity, displayName)
	if err != nil {
		return RoomTicket{}, backend(err)
	}

	if conn.Bound() && conn.RoomID != roomID {
		if _, err := c.leaveLocked(ctx, conn); err != nil {
			c.compensateJoin(roomID, identity.UserID)
			return RoomTicket{}, err
		}
	}

	if err := c.registry.SetRoom(ctx, connID, roomID); err != nil {
		c.compensateJoin(roomID, identity.UserID)
		return RoomTicket{}, bindErr(err)
	}
	_ = c.registry.SetIdentity(connID, member)

	participant, _ := room.Participant(identity.UserID)
	c.broadcast(ctx, roomID, eventbus.TopicEvents,
		envelope{
			Event:   ws.NewUserJoined(roomID, ws.UserPayload{UserID: participant.ID, Name: participant.DisplayName}),
			Exclude: identity.UserID,
		},
		rosterUpdate(room),
	)

	c.logger.Info(logging.Room, logging.Lifecycle, "participant joined", map[logging.ExtraKey]any{
		logging.RoomID:       roomID,
		logging.UserID:       identity.UserID,
		logging.ConnectionID: connID,
		logging.Count:        len(room.Participants),
	})
	c.notify("member.joined", roomID, func(ctx context.Context) error {
		return c.notifier.PublishMemberJoined(ctx, room, identity.UserID)
	})

	return RoomTicket{Room: room, Token: token}, nil
}

// compensateJoin removes a participant whose connection could not be bound.
func (c *Coordinator) compensateJoin(roomID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()

	if _, err := c.store.LeaveRoom(ctx, roomID, userID); err != nil {
		c.logger.Error(logging.Room, logging.Lifecycle, "failed to roll back join", map[logging.ExtraKey]any{
			logging.RoomID:       roomID,
			logging.UserID:       userID,
			logging.ErrorMessage: err.Error(),
		})
	}
}

func bindErr(err error) error {
	if errors.Is(err, domain.ErrBackendUnavailable) || errors.Is(err, ws.ErrConnectionNotFound) {
		return err
	}
	return fmt.Errorf("%w: bind connection: %w", domain.ErrBackendUnavailable, err)
}

// Leave takes the connection out of its room and hands back a token with no
// room in it. A room that is already gone counts as left.
func (c *Coordinator) Leave(ctx context.Context, connID string) (result LeaveResult, err error) {
	ctx, end := c.begin(ctx, "Leave")
	defer func() { end(err) }()

	conn, err := c.boundConnection(connID)
	if err != nil {
		return LeaveResult{}, err
	}

	result, err = c.leaveBound(ctx, conn)
	if err != nil {
		return LeaveResult{}, err
	}

	result.Token, err = c.tokens.Mint(conn.Identity.Unbound())
	if err != nil {
		return LeaveResult{}, err
	}
	return result, nil
}

// leaveBound removes conn's user from its room and unbinds conn.
func (c *Coordinator) leaveBound(ctx context.Context, conn ws.Connection) (LeaveResult, error) {
	unlock, err := c.lockRoom(ctx, conn.RoomID)
	if err != nil {
		return LeaveResult{}, err
	}
	defer unlock()

	return c.leaveLocked(ctx, conn)
}

// leaveLocked is leaveBound for a caller already holding conn.RoomID's lock.
func (c *Coordinator) leaveLocked(ctx context.Context, conn ws.Connection) (LeaveResult, error) {
	outcome, err := c.store.LeaveRoom(ctx, conn.RoomID, conn.Identity.UserID)
	if err != nil && !gone(err) {
		return LeaveResult{}, backend(err)
	}

	if err := c.registry.SetRoom(ctx, conn.ID, ""); err == nil {
		_ = c.registry.SetIdentity(conn.ID, conn.Identity.Unbound())
	}

	if err != nil {
		return LeaveResult{}, nil
	}
	c.announceLeave(ctx, conn.RoomID, conn.Identity.UserID, outcome)
	return LeaveResult{Destroyed: outcome.Destroyed(), Reason: outcome.Reason}, nil
}

// leaveRemoved is leaveBound for a connection the registry already dropped.
// Another local connection of the same user keeps the membership alive.
func (c *Coordinator) leaveRemoved(ctx context.Context, conn ws.Connection) {
	if !conn.Bound() || len(c.registry.ConnectionsForUser(conn.RoomID, conn.Identity.UserID)) > 0 {
		return
	}

	unlock, err := c.lockRoom(ctx, conn.RoomID)
	if err != nil {
		c.logLeaveFailure(conn, err)
		return
	}
	defer unlock()

	outcome, err := c.store.LeaveRoom(ctx, conn.RoomID, conn.Identity.UserID)
	switch {
	case err == nil:
		c.announceLeave(ctx, conn.RoomID, conn.Identity.UserID, outcome)
	case !gone(err):
		c.logLeaveFailure(conn, err)
	}
}

func (c *Coordinator) logLeaveFailure(conn ws.Connection, err error) {
	c.logger.Error(logging.Room, logging.Lifecycle, "failed to leave room for dropped connection", map[logging.ExtraKey]any{
		logging.RoomID:       conn.RoomID,
		logging.UserID:       conn.Identity.UserID,
		logging.ConnectionID: conn.ID,
		logging.ErrorMessage: err.Error(),
	})
}

// announceLeave publishes the outcome of a committed leave. Callers hold the
// room lock.
func (c *Coordinator) announceLeave(ctx context.Context, roomID, userID string, outcome domain.LeaveResult) {
	if outcome.Destroyed() {
		c.closeRoom(ctx, roomID, outcome.Reason)
		return
	}

	c.broadcast(ctx, roomID, eventbus.TopicEvents,
		envelope{Event: ws.NewUserLeft(roomID, ws.UserPayload{UserID: userID, Name: outcome.Participant.DisplayName})},
		rosterUpdate(outcome.Room),
	)
	c.logger.Info(logging.Room, logging.Lifecycle, "participant left", map[logging.ExtraKey]any{
		logging.RoomID: roomID,
		logging.UserID: userID,
		logging.Count:  len(outcome.Room.Participants),
	})
	c.notify("member.left", roomID, func(ctx context.Context) error {
		return c.notifier.PublishMemberLeft(ctx, outcome.Room, userID)
	})
}

func (c *Coordinator) closeRoom(ctx context.Context, roomID string, reason domain.CloseReason) {
	c.broadcast(ctx, roomID, eventbus.TopicEvents, envelope{Event: ws.NewRoomClosed(roomID, reason)})
	c.metrics.RoomClosed(string(reason))
	c.logger.Info(logging.Room, logging.Lifecycle, "room closed", map[logging.ExtraKey]any{
		logging.RoomID: roomID,
		logging.Reason: string(reason),
	})
	c.notify("room.closed", roomID, func(ctx context.Context) error {
		return c.notifier.PublishRoomClosed(ctx, roomID, reason)
	})
}

// gone reports store errors meaning there is nothing left to leave.
func gone(err error) bool {
	return errors.Is(err, domain.ErrRoomNotFound) ||
		errors.Is(err, domain.ErrRoomExpired) ||
		errors.Is(err, domain.ErrParticipantNotFound)
}

// Disconnect forgets a closed socket, leaving its room first when bound.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) error {
	conn, err := c.registry.Remove(connID)
	if err != nil {
		return err
	}
	c.metrics.ConnectionClosed()

	ctx, end := c.begin(ctx, "Disconnect")
	defer end(nil)
	c.leaveRemoved(ctx, conn)
	return nil
}

func (c *Coordinator) handleEviction(conn ws.Connection) {
	c.metrics.ConnectionClosed()

	ctx, end := c.begin(context.Background(), "Evict")
	defer end(nil)
	c.leaveRemoved(ctx, conn)
}

// Kick removes targetUserID from the caller's room. Only the host may kick;
// the host itself can never be kicked.
func (c *Coordinator) Kick(ctx context.Context, connID string, targetUserID string) (kicked bool, err error) {
	ctx, end := c.begin(ctx, "Kick")
	defer func() { end(err) }()

	conn, err := c.boundConnection(connID)
	if err != nil {
		return false, err
	}
	roomID, hostID := conn.RoomID, conn.Identity.UserID

	unlock, err := c.lockRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	defer unlock()

	room, err := c.store.GetRoom(ctx, roomID)
	if err != nil {
		return false, backend(err)
	}
	if !room.IsHost(hostID) {
		return false, domain.ErrUnauthorized
	}
	target, ok := room.Participant(targetUserID)
	if !ok || target.IsHost {
		return false, nil
	}

	kicked, err = c.store.Kick(ctx, roomID, hostID, targetUserID)
	if err != nil || !kicked {
		return false, backend(err)
	}
	room.Kick(hostID, targetUserID)

	c.broadcast(ctx, roomID, eventbus.TopicEvents,
		envelope{
			Event:  ws.NewKicked(roomID, ws.UserPayload{UserID: target.ID, Name: target.DisplayName}),
			Target: target.ID,
		},
		rosterUpdate(room),
	)

	c.logger.Info(logging.Room, logging.Lifecycle, "participant kicked", map[logging.ExtraKey]any{
		logging.RoomID: roomID,
		logging.UserID: target.ID,
	})
	c.notify("member.kicked", roomID, func(ctx context.Context) error {
		return c.notifier.PublishMemberKicked(ctx, room, target.ID)
	})
	return true, nil
}

// Lock stops further joins. Only the host may lock; locking twice is fine.
func (c *Coordinator) Lock(ctx context.Context, connID string) (locked bool, err error) {
	ctx, end := c.begin(ctx, "Lock")
	defer func() { end(err) }()

	conn, err := c.boundConnection(connID)
	if err != nil {
		return false, err
	}

	unlock, err := c.lockRoom(ctx, conn.RoomID)
	if err != nil {
		return false, err
	}
	defer unlock()

	locked, err = c.store.Lock(ctx, conn.RoomID, conn.Identity.UserID)
	if err != nil {
		return false, backend(err)
	}
	if !locked {
		return false, domain.ErrUnauthorized
	}

	c.broadcast(ctx, conn.RoomID, eventbus.TopicEvents, envelope{Event: ws.NewRoomLocked(conn.RoomID)})
	return true, nil
}
