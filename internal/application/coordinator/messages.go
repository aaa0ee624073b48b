package coordinator

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/hilthontt/ephemera/internal/domain"
	"github.com/hilthontt/ephemera/internal/infrastructure/eventbus"
	"github.com/hilthontt/ephemera/internal/infrastructure/ws"
)

// SendMessage cleans text, checks it against the room's policy, stores it and
// publishes it to every member, the sender included.
func (c *Coordinator) SendMessage(ctx context.Context, connID string, text string) (err error) {
	ctx, end := c.begin(ctx, "SendMessage")
	defer func() { end(err) }()

	conn, err := c.boundConnection(connID)
	if err != nil {
		return err
	}
	roomID := conn.RoomID

	unlock, err := c.lockRoom(ctx, roomID)
	if err != nil {
		return err
	}
	defer unlock()

	room, err := c.store.GetRoom(ctx, roomID)
	if err != nil {
		return backend(err)
	}
	sender, ok := room.Participant(conn.Identity.UserID)
	if !ok {
		return domain.ErrParticipantNotFound
	}

	cleaned, err := c.checkMessage(text, room.Settings.MaxMessageLength)
	if err != nil {
		return err
	}

	msg := domain.NewRoomMessage(roomID, sender, cleaned, c.now())
	if err := c.store.AppendMessage(ctx, roomID, msg); err != nil {
		return backend(err)
	}
	_ = c.registry.Touch(connID)

	if err := c.publish(ctx, roomID, eventbus.TopicMessages, envelope{Event: ws.NewMessage(msg)}); err != nil {
		return err
	}
	c.metrics.MessageSent()
	return nil
}

func (c *Coordinator) checkMessage(text string, maxLength int) (string, error) {
	if maxLength <= 0 {
		maxLength = domain.DefaultMaxMessageLength
	}

	cleaned := c.sanitizer.Clean(text)
	switch {
	case cleaned == "":
		return "", domain.NewValidationError("message cannot be empty")
	case utf8.RuneCountInString(cleaned) > maxLength:
		return "", domain.NewValidationError(fmt.Sprintf("message must be no more than %d characters", maxLength))
	case c.sanitizer.Blocked(cleaned):
		return "", domain.NewValidationError("message contains blocked words")
	}
	return cleaned, nil
}

// Heartbeat refreshes the connection and, when bound, its participant.
func (c *Coordinator) Heartbeat(ctx context.Context, connID string) (err error) {
	ctx, end := c.begin(ctx, "Heartbeat")
	defer func() { end(err) }()

	if err = c.registry.Touch(connID); err != nil {
		return err
	}
	conn, ok := c.registry.Get(connID)
	if !ok || !conn.Bound() {
		return nil
	}
	if err = c.store.Touch(ctx, conn.RoomID, conn.Identity.UserID); err != nil && !gone(err) {
		return backend(err)
	}
	return nil
}
