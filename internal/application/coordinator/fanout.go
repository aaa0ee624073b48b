package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hilthontt/ephemera/internal/domain"
	"github.com/hilthontt/ephemera/internal/infrastructure/eventbus"
	"github.com/hilthontt/ephemera/internal/infrastructure/logging"
	"github.com/hilthontt/ephemera/internal/infrastructure/ws"
)

// envelope is what travels on the bus. Exclude skips one user's
// connections; Target restricts delivery to one user's connections.
type envelope struct {
	Event   *ws.Event `json:"event"`
	Exclude string    `json:"exclude,omitempty"`
	Target  string    `json:"target,omitempty"`
}

func (c *Coordinator) publish(ctx context.Context, roomID string, topic eventbus.Topic, env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", env.Event.Type, err)
	}
	if err := c.bus.Publish(ctx, roomID, topic, payload); err != nil {
		return backend(err)
	}
	return nil
}

// broadcast publishes after a committed change. The change stands even when
// publishing fails, so the failure is only logged.
func (c *Coordinator) broadcast(ctx context.Context, roomID string, topic eventbus.Topic, envs ...envelope) {
	for _, env := range envs {
		if err := c.publish(ctx, roomID, topic, env); err != nil {
			c.logger.Error(logging.Room, logging.Fanout, "failed to publish room event", map[logging.ExtraKey]any{
				logging.RoomID:       roomID,
				logging.Topic:        string(topic),
				logging.CommandType:  env.Event.Type,
				logging.ErrorMessage: err.Error(),
			})
		}
	}
}

func rosterUpdate(room *domain.Room) envelope {
	return envelope{Event: ws.NewParticipantsUpdate(room.ID, room.Roster())}
}

// dispatch hands bus traffic of a room to this process's connections.
func (c *Coordinator) dispatch(roomID string, topic eventbus.Topic, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Event == nil {
		c.logger.Warn(logging.Room, logging.Fanout, "dropping undecodable bus payload", map[logging.ExtraKey]any{
			logging.RoomID: roomID,
			logging.Topic:  string(topic),
		})
		return
	}

	var delivered int
	switch {
	case env.Event.Type == ws.EventRoomClosed:
		delivered = c.deliverAndUnbind(env.Event, c.registry.ConnectionsInRoom(roomID))
	case env.Target != "":
		delivered = c.deliverAndUnbind(env.Event, c.registry.ConnectionsForUser(roomID, env.Target))
	default:
		delivered = c.registry.BroadcastToRoom(roomID, env.Event, env.Exclude)
	}
	c.metrics.Delivered(string(topic), delivered)
}

// deliverAndUnbind sends a final room event, then detaches each connection
// from the room it no longer belongs to.
func (c *Coordinator) deliverAndUnbind(ev *ws.Event, conns []ws.Connection) int {
	delivered := 0
	for _, conn := range conns {
		if c.registry.Send(conn.ID, ev) {
			delivered++
		}
		if err := c.registry.SetRoom(context.Background(), conn.ID, ""); err == nil {
			_ = c.registry.SetIdentity(conn.ID, conn.Identity.Unbound())
		}
	}
	return delivered
}
