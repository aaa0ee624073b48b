package coordinator

import (
	"context"
	"time"

	"github.com/hilthontt/ephemera/internal/domain"
	"github.com/hilthontt/ephemera/internal/infrastructure/logging"
	"github.com/hilthontt/ephemera/internal/infrastructure/ws"
)

// SweepExpiredRooms destroys rooms past their expiry and tells whoever is
// still connected to them.
func (c *Coordinator) SweepExpiredRooms(ctx context.Context) (count int, err error) {
	ctx, end := c.begin(ctx, "SweepExpiredRooms")
	defer func() { end(err) }()

	ids, err := c.store.SweepExpired(ctx)
	for _, roomID := range ids {
		unlock, lockErr := c.lockRoom(ctx, roomID)
		if lockErr != nil {
			c.logger.Warn(logging.Room, logging.Sweep, "skipping close notice for expired room", map[logging.ExtraKey]any{
				logging.RoomID:       roomID,
				logging.ErrorMessage: lockErr.Error(),
			})
			continue
		}
		c.closeRoom(ctx, roomID, domain.CloseReasonExpired)
		unlock()
	}
	c.metrics.Swept("rooms", len(ids))

	if err != nil {
		return len(ids), backend(err)
	}
	return len(ids), nil
}

// SweepIdleConnections drops sockets silent for longer than timeout and
// takes their users out of their rooms.
func (c *Coordinator) SweepIdleConnections(ctx context.Context, timeout time.Duration) int {
	removed := c.registry.SweepIdle(timeout)
	for _, conn := range removed {
		c.metrics.ConnectionClosed()

		opCtx, end := c.begin(ctx, "LeaveIdle", roomAttr(conn.RoomID))
		c.leaveRemoved(opCtx, conn)
		end(nil)
	}
	c.metrics.Swept("connections", len(removed))
	return len(removed)
}

// Shutdown closes every socket with a final notice. Room membership is kept
// so clients can resume elsewhere.
func (c *Coordinator) Shutdown(_ context.Context) error {
	closed := c.registry.CloseAll(ws.ErrMsgServerShutdown)
	for i := 0; i < closed; i++ {
		c.metrics.ConnectionClosed()
	}

	c.logger.Info(logging.WebSocket, logging.Shutdown, "closed all connections", map[logging.ExtraKey]any{
		logging.Count: closed,
	})
	return nil
}
