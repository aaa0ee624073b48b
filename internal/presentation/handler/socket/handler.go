package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hilthontt/ephemera/internal/application/coordinator"
	"github.com/hilthontt/ephemera/internal/domain"
	jsonutil "github.com/hilthontt/ephemera/internal/infrastructure/json"
	"github.com/hilthontt/ephemera/internal/infrastructure/logging"
	"github.com/hilthontt/ephemera/internal/infrastructure/metrics"
	"github.com/hilthontt/ephemera/internal/infrastructure/ratelimiter"
	"github.com/hilthontt/ephemera/internal/infrastructure/ws"
	"github.com/hilthontt/ephemera/internal/presentation/utils"
)

// Coordinator is what a live connection may ask of the room coordinator.
type Coordinator interface {
	Connect(ctx context.Context, connID string, identity domain.Identity, socket ws.Socket) error
	Disconnect(ctx context.Context, connID string) error
	CreateRoom(ctx context.Context, connID string, identity domain.Identity, spec domain.CreateRoomSpec) (coordinator.RoomTicket, error)
	Join(ctx context.Context, connID string, roomID string, displayName string) (coordinator.RoomTicket, error)
	Leave(ctx context.Context, connID string) (coordinator.LeaveResult, error)
	SendMessage(ctx context.Context, connID string, text string) error
	Kick(ctx context.Context, connID string, targetUserID string) (bool, error)
	Lock(ctx context.Context, connID string) (bool, error)
	Heartbeat(ctx context.Context, connID string) error
}

type TokenVerifier interface {
	Verify(raw string) (domain.Identity, error)
}

type Handler struct {
	coord    Coordinator
	verifier TokenVerifier
	limiter  *ratelimiter.FixedWindow
	metrics  *metrics.Metrics
	logger   logging.Logger
	upgrader websocket.Upgrader
}

// NewHandler serves GET /ws. limiter caps commands per connection and may be
// nil to disable the cap.
func NewHandler(coord Coordinator, verifier TokenVerifier, limiter *ratelimiter.FixedWindow, m *metrics.Metrics, logger logging.Logger) *Handler {
	return &Handler{
		coord:    coord,
		verifier: verifier,
		limiter:  limiter,
		metrics:  m,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// ServeWS authenticates before upgrading: a bad token is refused with 401 and
// never reaches the socket.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.Verify(utils.TokenFromRequest(r))
	if err != nil {
		jsonutil.WriteDomainError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(logging.WebSocket, logging.Handshake, "websocket upgrade failed", map[logging.ExtraKey]any{
			logging.UserID:       identity.UserID,
			logging.ErrorMessage: err.Error(),
		})
		return
	}

	connID := uuid.NewString()
	client := ws.NewClient(conn, connID)
	ctx := context.WithoutCancel(r.Context())

	written := make(chan struct{})
	go func() {
		defer close(written)
		if err := client.WritePump(); err != nil {
			h.logger.Debug(logging.WebSocket, logging.Delivery, "write pump stopped", map[logging.ExtraKey]any{
				logging.ConnectionID: connID,
				logging.ErrorMessage: err.Error(),
			})
		}
	}()

	if err := h.coord.Connect(ctx, connID, identity, client); err != nil {
		h.logger.Error(logging.WebSocket, logging.Handshake, "failed to register connection", map[logging.ExtraKey]any{
			logging.ConnectionID: connID,
			logging.ErrorMessage: err.Error(),
		})
		client.Close(websocket.CloseInternalServerErr, "")
		<-written
		return
	}

	err = client.ReadPump(func(raw []byte) {
		h.handleFrame(ctx, connID, client, raw)
	})
	if err != nil {
		h.logger.Debug(logging.WebSocket, logging.Lifecycle, "connection dropped", map[logging.ExtraKey]any{
			logging.ConnectionID: connID,
			logging.ErrorMessage: err.Error(),
		})
	}

	client.Close(websocket.CloseNormalClosure, "")
	if h.limiter != nil {
		h.limiter.Forget(connID)
	}
	if err := h.coord.Disconnect(ctx, connID); err != nil && !errors.Is(err, ws.ErrConnectionNotFound) {
		h.logger.Error(logging.WebSocket, logging.Lifecycle, "failed to disconnect", map[logging.ExtraKey]any{
			logging.ConnectionID: connID,
			logging.ErrorMessage: err.Error(),
		})
	}
	<-written
}

func (h *Handler) handleFrame(ctx context.Context, connID string, client *ws.Client, raw []byte) {
	reply := func(ev *ws.Event) {
		if err := client.Send(ev); err != nil {
			client.Close(websocket.CloseGoingAway, err.Error())
		}
	}

	if h.limiter != nil {
		if allowed, _ := h.limiter.Allow(connID); !allowed {
			reply(ws.NewError(ws.ErrMsgRateLimited))
			return
		}
	}

	var cmd ws.Command
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Type == "" {
		reply(ws.NewError(ws.ErrMsgInvalidFormat))
		return
	}
	h.metrics.Command(commandLabel(cmd.Type))

	switch cmd.Type {
	case ws.CommandCreateRoom:
		ticket, err := h.coord.CreateRoom(ctx, connID, domain.Identity{}, cmd.CreateRoomSpec())
		if err != nil {
			h.logFailure(connID, cmd.Type, err)
			reply(ws.NewError(domain.Describe(err)))
			return
		}
		reply(ws.NewRoomCreated(ticket.Room, ticket.Token))

	case ws.CommandJoinRoom:
		ticket, err := h.coord.Join(ctx, connID, cmd.RoomID, cmd.DisplayName)
		if err != nil {
			h.logFailure(connID, cmd.Type, err)
			reply(ws.NewJoinRoomError(domain.Describe(err)))
			return
		}
		reply(ws.NewJoinedRoom(ticket.Room, ticket.Token))

	case ws.CommandLeaveRoom:
		result, err := h.coord.Leave(ctx, connID)
		if err != nil {
			h.logFailure(connID, cmd.Type, err)
			reply(ws.NewError(domain.Describe(err)))
			return
		}
		reply(ws.NewLeftRoom(result.Token))

	case ws.CommandSendMessage:
		if err := h.coord.SendMessage(ctx, connID, cmd.Text); err != nil {
			h.logFailure(connID, cmd.Type, err)
			reply(ws.NewError(domain.Describe(err)))
		}

	case ws.CommandKick:
		kicked, err := h.coord.Kick(ctx, connID, cmd.TargetUserID)
		if err != nil && !errors.Is(err, domain.ErrUnauthorized) {
			h.logFailure(connID, cmd.Type, err)
			reply(ws.NewError(domain.Describe(err)))
			return
		}
		reply(ws.NewKickResult(kicked))

	case ws.CommandLockRoom:
		locked, err := h.coord.Lock(ctx, connID)
		if err != nil && !errors.Is(err, domain.ErrUnauthorized) {
			h.logFailure(connID, cmd.Type, err)
			reply(ws.NewError(domain.Describe(err)))
			return
		}
		reply(ws.NewLockResult(locked))

	case ws.CommandPing:
		if err := h.coord.Heartbeat(ctx, connID); err != nil {
			h.logFailure(connID, cmd.Type, err)
		}
		reply(ws.NewPong())

	default:
		reply(ws.NewError(ws.ErrMsgUnknownType))
	}
}

// logFailure keeps expected refusals at debug level.
func (h *Handler) logFailure(connID, command string, err error) {
	extra := map[logging.ExtraKey]any{
		logging.ConnectionID: connID,
		logging.CommandType:  command,
		logging.ErrorMessage: err.Error(),
	}
	if errors.Is(err, domain.ErrBackendUnavailable) {
		h.logger.Error(logging.WebSocket, logging.Command, "command failed", extra)
		return
	}
	h.logger.Debug(logging.WebSocket, logging.Command, "command refused", extra)
}

func commandLabel(kind string) string {
	switch kind {
	case ws.CommandCreateRoom, ws.CommandJoinRoom, ws.CommandLeaveRoom, ws.CommandSendMessage,
		ws.CommandKick, ws.CommandLockRoom, ws.CommandPing:
		return kind
	default:
		return "unknown"
	}
}
