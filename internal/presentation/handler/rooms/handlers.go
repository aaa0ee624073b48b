package rooms

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hilthontt/ephemera/internal/application/coordinator"
	"github.com/hilthontt/ephemera/internal/domain"
	"github.com/hilthontt/ephemera/internal/infrastructure/json"
	"github.com/hilthontt/ephemera/internal/infrastructure/ws"
	"github.com/hilthontt/ephemera/internal/presentation/utils"
)

type RoomService interface {
	CreateRoom(ctx context.Context, connID string, identity domain.Identity, spec domain.CreateRoomSpec) (coordinator.RoomTicket, error)
	GetRoomInfo(ctx context.Context, roomID string) (domain.RoomInfo, error)
	Stats(ctx context.Context) (coordinator.Stats, error)
}

type TokenVerifier interface {
	Verify(raw string) (domain.Identity, error)
}

type Handler struct {
	rooms    RoomService
	verifier TokenVerifier
}

func NewHandler(rooms RoomService, verifier TokenVerifier) *Handler {
	return &Handler{
		rooms:    rooms,
		verifier: verifier,
	}
}

// CreateRoomHandler creates a room hosted by the bearer. The host binds to it
// once their websocket connects with the returned token.
func (h *Handler) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.Verify(utils.BearerToken(r))
	if err != nil {
		json.WriteDomainError(w, err)
		return
	}

	var req createRoomRequest
	if err := json.Read(w, r, &req); err != nil {
		json.WriteBadRequestError(w, err.Error())
		return
	}

	ticket, err := h.rooms.CreateRoom(r.Context(), "", identity.Unbound(), req.spec())
	if err != nil {
		json.WriteDomainError(w, err)
		return
	}

	resp := createRoomResponse{
		RoomID:   ticket.Room.ID,
		RoomLink: "/r/" + ticket.Room.ID,
		Token:    ticket.Token,
		Room:     ws.NewRoomView(ticket.Room),
	}
	_ = json.Write(w, http.StatusCreated, resp)
}

// GetRoomHandler returns the public view of a room. Rosters and history stay
// private to members.
func (h *Handler) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	if roomID == "" {
		json.WriteBadRequestError(w, "room ID is missing")
		return
	}

	info, err := h.rooms.GetRoomInfo(r.Context(), roomID)
	if err != nil {
		json.WriteDomainError(w, err)
		return
	}
	_ = json.Write(w, http.StatusOK, info)
}

func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.rooms.Stats(r.Context())
	if err != nil {
		json.WriteDomainError(w, err)
		return
	}
	_ = json.Write(w, http.StatusOK, stats)
}
