package session

import (
	"context"
	"net/http"
	"time"

	"github.com/hilthontt/ephemera/internal/domain"
	"github.com/hilthontt/ephemera/internal/infrastructure/json"
	"github.com/hilthontt/ephemera/internal/presentation/utils"
)

type IdentityService interface {
	MintGuest(name string) (domain.Identity, string, error)
	RefreshToken(ctx context.Context, raw string) (string, domain.Identity, error)
}

type Handler struct {
	identities IdentityService
	cookieTTL  time.Duration
}

// NewHandler serves guest sessions. cookieTTL matches the token lifetime so
// the cookie never outlives what it carries.
func NewHandler(identities IdentityService, cookieTTL time.Duration) *Handler {
	return &Handler{
		identities: identities,
		cookieTTL:  cookieTTL,
	}
}

func (h *Handler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.Read(w, r, &req); err != nil {
		json.WriteBadRequestError(w, err.Error())
		return
	}

	guest, token, err := h.identities.MintGuest(req.Name)
	if err != nil {
		json.WriteDomainError(w, err)
		return
	}

	utils.SetTokenCookie(w, token, h.cookieTTL)
	_ = json.Write(w, http.StatusCreated, sessionResponse{
		UserID: guest.UserID,
		Name:   guest.Name,
		Token:  token,
	})
}

func (h *Handler) RefreshTokenHandler(w http.ResponseWriter, r *http.Request) {
	token, identity, err := h.identities.RefreshToken(r.Context(), utils.TokenFromRequest(r))
	if err != nil {
		json.WriteDomainError(w, err)
		return
	}

	utils.SetTokenCookie(w, token, h.cookieTTL)
	_ = json.Write(w, http.StatusOK, refreshResponse{
		Token:  token,
		RoomID: identity.RoomID,
	})
}
