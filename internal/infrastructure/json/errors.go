package json

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/hilthontt/ephemera/internal/domain"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	resp := ErrorResponse{
		Error:   http.StatusText(status),
		Message: msg,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func WriteBadRequestError(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusBadRequest, msg)
}

func WriteRateLimitError(w http.ResponseWriter, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	WriteError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
}

// WriteDomainError answers with the status that matches err and the message
// a client is allowed to see.
func WriteDomainError(w http.ResponseWriter, err error) {
	WriteError(w, StatusFor(err), domain.Describe(err))
}

func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidationFailed):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRoomExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrRoomNotFound), errors.Is(err, domain.ErrParticipantNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyInRoom), errors.Is(err, domain.ErrRoomFull), errors.Is(err, domain.ErrRoomLocked):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotInRoom):
		return http.StatusConflict
	case errors.Is(err, domain.ErrBackendUnavailable), errors.Is(err, domain.ErrRoomIDExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
