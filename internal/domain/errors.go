package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidationFailed    = errors.New("validation failed")
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomExpired         = errors.New("room has expired")
	ErrRoomLocked          = errors.New("room is locked")
	ErrRoomFull            = errors.New("room is full")
	ErrAlreadyInRoom       = errors.New("already in room")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNotInRoom           = errors.New("not in a room")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidToken        = errors.New("invalid token")
	ErrTokenExpired        = fmt.Errorf("%w: token expired", ErrInvalidToken)
	ErrBackendUnavailable  = errors.New("backend unavailable")
	ErrRoomIDExhausted     = errors.New("could not allocate a unique room id")
)

// ValidationError carries every problem found in a rejected input.
type ValidationError struct {
	Problems []string
}

func NewValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, ", ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// Describe turns an error into the single message shown to a client.
func Describe(err error) string {
	var vErr *ValidationError

	switch {
	case err == nil:
		return ""
	case errors.As(err, &vErr):
		return strings.Join(vErr.Problems, ", ")
	case errors.Is(err, ErrRoomExpired):
		return "Room has expired"
	case errors.Is(err, ErrRoomNotFound):
		return "Room not found or expired"
	case errors.Is(err, ErrRoomLocked):
		return "Room is locked"
	case errors.Is(err, ErrRoomFull):
		return "Room is full"
	case errors.Is(err, ErrAlreadyInRoom):
		return "Already in room"
	case errors.Is(err, ErrParticipantNotFound):
		return "Participant not found"
	case errors.Is(err, ErrNotInRoom):
		return "Must be in a room"
	case errors.Is(err, ErrUnauthorized):
		return "Only the host can do that"
	case errors.Is(err, ErrTokenExpired):
		return "Token has expired"
	case errors.Is(err, ErrInvalidToken):
		return "Invalid token"
	case errors.Is(err, ErrValidationFailed):
		return "Invalid input"
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, ErrRoomIDExhausted):
		return "Service temporarily unavailable, please retry"
	default:
		return "Unexpected error"
	}
}
