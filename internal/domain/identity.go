package domain

import (
	"strings"

	"github.com/google/uuid"
	"github.com/hilthontt/ephemera/internal/infrastructure/validate"
)

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

// Identity is what a verified token says about its bearer.
type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	RoomID string `json:"roomId,omitempty"`
	Role   Role   `json:"role,omitempty"`
}

func (i Identity) InRoom(roomID string) Identity {
	i.RoomID = roomID
	return i
}

func (i Identity) WithRole(role Role) Identity {
	i.Role = role
	return i
}

// Unbound drops room and role.
func (i Identity) Unbound() Identity {
	i.RoomID = ""
	i.Role = ""
	return i
}

var validateDisplayName = validate.Field("display name",
	validate.Required(),
	validate.LengthBetween(minNameLength, maxNameLength),
)

// NewGuestIdentity creates a fresh identity with no room.
func NewGuestIdentity(rawName string) (Identity, error) {
	if err := validateDisplayName(rawName); err != nil {
		return Identity{}, NewValidationError(err.Error())
	}

	return Identity{
		UserID: uuid.NewString(),
		Name:   strings.TrimSpace(rawName),
	}, nil
}
