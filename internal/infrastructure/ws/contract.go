package ws

import (
	"time"

	"github.com/hilthontt/ephemera/internal/domain"
)

// Command is any inbound client frame. Only the fields of its Type are read.
type Command struct {
	Type string `json:"type"`

	// create_room
	Name            string                `json:"name,omitempty"`
	MaxParticipants int                   `json:"maxParticipants,omitempty"`
	Duration        int                   `json:"duration,omitempty"`
	HostName        string                `json:"hostName,omitempty"`
	Settings        *domain.SettingsInput `json:"settings,omitempty"`

	// join_room
	RoomID      string `json:"roomId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	// send_message
	Text string `json:"text,omitempty"`

	// kick
	TargetUserID string `json:"targetUserId,omitempty"`
}

func (c Command) CreateRoomSpec() domain.CreateRoomSpec {
	return domain.CreateRoomSpec{
		Name:            c.Name,
		Duration:        c.Duration,
		MaxParticipants: c.MaxParticipants,
		HostName:        c.HostName,
		Settings:        c.Settings,
	}
}

type UserPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// RoomView is what members see of a room.
type RoomView struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	HostID          string               `json:"hostId"`
	MaxParticipants int                  `json:"maxParticipants"`
	Duration        int                  `json:"duration"` // minutes
	CreatedAt       time.Time            `json:"createdAt"`
	ExpiresAt       time.Time            `json:"expiresAt"`
	IsLocked        bool                 `json:"isLocked"`
	Settings        domain.RoomSettings  `json:"settings"`
	Participants    []domain.Participant `json:"participants"`
	Messages        []domain.RoomMessage `json:"messages"`
}

func NewRoomView(room *domain.Room) *RoomView {
	if room == nil {
		return nil
	}
	room = room.Clone()
	return &RoomView{
		ID:              room.ID,
		Name:            room.Name,
		HostID:          room.HostID,
		MaxParticipants: room.MaxParticipants,
		Duration:        int(room.Duration / time.Minute),
		CreatedAt:       room.CreatedAt,
		ExpiresAt:       room.ExpiresAt,
		IsLocked:        room.IsLocked,
		Settings:        room.Settings,
		Participants:    room.Participants,
		Messages:        room.Messages,
	}
}

// Event is every outbound frame. Unused fields are omitted.
type Event struct {
	Type    string              `json:"type"`
	RoomID  string              `json:"roomId,omitempty"`
	Success *bool               `json:"success,omitempty"`
	Token   string              `json:"token,omitempty"`
	Room    *RoomView           `json:"room,omitempty"`
	Message *domain.RoomMessage `json:"message,omitempty"`
	User    *UserPayload        `json:"user,omitempty"`
	Users   []string            `json:"users,omitempty"`
	Count   *int                `json:"count,omitempty"`
	Reason  string              `json:"reason,omitempty"`
	Error   string              `json:"error,omitempty"`
}

func ptr[T any](v T) *T { return &v }

func NewConnected(identity domain.Identity) *Event {
	return &Event{
		Type:   EventConnected,
		RoomID: identity.RoomID,
		User:   &UserPayload{UserID: identity.UserID, Name: identity.Name},
	}
}

func NewRoomCreated(room *domain.Room, token string) *Event {
	return &Event{Type: EventRoomCreated, RoomID: room.ID, Token: token, Room: NewRoomView(room)}
}

func NewJoinedRoom(room *domain.Room, token string) *Event {
	return &Event{Type: EventJoinedRoom, Success: ptr(true), RoomID: room.ID, Token: token, Room: NewRoomView(room)}
}

func NewJoinRoomError(message string) *Event {
	return &Event{Type: EventJoinRoomError, Success: ptr(false), Error: message}
}

func NewLeftRoom(token string) *Event {
	return &Event{Type: EventLeftRoom, Token: token}
}

func NewKickResult(ok bool) *Event {
	return &Event{Type: EventKickResult, Success: ptr(ok)}
}

func NewLockResult(ok bool) *Event {
	return &Event{Type: EventLockResult, Success: ptr(ok)}
}

func NewPong() *Event {
	return &Event{Type: EventPong}
}

func NewError(message string) *Event {
	return &Event{Type: EventError, Error: message}
}

func NewMessage(msg domain.RoomMessage) *Event {
	return &Event{Type: EventMessage, RoomID: msg.RoomID, Message: &msg}
}

func NewUserJoined(roomID string, user UserPayload) *Event {
	return &Event{Type: EventUserJoined, RoomID: roomID, User: &user}
}

func NewUserLeft(roomID string, user UserPayload) *Event {
	return &Event{Type: EventUserLeft, RoomID: roomID, User: &user}
}

func NewParticipantsUpdate(roomID string, users []string) *Event {
	if users == nil {
		users = []string{}
	}
	return &Event{Type: EventParticipantsUpdate, RoomID: roomID, Users: users, Count: ptr(len(users))}
}

func NewRoomClosed(roomID string, reason domain.CloseReason) *Event {
	return &Event{Type: EventRoomClosed, RoomID: roomID, Reason: string(reason)}
}

func NewRoomLocked(roomID string) *Event {
	return &Event{Type: EventRoomLocked, RoomID: roomID}
}

func NewKicked(roomID string, user UserPayload) *Event {
	return &Event{Type: EventKicked, RoomID: roomID, User: &user, Reason: "Removed by host"}
}
