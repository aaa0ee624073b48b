package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/hilthontt/ephemera/internal/infrastructure/validate"
)

const (
	minNameLength = 2
	maxNameLength = 50

	MinParticipants = 2
	MaxParticipants = 12

	DefaultMaxMessageLength = 500
	DefaultMessageRetention = 100
)

// AllowedDurations lists the room lifetimes in minutes.
var AllowedDurations = []int{15, 30, 60, 120}

type CloseReason string

const (
	CloseReasonHostLeft CloseReason = "host_left"
	CloseReasonEmpty    CloseReason = "empty"
	CloseReasonExpired  CloseReason = "expired"
)

type LeaveOutcome string

const (
	LeaveUpdated   LeaveOutcome = "updated"
	LeaveDestroyed LeaveOutcome = "destroyed"
)

type RoomSettings struct {
	AllowGuests      bool `json:"allowGuests"`
	RequireApproval  bool `json:"requireApproval"`
	MaxMessageLength int  `json:"maxMessageLength"`
}

// SettingsInput holds the optional overrides a creator may send.
type SettingsInput struct {
	AllowGuests      *bool `json:"allowGuests,omitempty"`
	RequireApproval  *bool `json:"requireApproval,omitempty"`
	MaxMessageLength *int  `json:"maxMessageLength,omitempty"`
}

type CreateRoomSpec struct {
	Name            string         `json:"name"`
	Duration        int            `json:"duration"` // minutes
	MaxParticipants int            `json:"maxParticipants"`
	HostName        string         `json:"hostName"`
	Settings        *SettingsInput `json:"settings,omitempty"`
}

var (
	validateRoomName = validate.Field("room name",
		validate.Required(),
		validate.LengthBetween(minNameLength, maxNameLength),
	)
	validateHostName = validate.Field("host name",
		validate.Required(),
		validate.LengthBetween(minNameLength, maxNameLength),
	)
	validateDuration        = validate.IntField("duration", validate.IntOneOf(AllowedDurations...))
	validateMaxParticipants = validate.IntField("max participants", validate.Between(MinParticipants, MaxParticipants))
)

// Validate reports every problem with the spec at once.
func (s CreateRoomSpec) Validate() error {
	problems := validate.Collect(
		validateRoomName(s.Name),
		validateDuration(s.Duration),
		validateMaxParticipants(s.MaxParticipants),
		validateHostName(s.HostName),
	)
	if s.Settings != nil && s.Settings.MaxMessageLength != nil && *s.Settings.MaxMessageLength <= 0 {
		problems = append(problems, "max message length must be positive")
	}
	if len(problems) > 0 {
		return NewValidationError(problems...)
	}
	return nil
}

func (s CreateRoomSpec) settings() RoomSettings {
	settings := RoomSettings{
		AllowGuests:      true,
		RequireApproval:  false,
		MaxMessageLength: DefaultMaxMessageLength,
	}
	if s.Settings == nil {
		return settings
	}
	if s.Settings.AllowGuests != nil {
		settings.AllowGuests = *s.Settings.AllowGuests
	}
	if s.Settings.RequireApproval != nil {
		settings.RequireApproval = *s.Settings.RequireApproval
	}
	if s.Settings.MaxMessageLength != nil {
		settings.MaxMessageLength = *s.Settings.MaxMessageLength
	}
	return settings
}

type Participant struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IsHost       bool      `json:"isHost"`
}

type Room struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	HostID          string        `json:"hostId"`
	MaxParticipants int           `json:"maxParticipants"`
	Duration        time.Duration `json:"duration"`
	CreatedAt       time.Time     `json:"createdAt"`
	ExpiresAt       time.Time     `json:"expiresAt"`
	IsLocked        bool          `json:"isLocked"`
	Settings        RoomSettings  `json:"settings"`
	Participants    []Participant `json:"participants"`
	Messages        []RoomMessage `json:"messages,omitempty"`
}

// RoomInfo is the public view of a room, safe for non-members.
type RoomInfo struct {
	ID               string    `json:"id"`
	ParticipantCount int       `json:"participantCount"`
	MaxParticipants  int       `json:"maxParticipants"`
	ExpiresAt        time.Time `json:"expiresAt"`
	IsLocked         bool      `json:"isLocked"`
}

type LeaveResult struct {
	Outcome     LeaveOutcome
	Reason      CloseReason
	Participant Participant
	// Room is the snapshot after the leave, nil when the room was destroyed.
	Room *Room
}

func (l LeaveResult) Destroyed() bool {
	return l.Outcome == LeaveDestroyed
}

// NewRoom builds a validated room with the host as its only participant.
func NewRoom(id string, spec CreateRoomSpec, host Identity, now time.Time) (*Room, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	duration := time.Duration(spec.Duration) * time.Minute

	return &Room{
		ID:              id,
		Name:            strings.TrimSpace(spec.Name),
		HostID:          host.UserID,
		MaxParticipants: spec.MaxParticipants,
		Duration:        duration,
		CreatedAt:       now,
		ExpiresAt:       now.Add(duration),
		Settings:        spec.settings(),
		Participants: []Participant{{
			ID:           host.UserID,
			DisplayName:  strings.TrimSpace(spec.HostName),
			JoinedAt:     now,
			LastActivity: now,
			IsHost:       true,
		}},
		Messages: []RoomMessage{},
	}, nil
}

// Clone returns a deep copy so callers never share state with a store.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	cpy := *r
	cpy.Participants = slices.Clone(r.Participants)
	cpy.Messages = slices.Clone(r.Messages)
	if cpy.Participants == nil {
		cpy.Participants = []Participant{}
	}
	if cpy.Messages == nil {
		cpy.Messages = []RoomMessage{}
	}
	return &cpy
}

// IsExpired is true once expiresAt <= now.
func (r *Room) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r *Room) Participant(id string) (Participant, bool) {
	idx := r.indexOf(id)
	if idx < 0 {
		return Participant{}, false
	}
	return r.Participants[idx], true
}

func (r *Room) IsHost(id string) bool {
	return id != "" && r.HostID == id
}

// Roster lists display names in join order.
func (r *Room) Roster() []string {
	names := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		names = append(names, p.DisplayName)
	}
	return names
}

func (r *Room) Info() RoomInfo {
	return RoomInfo{
		ID:               r.ID,
		ParticipantCount: len(r.Participants),
		MaxParticipants:  r.MaxParticipants,
		ExpiresAt:        r.ExpiresAt,
		IsLocked:         r.IsLocked,
	}
}

// CheckJoin runs the admission checks in order: expiry, lock, capacity, duplicate.
// Existence is the caller's concern.
func (r *Room) CheckJoin(userID string, now time.Time) error {
	switch {
	case r.IsExpired(now):
		return ErrRoomExpired
	case r.IsLocked:
		return ErrRoomLocked
	case len(r.Participants) >= r.MaxParticipants:
		return ErrRoomFull
	case r.indexOf(userID) >= 0:
		return ErrAlreadyInRoom
	}
	return nil
}

func (r *Room) AddParticipant(identity Identity, displayName string, now time.Time) error {
	if err := ValidateDisplayName(displayName); err != nil {
		return err
	}
	if err := r.CheckJoin(identity.UserID, now); err != nil {
		return err
	}

	r.Participants = append(r.Participants, Participant{
		ID:           identity.UserID,
		DisplayName:  strings.TrimSpace(displayName),
		JoinedAt:     now,
		LastActivity: now,
	})
	return nil
}

// Leave removes a participant and reports whether the room must be destroyed.
func (r *Room) Leave(userID string) (LeaveResult, error) {
	idx := r.indexOf(userID)
	if idx < 0 {
		return LeaveResult{}, ErrParticipantNotFound
	}

	left := r.Participants[idx]
	r.Participants = slices.Delete(r.Participants, idx, idx+1)

	switch {
	case left.IsHost:
		return LeaveResult{Outcome: LeaveDestroyed, Reason: CloseReasonHostLeft, Participant: left}, nil
	case len(r.Participants) == 0:
		return LeaveResult{Outcome: LeaveDestroyed, Reason: CloseReasonEmpty, Participant: left}, nil
	}

	return LeaveResult{Outcome: LeaveUpdated, Participant: left, Room: r.Clone()}, nil
}

// Kick removes target when hostID is the host and target is a non-host member.
func (r *Room) Kick(hostID, targetID string) bool {
	if !r.IsHost(hostID) || targetID == r.HostID {
		return false
	}
	idx := r.indexOf(targetID)
	if idx < 0 {
		return false
	}
	r.Participants = slices.Delete(r.Participants, idx, idx+1)
	return true
}

func (r *Room) Lock(hostID string) bool {
	if !r.IsHost(hostID) {
		return false
	}
	r.IsLocked = true
	return true
}

// AppendMessage keeps at most retention messages, dropping the oldest.
func (r *Room) AppendMessage(msg RoomMessage, retention int) {
	if retention <= 0 {
		retention = DefaultMessageRetention
	}
	r.Messages = append(r.Messages, msg)
	if excess := len(r.Messages) - retention; excess > 0 {
		r.Messages = slices.Clone(r.Messages[excess:])
	}
	r.TouchParticipant(msg.SenderID, msg.Timestamp)
}

func (r *Room) TouchParticipant(id string, now time.Time) bool {
	idx := r.indexOf(id)
	if idx < 0 {
		return false
	}
	r.Participants[idx].LastActivity = now
	return true
}

func (r *Room) indexOf(id string) int {
	return slices.IndexFunc(r.Participants, func(p Participant) bool {
		return p.ID == id
	})
}

func ValidateDisplayName(name string) error {
	if err := validateDisplayName(name); err != nil {
		return NewValidationError(err.Error())
	}
	return nil
}
