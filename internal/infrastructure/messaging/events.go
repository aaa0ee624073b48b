package messaging

import "time"

// RoomEventData is the body of every lifecycle event. Rosters and messages
// are never included.
type RoomEventData struct {
	RoomID           string    `json:"roomId"`
	UserID           string    `json:"userId,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	ParticipantCount int       `json:"participantCount"`
	OccurredAt       time.Time `json:"occurredAt"`
}
