package domain

import (
	"time"

	"github.com/google/uuid"
)

// RoomMessage is immutable once created.
type RoomMessage struct {
	ID                string    `json:"id"`
	RoomID            string    `json:"roomId"`
	SenderID          string    `json:"senderId"`
	SenderDisplayName string    `json:"senderDisplayName"`
	Text              string    `json:"text"`
	Timestamp         time.Time `json:"timestamp"`
}

func NewRoomMessage(roomID string, sender Participant, text string, now time.Time) RoomMessage {
	return RoomMessage{
		ID:                uuid.NewString(),
		RoomID:            roomID,
		SenderID:          sender.ID,
		SenderDisplayName: sender.DisplayName,
		Text:              text,
		Timestamp:         now,
	}
}
