package domain

import "context"

type StoreStats struct {
	TotalRooms        int `json:"totalRooms"`
	TotalParticipants int `json:"totalParticipants"`
}

// RoomStore owns the lifetime of rooms, their rosters and message buffers.
// Returned rooms are snapshots; mutating them has no effect on the store.
type RoomStore interface {
	CreateRoom(ctx context.Context, spec CreateRoomSpec, host Identity) (*Room, error)
	GetRoom(ctx context.Context, id string) (*Room, error)
	JoinRoom(ctx context.Context, id string, identity Identity, displayName string) (*Room, error)
	LeaveRoom(ctx context.Context, id string, userID string) (LeaveResult, error)
	Kick(ctx context.Context, id string, hostID string, targetID string) (bool, error)
	Lock(ctx context.Context, id string, hostID string) (bool, error)
	AppendMessage(ctx context.Context, id string, message RoomMessage) error
	Touch(ctx context.Context, id string, userID string) error
	Destroy(ctx context.Context, id string) error
	// SweepExpired destroys every room whose expiresAt has passed and
	// returns their ids.
	SweepExpired(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (StoreStats, error)
}
