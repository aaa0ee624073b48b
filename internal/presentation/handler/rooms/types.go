package rooms

import (
	"github.com/hilthontt/ephemera/internal/domain"
	"github.com/hilthontt/ephemera/internal/infrastructure/ws"
)

type createRoomRequest struct {
	Name            string                `json:"name"`
	MaxParticipants int                   `json:"maxParticipants"`
	Duration        int                   `json:"duration"`
	HostName        string                `json:"hostName"`
	Settings        *domain.SettingsInput `json:"settings,omitempty"`
}

func (r createRoomRequest) spec() domain.CreateRoomSpec {
	return domain.CreateRoomSpec{
		Name:            r.Name,
		Duration:        r.Duration,
		MaxParticipants: r.MaxParticipants,
		HostName:        r.HostName,
		Settings:        r.Settings,
	}
}

type createRoomResponse struct {
	RoomID   string       `json:"roomId"`
	RoomLink string       `json:"roomLink"`
	Token    string       `json:"token"`
	Room     *ws.RoomView `json:"room"`
}
