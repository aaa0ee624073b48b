package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hilthontt/ephemera/internal/domain"
	"github.com/hilthontt/ephemera/internal/infrastructure/contracts"
	"github.com/hilthontt/ephemera/internal/infrastructure/messaging"
)

// Publisher is satisfied by *messaging.RabbitMQ.
type Publisher interface {
	PublishMessage(ctx context.Context, routingKey string, message contracts.AmqpMessage) error
}

type RoomPublisher struct {
	publisher Publisher
	now       func() time.Time
}

func NewRoomPublisher(publisher Publisher) *RoomPublisher {
	return &RoomPublisher{
		publisher: publisher,
		now:       time.Now,
	}
}

func (p *RoomPublisher) PublishRoomCreated(ctx context.Context, room *domain.Room) error {
	return p.publish(ctx, contracts.EventRoomCreated, room.HostID, messaging.RoomEventData{
		RoomID:           room.ID,
		UserID:           room.HostID,
		ParticipantCount: len(room.Participants),
	})
}

func (p *RoomPublisher) PublishRoomClosed(ctx context.Context, roomID string, reason domain.CloseReason) error {
	return p.publish(ctx, contracts.EventRoomClosed, "", messaging.RoomEventData{
		RoomID: roomID,
		Reason: string(reason),
	})
}

func (p *RoomPublisher) PublishMemberJoined(ctx context.Context, room *domain.Room, userID string) error {
	return p.publish(ctx, contracts.EventMemberJoined, room.HostID, messaging.RoomEventData{
		RoomID:           room.ID,
		UserID:           userID,
		ParticipantCount: len(room.Participants),
	})
}

func (p *RoomPublisher) PublishMemberLeft(ctx context.Context, room *domain.Room, userID string) error {
	return p.publish(ctx, contracts.EventMemberLeft, room.HostID, messaging.RoomEventData{
		RoomID:           room.ID,
		UserID:           userID,
		ParticipantCount: len(room.Participants),
	})
}

func (p *RoomPublisher) PublishMemberKicked(ctx context.Context, room *domain.Room, userID string) error {
	return p.publish(ctx, contracts.EventMemberKicked, room.HostID, messaging.RoomEventData{
		RoomID:           room.ID,
		UserID:           userID,
		Reason:           "kicked",
		ParticipantCount: len(room.Participants),
	})
}

func (p *RoomPublisher) publish(ctx context.Context, routingKey, ownerID string, data messaging.RoomEventData) error {
	data.OccurredAt = p.now().UTC()

	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return p.publisher.PublishMessage(ctx, routingKey, contracts.AmqpMessage{
		OwnerID: ownerID,
		Data:    payload,
	})
}

// NopPublisher drops every event; used when RabbitMQ is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishRoomCreated(context.Context, *domain.Room) error { return nil }
func (NopPublisher) PublishRoomClosed(context.Context, string, domain.CloseReason) error { return nil }
func (NopPublisher) PublishMemberJoined(context.Context, *domain.Room, string) error { return nil }
func (NopPublisher) PublishMemberLeft(context.Context, *domain.Room, string) error { return nil }
func (NopPublisher) PublishMemberKicked(context.Context, *domain.Room, string) error { return nil }
