package contracts

// AmqpMessage is the message structure for AMQP.
type AmqpMessage struct {
	OwnerID string `json:"ownerId"`
	Data    []byte `json:"data"`
}

// Routing keys on the rooms exchange.
const (
	EventRoomCreated  = "room.created"
	EventRoomClosed   = "room.closed"
	EventMemberJoined = "member.joined"
	EventMemberLeft   = "member.left"
	EventMemberKicked = "member.kicked"
)
