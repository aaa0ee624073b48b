package ws

// Inbound command types.
const (
	CommandCreateRoom  = "create_room"
	CommandJoinRoom    = "join_room"
	CommandLeaveRoom   = "leave_room"
	CommandSendMessage = "send_message"
	CommandKick        = "kick"
	CommandLockRoom    = "lock_room"
	CommandPing        = "ping"
)

// Outbound event types.
const (
	EventConnected          = "connected"
	EventRoomCreated        = "room_created"
	EventJoinedRoom         = "joined_room"
	EventJoinRoomError      = "join_room_error"
	EventLeftRoom           = "left_room"
	EventKickResult         = "kick_result"
	EventLockResult         = "lock_result"
	EventPong               = "pong"
	EventError              = "error"
	EventMessage            = "message"
	EventUserJoined         = "user_joined"
	EventUserLeft           = "user_left"
	EventParticipantsUpdate = "participants_update"
	EventRoomClosed         = "room_closed"
	EventRoomLocked         = "room_locked"
	EventKicked             = "kicked"
)

const (
	ErrMsgUnknownType    = "unknown message type"
	ErrMsgInvalidFormat  = "Invalid message format"
	ErrMsgRateLimited    = "Rate limit exceeded"
	ErrMsgInactive       = "Inactive connection"
	ErrMsgInvalidContent = "Invalid message content"
	ErrMsgServerShutdown = "Server shutting down"
)
