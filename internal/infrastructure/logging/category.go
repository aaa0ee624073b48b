package logging

type Category string
type SubCategory string
type ExtraKey string

const (
	General         Category = "General"
	IO              Category = "IO"
	Internal        Category = "Internal"
	Redis           Category = "Redis"
	RabbitMQ        Category = "RabbitMQ"
	Nats            Category = "Nats"
	Validation      Category = "Validation"
	RequestResponse Category = "RequestResponse"
	Prometheus      Category = "Prometheus"
	WebSocket       Category = "WebSocket"
	Room            Category = "Room"
)

const (
	// General
	Startup         SubCategory = "Startup"
	Shutdown        SubCategory = "Shutdown"
	RateLimiting    SubCategory = "RateLimiting"
	ExternalService SubCategory = "ExternalService"

	// Room
	Lifecycle SubCategory = "Lifecycle"
	Sweep     SubCategory = "Sweep"
	Fanout    SubCategory = "Fanout"

	// WebSocket
	Handshake   SubCategory = "Handshake"
	Command     SubCategory = "Command"
	Delivery    SubCategory = "Delivery"
	Eviction    SubCategory = "Eviction"
	Subscribing SubCategory = "Subscribing"

	// RequestResponse
	Api SubCategory = "Api"
)

const (
	AppName      ExtraKey = "AppName"
	LoggerName   ExtraKey = "Logger"
	ClientIp     ExtraKey = "ClientIp"
	HostIp       ExtraKey = "HostIp"
	Method       ExtraKey = "Method"
	StatusCode   ExtraKey = "StatusCode"
	BodySize     ExtraKey = "BodySize"
	Path         ExtraKey = "Path"
	Latency      ExtraKey = "Latency"
	RequestBody  ExtraKey = "RequestBody"
	ResponseBody ExtraKey = "ResponseBody"
	ErrorMessage ExtraKey = "ErrorMessage"

	RoomID       ExtraKey = "RoomId"
	UserID       ExtraKey = "UserId"
	ConnectionID ExtraKey = "ConnectionId"
	Reason       ExtraKey = "Reason"
	Count        ExtraKey = "Count"
	CommandType  ExtraKey = "CommandType"
	Topic        ExtraKey = "Topic"
)
