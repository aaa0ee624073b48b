package session

type createSessionRequest struct {
	Name string `json:"name"`
}

type sessionResponse struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Token  string `json:"token"`
}

type refreshResponse struct {
	Token  string `json:"token"`
	RoomID string `json:"roomId,omitempty"`
}
