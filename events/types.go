package events

// Wire event names.
const (
	// Outbound.
	JoinRoom    = "join_room"
	LeaveRoom   = "leave_room"
	SendMessage = "send_message"
	Typing      = "typing"
	StopTyping  = "stop_typing"

	// Inbound.
	Connected       = "connected"
	MessageReceived = "message_received"
	RoomJoined      = "room_joined"
	RoomLeft        = "room_left"
	ServerErr       = "error"
	UserTyping      = "user_typing"
	UserStopTyping  = "user_stop_typing"
)

// RoomEvent acknowledges a join or leave.
type RoomEvent struct {
	RoomID int64
}

// ServerError is an application error pushed by the server.
type ServerError struct {
	Message string
}

// TypingEvent is a remote user's typing start or stop signal.
type TypingEvent struct {
	RoomID   int64
	UserID   int64
	UserName string
	Typing   bool
}

// RoomPayload is the body of every outbound room-scoped event.
type RoomPayload struct {
	RoomID int64 `json:"classroom_id"`
}

// MessagePayload is the body of send_message.
type MessagePayload struct {
	RoomID  int64  `json:"classroom_id"`
	Content string `json:"content"`
}

type roomWire struct {
	ClassroomID int64 `json:"classroom_id"`
	RoomID      int64 `json:"room_id"`
}

func (w roomWire) id() int64 {
	if w.ClassroomID != 0 {
		return w.ClassroomID
	}

	return w.RoomID
}

type typingWire struct {
	roomWire
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
}

type errorWire struct {
	Message string `json:"message"`
}
