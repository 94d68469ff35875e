package session

import (
	"github.com/edustream/classchat/chat"
	"github.com/edustream/classchat/socket"
)

// Phase is the lifecycle of one room-viewing session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseReady
	PhaseError
	PhaseDisposed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseError:
		return "error"
	case PhaseDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Scope says which operation a failure belongs to.
type Scope string

const (
	ScopeInitial    Scope = "initial"
	ScopeLoadMore   Scope = "load-more"
	ScopeServer     Scope = "server"
	ScopeAuth       Scope = "auth"
	ScopeSend       Scope = "send"
	ScopeConnection Scope = "connection"
)

// Failure is a dismissible, user-facing notice.
type Failure struct {
	Scope   Scope
	Message string
}

// State is an immutable snapshot of a session.
type State struct {
	RoomID      int64
	UserID      int64
	Phase       Phase
	Messages    []chat.Message
	LoadingMore bool
	HasMore     bool
	Connection  socket.Status
	Member      bool
	Failure     *Failure
	TypingUsers []chat.TypingUser
}

// CanSend reports whether the message input should be enabled.
func (s State) CanSend() bool {
	return s.Connection.State == socket.Connected && s.Member && s.Phase != PhaseDisposed
}

func (s State) clone() State {
	out := s
	out.Messages = append([]chat.Message(nil), s.Messages...)
	out.TypingUsers = append([]chat.TypingUser(nil), s.TypingUsers...)

	if s.Failure != nil {
		f := *s.Failure
		out.Failure = &f
	}

	return out
}
