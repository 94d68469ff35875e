package socket

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the connection. Generation counts successful
// connections so observers can tell a reconnection from the first connect.
type Status struct {
	State      State
	Reason     string
	Generation uint64
}

func (s Status) IsConnected() bool {
	return s.State == Connected
}
