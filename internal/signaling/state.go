package signaling

// ReadyState is the connection state of a Client.
type ReadyState int

const (
	StateClosed ReadyState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ReadyState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// canTransition lists every legal edge of the connection state machine.
func (s ReadyState) canTransition(to ReadyState) bool {
	switch s {
	case StateClosed:
		return to == StateConnecting
	case StateConnecting:
		return to == StateOpen || to == StateClosing || to == StateClosed
	case StateOpen:
		return to == StateClosing || to == StateClosed
	case StateClosing:
		return to == StateClosed
	default:
		return false
	}
}
