package bridge

// State is a bridge lifecycle stage. Transitions only move forward:
// Created, Connected, Listening, ShuttingDown, Terminated. A startup failure
// jumps straight to ShuttingDown.
type State int

const (
	StateCreated State = iota
	StateConnected
	StateListening
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
