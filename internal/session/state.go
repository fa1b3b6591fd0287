package session

// State is a session's lifecycle position.
type State string

const (
	StateStarting       State = "starting"
	StateRunning        State = "running"
	StateWaitingForTool State = "waiting_for_tool"
	StateCompleted      State = "completed"
	StateCancelled      State = "cancelled"
	StateFailed         State = "failed"
)

// transitions is the complete edge table. Pairs not listed are invalid;
// terminal states have no outgoing edges.
var transitions = map[State][]State{
	StateStarting:       {StateRunning, StateCancelled},
	StateRunning:        {StateWaitingForTool, StateCompleted, StateFailed, StateCancelled},
	StateWaitingForTool: {StateRunning, StateFailed, StateCancelled},
	StateCompleted:      nil,
	StateCancelled:      nil,
	StateFailed:         nil,
}

// Terminal reports whether the session emits no further events in this state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// ValidTransition reports whether the edge table declares an edge from one
// state to the other.
func ValidTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
