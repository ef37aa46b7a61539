package relay

// State is the lifecycle state of one relay session.
type State int

const (
	StateConnecting State = iota
	StateListening
	StateSpeaking
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed
}

// Accepting reports whether the session accepts client audio.
func (s State) Accepting() bool {
	return s == StateListening || s == StateSpeaking
}

// validTransition encodes the session state machine: connecting →
// listening ⇄ speaking → closing → closed, with error reachable from any
// non-terminal state.
func validTransition(from, to State) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch to {
	case StateError:
		return true
	case StateClosed:
		return from == StateClosing || from == StateError
	case StateClosing:
		return from != StateError
	case StateListening:
		return from == StateConnecting || from == StateSpeaking
	case StateSpeaking:
		return from == StateListening
	default:
		return false
	}
}
