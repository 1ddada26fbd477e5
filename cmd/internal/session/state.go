package session

// State is a session's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingCredential
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingCredential:
		return "awaiting_credential"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Live reports whether the session still owns a slot in the registry.
func (s State) Live() bool {
	return s != StateIdle && s != StateClosed
}

// Pending reports whether the session is attached but not yet usable.
func (s State) Pending() bool {
	return s == StateConnecting || s == StateAwaitingCredential || s == StateReconnecting
}

var transitions = map[State][]State{
	StateIdle:               {StateConnecting, StateClosed},
	StateConnecting:         {StateAwaitingCredential, StateConnected, StateReconnecting, StateClosed},
	StateAwaitingCredential: {StateConnected, StateReconnecting, StateClosed},
	StateConnected:          {StateReconnecting, StateClosed},
	StateReconnecting:       {StateConnecting, StateClosed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
