package client

// State is the connection state of a Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Suppressed means the retry budget ran out. Only an explicit Connect
	// leaves it.
	Suppressed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Suppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// transitions lists, per state, the states it may move to.
var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected, Suppressed},
	Connected:    {Disconnected},
	Suppressed:   {Connecting, Disconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
