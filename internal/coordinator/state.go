package coordinator

import "fmt"

// State is the lifecycle position of a single request.
type State int

const (
	Idle State = iota
	Authenticating
	Executing
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Authenticating:
		return "authenticating"
	case Executing:
		return "executing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}

// Metadata requests carry no password and go straight from Idle to Executing.
var transitions = map[State][]State{
	Idle:           {Authenticating, Executing, Failed},
	Authenticating: {Executing, Failed},
	Executing:      {Succeeded, Failed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
