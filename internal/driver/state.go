package driver

import "strings"

// State is the driver's position in its lifecycle: Idle, Connecting, Submitting, then one terminal state.
type State int

const (
	Idle State = iota
	Connecting
	Submitting
	Completed
	Cancelled
	Failed
)

var stateNames = map[State]string{
	Idle:       "Idle",
	Connecting: "Connecting",
	Submitting: "Submitting",
	Completed:  "Completed",
	Cancelled:  "Cancelled",
	Failed:     "Failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// ExitCode is the process exit code for a driver that finished in s.
func (s State) ExitCode() int {
	if s == Completed || s == Cancelled {
		return 0
	}
	return 1
}

// ParseState is the inverse of String, ignoring case.
func ParseState(s string) (State, bool) {
	for state, name := range stateNames {
		if strings.EqualFold(name, s) {
			return state, true
		}
	}
	return Idle, false
}
