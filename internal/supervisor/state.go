package supervisor

import (
	"fmt"
	"time"

	"github.com/loadgentool/loadgen/internal/controller"
	"github.com/loadgentool/loadgen/internal/driver"
)

type State int

const (
	Idle State = iota
	Starting
	Running
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	case Cancelled:
		return "Cancelled"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

func fromDriverState(s driver.State) State {
	switch s {
	case driver.Completed:
		return Completed
	case driver.Cancelled:
		return Cancelled
	default:
		return Failed
	}
}

// Status describes the most recent run.
type Status struct {
	RunId    string
	State    State
	Progress controller.Progress
	// ExitCode is the driver's exit code, or -1 if it never started, never connected or was killed.
	ExitCode   int
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}
