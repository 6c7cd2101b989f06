package controller

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/loadgentool/loadgen/internal/controller/configuration"
	"github.com/loadgentool/loadgen/internal/controlpipe"
	"github.com/loadgentool/loadgen/internal/driver"
)

// Outcome is how a driver run ended.
type Outcome struct {
	State driver.State
	// ExitCode is -1 if the driver never started or was killed.
	ExitCode int
	// Detail is what the driver reported about its result, if anything.
	Detail string
	Err    error
}

// DriverRun is one driver process and its control pipe.
type DriverRun struct {
	config        configuration.RunConfig
	listener      *controlpipe.Listener
	connectCancel context.CancelCauseFunc
	startedAt     time.Time
	stopOnce      sync.Once

	mu       sync.Mutex
	process  Process
	reported *controlpipe.Message
	stopping bool

	done    chan struct{}
	outcome Outcome
}

func newDriverRun(config configuration.RunConfig, listener *controlpipe.Listener, connectCancel context.CancelCauseFunc) *DriverRun {
	return &DriverRun{
		config:        config,
		listener:      listener,
		connectCancel: connectCancel,
		startedAt:     time.Now(),
		done:          make(chan struct{}),
	}
}

func (r *DriverRun) PipeName() string {
	return r.config.PipeName
}

func (r *DriverRun) Config() configuration.RunConfig {
	return r.config
}

// Done is closed once the driver has exited and the run's resources are released.
func (r *DriverRun) Done() <-chan struct{} {
	return r.done
}

// Outcome returns the run's outcome. It is only meaningful once Done is closed.
func (r *DriverRun) Outcome() Outcome {
	select {
	case <-r.done:
		return r.outcome
	default:
		return Outcome{}
	}
}

// Wait blocks until the run completes or ctx is done.
func (r *DriverRun) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		return r.outcome, nil
	case <-ctx.Done():
		return Outcome{}, errors.WithStack(ctx.Err())
	}
}

func (r *DriverRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *DriverRun) complete(outcome Outcome) {
	r.outcome = outcome
	close(r.done)
}

func (r *DriverRun) setProcess(p Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.process = p
}

func (r *DriverRun) getProcess() Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.process
}

func (r *DriverRun) setReported(m controlpipe.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = &m
}

func (r *DriverRun) setStopping() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopping = true
}

// classify classifies a driver that exited with exitCode. A driver that exits while being stopped was
// cancelled, however it exited.
func (r *DriverRun) classify(exitCode int) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := Outcome{ExitCode: exitCode}
	var reportedState driver.State
	reportedOk := false
	if r.reported != nil {
		o.Detail = r.reported.Detail
		reportedState, reportedOk = driver.ParseState(r.reported.State)
	}

	switch {
	case r.stopping:
		o.State = driver.Cancelled
	case exitCode == 0 && reportedOk && reportedState.Terminal() && reportedState != driver.Failed:
		o.State = reportedState
	case exitCode == 0:
		o.State = driver.Completed
	default:
		o.State = driver.Failed
		if o.Detail != "" {
			o.Err = errors.Errorf("driver exited with code %d: %s", exitCode, o.Detail)
		} else {
			o.Err = errors.Errorf("driver exited with code %d", exitCode)
		}
	}
	return o
}
