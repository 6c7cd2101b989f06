// Package supervisor runs at most one load test at a time and reports its status.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/loadgentool/loadgen/internal/common/loadgencontext"
	"github.com/loadgentool/loadgen/internal/common/loadgenerrors"
	"github.com/loadgentool/loadgen/internal/common/logging"
	"github.com/loadgentool/loadgen/internal/common/util"
	"github.com/loadgentool/loadgen/internal/controller"
	"github.com/loadgentool/loadgen/internal/controller/configuration"
)

// Run is a started driver run.
type Run interface {
	PipeName() string
	Done() <-chan struct{}
	Outcome() controller.Outcome
}

// Orchestrator starts and cancels driver runs.
type Orchestrator interface {
	Start(ctx *loadgencontext.Context, run configuration.RunConfig) (Run, error)
	Cancel(ctx *loadgencontext.Context)
	Progress() *controller.ProgressState
	WaitReady(ctx *loadgencontext.Context) error
	TriggerMetrics(ctx *loadgencontext.Context, run configuration.RunConfig) error
}

type Config struct {
	// Run the metrics collector after every completed run.
	TriggerMetricsOnCompletion bool
	// How long a run waits for the progress pipe before failing.
	ReadyTimeout time.Duration
}

type Supervisor struct {
	orchestrator Orchestrator
	config       Config
	log          *logrus.Entry

	mu              sync.Mutex
	status          Status
	active          bool
	cancelRequested bool
	done            chan struct{}
	subscribers     map[int]chan Status
	nextId          int
	workers         sync.WaitGroup
}

func NewSupervisor(orchestrator Orchestrator, config Config, log *logrus.Entry) *Supervisor {
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = 10 * time.Second
	}
	return &Supervisor{
		orchestrator: orchestrator,
		config:       config,
		log:          logging.OrNull(log),
		status:       Status{State: Idle, ExitCode: -1},
		subscribers:  map[int]chan Status{},
	}
}

// Start validates run and starts it in the background, returning its id. It fails with ErrRunInProgress while
// another run is active; runs are never queued. The run is cancelled if ctx is.
func (s *Supervisor) Start(ctx *loadgencontext.Context, run configuration.RunConfig) (string, error) {
	if err := run.Validate(); err != nil {
		s.log.WithError(err).Error("Invalid run configuration")
		return "", err
	}

	s.mu.Lock()
	if s.active {
		runId := s.status.RunId
		s.mu.Unlock()
		s.log.Warnf("Run %s is still in progress", runId)
		return "", errors.WithStack(&loadgenerrors.ErrRunInProgress{RunId: runId})
	}
	runId := util.NewULID()
	s.active = true
	s.cancelRequested = false
	s.done = make(chan struct{})
	s.mu.Unlock()

	ctx = loadgencontext.New(ctx, s.log.WithField("runId", runId))
	s.orchestrator.Progress().Reset()
	s.update(ctx, func(status *Status) {
		*status = Status{RunId: runId, State: Starting, ExitCode: -1, StartedAt: time.Now()}
	})

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.supervise(ctx, run)
	}()
	return runId, nil
}

func (s *Supervisor) supervise(ctx *loadgencontext.Context, run configuration.RunConfig) {
	progress, unsubscribe := s.orchestrator.Progress().Subscribe()
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for p := range progress {
			s.setProgress(p)
		}
	}()
	defer func() {
		unsubscribe()
		<-forwarded
	}()

	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("run panicked: %v", r)
			logging.WithStacktrace(ctx.Log, err).Error("Recovered from panic in run")
			s.finish(ctx, Failed, -1, err)
		}
	}()

	readyCtx, cancel := loadgencontext.WithTimeout(ctx, s.config.ReadyTimeout)
	err := s.orchestrator.WaitReady(readyCtx)
	cancel()
	if err != nil {
		s.finish(ctx, s.stateForError(err), -1, errors.WithMessage(err, "progress pipe is not ready"))
		return
	}
	if s.isCancelRequested() {
		s.finish(ctx, Cancelled, -1, nil)
		return
	}

	driverRun, err := s.orchestrator.Start(ctx, run)
	if err != nil {
		s.finish(ctx, s.stateForError(err), -1, err)
		return
	}
	// Cancel may have found nothing to cancel while the driver was starting.
	if s.isCancelRequested() {
		s.orchestrator.Cancel(ctx)
	}
	s.update(ctx, func(status *Status) {
		status.State = Running
	})

	<-driverRun.Done()
	outcome := driverRun.Outcome()
	state := fromDriverState(outcome.State)
	s.finish(ctx, state, outcome.ExitCode, outcome.Err)

	if state == Completed && s.config.TriggerMetricsOnCompletion {
		if err := s.orchestrator.TriggerMetrics(ctx, run); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("Failed to trigger metrics collection")
		}
	}
}

func (s *Supervisor) stateForError(err error) State {
	if s.isCancelRequested() || loadgenerrors.CategoryFromError(err) == loadgenerrors.CategoryCancellation {
		return Cancelled
	}
	return Failed
}

func (s *Supervisor) finish(ctx *loadgencontext.Context, state State, exitCode int, err error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err != nil && state == Failed {
		logging.WithStacktrace(ctx.Log, err).Error("Run failed")
	}
	s.update(ctx, func(status *Status) {
		status.State = state
		status.ExitCode = exitCode
		status.Err = err
		status.FinishedAt = time.Now()
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	close(s.done)
}

// Cancel stops the active run. It does nothing if no run is active and may be called any number of times.
func (s *Supervisor) Cancel(ctx *loadgencontext.Context) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		s.log.Debug("No active run to cancel")
		return
	}
	s.cancelRequested = true
	runId := s.status.RunId
	s.mu.Unlock()

	s.log.WithField("runId", runId).Info("Cancelling run")
	s.orchestrator.Cancel(loadgencontext.New(ctx, s.log.WithField("runId", runId)))
}

// Status returns the current or most recent run's status with up to date progress.
func (s *Supervisor) Status() Status {
	progress := s.orchestrator.Progress().Snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.status
	if status.State != Idle {
		status.Progress = progress
	}
	return status
}

// Subscribe returns a channel that always holds the most recent status not yet received. The returned func
// unsubscribes and closes the channel.
func (s *Supervisor) Subscribe() (<-chan Status, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextId
	s.nextId++
	ch := make(chan Status, 1)
	ch <- s.status
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subscribers, id)
			close(ch)
		})
	}
}

// Wait blocks until the active run, if any, has finished and returns its final status.
func (s *Supervisor) Wait(ctx context.Context) (Status, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return s.Status(), nil
	}
	select {
	case <-done:
		return s.Status(), nil
	case <-ctx.Done():
		return s.Status(), errors.WithStack(ctx.Err())
	}
}

// Drain waits for every started run to finish, including any metrics collection started after it completed.
func (s *Supervisor) Drain(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

func (s *Supervisor) update(ctx *loadgencontext.Context, mutate func(*Status)) {
	s.mu.Lock()
	previous := s.status.State
	mutate(&s.status)
	current := s.status.State
	s.publishLocked()
	s.mu.Unlock()
	if previous != current {
		ctx.Log.Infof("Run state %s -> %s", previous, current)
	}
}

func (s *Supervisor) setProgress(p controller.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.status.Progress = p
	s.publishLocked()
}

func (s *Supervisor) isCancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

func (s *Supervisor) publishLocked() {
	for _, ch := range s.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- s.status
	}
}

type controllerOrchestrator struct {
	controller *controller.Controller
}

// ForController adapts a Controller to an Orchestrator.
func ForController(c *controller.Controller) Orchestrator {
	return &controllerOrchestrator{controller: c}
}

func (o *controllerOrchestrator) Start(ctx *loadgencontext.Context, run configuration.RunConfig) (Run, error) {
	driverRun, err := o.controller.Start(ctx, run)
	if err != nil {
		return nil, err
	}
	return driverRun, nil
}

func (o *controllerOrchestrator) Cancel(ctx *loadgencontext.Context) {
	o.controller.Cancel(ctx)
}

func (o *controllerOrchestrator) Progress() *controller.ProgressState {
	return o.controller.Progress()
}

func (o *controllerOrchestrator) WaitReady(ctx *loadgencontext.Context) error {
	return o.controller.ProgressServer().WaitReady(ctx)
}

func (o *controllerOrchestrator) TriggerMetrics(ctx *loadgencontext.Context, run configuration.RunConfig) error {
	return o.controller.TriggerMetrics(ctx, run)
}
