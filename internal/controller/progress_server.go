package controller

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/loadgentool/loadgen/internal/common/loadgencontext"
	"github.com/loadgentool/loadgen/internal/controlpipe"
)

// acceptPollInterval bounds each wait for a driver on the progress pipe.
const acceptPollInterval = time.Minute

// ProgressServer listens on the progress pipe for as long as it runs, serving one driver at a time and
// applying its messages to a ProgressState in arrival order.
type ProgressServer struct {
	dir     string
	name    string
	state   *ProgressState
	metrics *Metrics
	clock   clock.Clock
	backoff time.Duration

	mu        sync.Mutex
	running   bool
	listening bool
	// ready is closed while the server is listening and replaced when it stops.
	ready chan struct{}
}

func NewProgressServer(
	dir, name string,
	state *ProgressState,
	metrics *Metrics,
	clock clock.Clock,
	backoff time.Duration,
) *ProgressServer {
	return &ProgressServer{
		dir:     dir,
		name:    name,
		state:   state,
		metrics: metrics,
		clock:   clock,
		backoff: backoff,
		ready:   make(chan struct{}),
	}
}

// Run serves until ctx is cancelled. Failures are logged and the pipe is recreated after a backoff.
func (s *ProgressServer) Run(ctx *loadgencontext.Context) error {
	ctx = loadgencontext.WithLogField(ctx, "pipe", s.name)
	s.setRunning(true)
	defer s.setRunning(false)

	ctx.Log.Info("Progress server started")
	for ctx.Err() == nil {
		err := s.serveOne(ctx)
		if err == nil || ctx.Err() != nil {
			continue
		}
		ctx.Log.WithError(err).Warnf("Progress pipe failed, retrying in %s", s.backoff)
		select {
		case <-ctx.Done():
		case <-s.clock.After(s.backoff):
		}
	}
	ctx.Log.Info("Progress server stopped")
	return nil
}

// serveOne listens for a single driver and reads from it until it disconnects.
func (s *ProgressServer) serveOne(ctx *loadgencontext.Context) error {
	listener, err := controlpipe.Listen(s.dir, s.name)
	if err != nil {
		return err
	}
	s.setListening(true)
	defer func() {
		s.setListening(false)
		if err := listener.Close(); err != nil {
			ctx.Log.WithError(err).Warn("Failed to close progress pipe")
		}
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = listener.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := listener.Accept(ctx, acceptPollInterval)
		if err == nil {
			s.setListening(false)
			ctx.Log.Debug("Driver connected to progress pipe")
			err = controlpipe.ReadMessages(ctx, ctx.Log, conn, func(m controlpipe.Message) error {
				s.apply(ctx, m)
				return nil
			})
			ctx.Log.Debug("Driver disconnected from progress pipe")
			return errors.WithMessage(err, "reading progress pipe")
		}
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			return err
		}
	}
}

func (s *ProgressServer) apply(ctx *loadgencontext.Context, m controlpipe.Message) {
	var p Progress
	switch m.Kind {
	case controlpipe.KindSetProgressConfig:
		p = s.state.Configure(m.TotalJobs, m.StepSize)
		ctx.Log.Infof("Progress configured for %d batch(es)", p.TotalBatches)
	case controlpipe.KindIncrement:
		var ok bool
		if p, ok = s.state.Increment(); !ok {
			ctx.Log.Warnf("Ignoring increment beyond %d of %d batch(es)", p.BatchesCompleted, p.TotalBatches)
			return
		}
	default:
		ctx.Log.Debugf("Ignoring %s on progress pipe", m.Kind)
		return
	}
	if s.metrics != nil {
		s.metrics.recordProgress(p)
	}
}

// WaitReady blocks until the server is listening for a driver.
func (s *ProgressServer) WaitReady(ctx *loadgencontext.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return errors.WithMessage(ctx.Err(), "waiting for progress pipe")
	}
}

// Check implements health.Checker.
func (s *ProgressServer) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return errors.New("progress server is not running")
	}
	return nil
}

func (s *ProgressServer) setRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

func (s *ProgressServer) setListening(listening bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening == listening {
		return
	}
	s.listening = listening
	if listening {
		close(s.ready)
	} else {
		s.ready = make(chan struct{})
	}
}
