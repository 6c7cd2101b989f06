package driver

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/loadgentool/loadgen/internal/common/loadgencontext"
	"github.com/loadgentool/loadgen/internal/common/loadgenerrors"
	"github.com/loadgentool/loadgen/internal/common/logging"
	"github.com/loadgentool/loadgen/internal/common/util"
	"github.com/loadgentool/loadgen/internal/controlpipe"
	"github.com/loadgentool/loadgen/internal/gateway"
)

// ErrCancelRequested is the cancellation cause when the controller sends "cancel".
var ErrCancelRequested = errors.New("cancel requested by controller")

// Result summarises a finished run.
type Result struct {
	State     State
	Submitted int
	Batches   int
	// Err is set for Failed runs.
	Err error
}

// Worker submits a run's jobs in batches, reporting progress to the controller and stopping when it is told to.
type Worker struct {
	args     Args
	config   Config
	plan     BatchPlan
	selector Selector
	gateway  gateway.Client
	monitor  MetricsMonitor
	clock    clock.Clock

	mu    sync.Mutex
	state State
}

// NewWorker returns a Worker for args, which must already be valid. monitor may be nil.
func NewWorker(
	args Args,
	config Config,
	selector Selector,
	client gateway.Client,
	monitor MetricsMonitor,
	clock clock.Clock,
) *Worker {
	return &Worker{
		args:     args,
		config:   config,
		plan:     BatchPlan{TotalJobs: args.TotalJobs, StepSize: args.StepValue},
		selector: selector,
		gateway:  client,
		monitor:  monitor,
		clock:    clock,
		state:    Idle,
	}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(ctx *loadgencontext.Context, state State) {
	w.mu.Lock()
	previous := w.state
	w.state = state
	w.mu.Unlock()
	ctx.Log.Infof("Driver state %s -> %s", previous, state)
}

// Run connects to the controller and submits every batch unless cancelled. Both pipes are closed and the
// cancellation listener has exited by the time Run returns.
func (w *Worker) Run(ctx *loadgencontext.Context) Result {
	ctx = loadgencontext.WithLogField(ctx, "pipe", w.args.PipeName)
	w.setState(ctx, Connecting)

	control, err := controlpipe.Dial(ctx, w.config.PipeDir, w.args.PipeName, w.config.ConnectTimeout, w.config.ConnectRetryInterval)
	if err != nil {
		return w.finish(ctx, Result{
			State: Failed,
			Err:   errors.WithStack(&loadgenerrors.ErrControlChannelUnreachable{Pipe: w.args.PipeName, Cause: err}),
		})
	}
	ctx.Log.Info("Connected to controller")

	runCtx, cancel := loadgencontext.WithCancelCause(ctx)
	defer cancel(nil)

	var listener errgroup.Group
	listener.Go(func() error {
		return w.listenForCancel(runCtx, control, cancel)
	})

	result := w.submitAll(runCtx)

	if err := controlpipe.NewWriter(control).Send(resultMessage(result)); err != nil {
		ctx.Log.WithError(err).Debug("Could not report result to controller")
	}
	if err := util.CloseAll(util.NamedCloser{Name: "control pipe", Closer: control}); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("Error closing control pipe")
	}
	if err := listener.Wait(); err != nil {
		ctx.Log.WithError(err).Warn("Control channel listener failed")
	}
	return w.finish(ctx, result)
}

func (w *Worker) finish(ctx *loadgencontext.Context, result Result) Result {
	w.setState(ctx, result.State)
	log := ctx.Log.WithField("submitted", result.Submitted).WithField("batches", result.Batches)
	if result.Err != nil {
		logging.WithStacktrace(log, result.Err).Errorf("Driver finished in state %s", result.State)
	} else {
		log.Infof("Driver finished in state %s", result.State)
	}
	return result
}

// listenForCancel fires cancel with ErrCancelRequested when "cancel" arrives. If the channel fails it fires
// cancel with the failure instead, so that a broken listener cannot leave the loop uncancellable.
func (w *Worker) listenForCancel(ctx *loadgencontext.Context, control net.Conn, cancel context.CancelCauseFunc) error {
	err := controlpipe.ReadMessages(ctx, ctx.Log, control, func(m controlpipe.Message) error {
		if m.Kind != controlpipe.KindCancel {
			return nil
		}
		ctx.Log.Info("Cancellation requested by controller")
		cancel(ErrCancelRequested)
		return controlpipe.ErrStopReading
	})
	if err != nil {
		cancel(errors.WithMessage(err, "control channel listener failed"))
	}
	return err
}

func (w *Worker) submitAll(ctx *loadgencontext.Context) Result {
	progressConn, err := controlpipe.Dial(
		ctx, w.config.PipeDir, w.config.ProgressPipeName, w.config.ConnectTimeout, w.config.ConnectRetryInterval)
	if err != nil {
		return Result{
			State: Failed,
			Err:   errors.WithStack(&loadgenerrors.ErrControlChannelUnreachable{Pipe: w.config.ProgressPipeName, Cause: err}),
		}
	}
	defer util.CloseResource(ctx.Log, "progress pipe", progressConn)
	progress := &progressReporter{writer: controlpipe.NewWriter(progressConn), ctx: ctx}

	progress.send(controlpipe.SetProgressConfig(w.args.TotalJobs, w.args.StepValue))
	w.setState(ctx, Submitting)

	gatewayUrl := gateway.GatewayUrl(w.args.Hostname)
	submitted, batches := 0, 0
	metricsCalled := false
	for submitted < w.plan.TotalJobs {
		if ctx.Err() != nil {
			return w.stopped(ctx, submitted, batches)
		}
		batchSize := w.plan.BatchSize(submitted)

		queue, job, err := w.selector.Select(ctx, w.args.Queues)
		if err != nil {
			if ctx.Err() != nil {
				return w.stopped(ctx, submitted, batches)
			}
			return Result{State: Failed, Submitted: submitted, Batches: batches, Err: err}
		}

		err = w.gateway.SubmitJob(ctx, gateway.Submission{
			GatewayUrl: gatewayUrl,
			Username:   w.args.Username,
			Password:   w.args.Password,
			Queue:      queue,
			Job:        job,
			Count:      batchSize,
		})
		if ctx.Err() != nil {
			return w.stopped(ctx, submitted, batches)
		}
		if err != nil {
			logging.WithStacktrace(ctx.Log, err).Errorf("Error submitting batch %d", batches+1)
		}

		submitted += batchSize
		batches++
		ctx.Log.Infof("Batch of %d job(s) submitted to %s. Total submitted: %d", batchSize, queue, submitted)

		if !metricsCalled && float64(submitted) >= w.config.MetricsThreshold*float64(w.plan.TotalJobs) {
			metricsCalled = true
			w.collectMetrics(ctx)
		}
		if ctx.Err() != nil {
			return w.stopped(ctx, submitted, batches)
		}
		progress.send(controlpipe.Increment())

		if submitted < w.plan.TotalJobs && w.config.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return w.stopped(ctx, submitted, batches)
			case <-w.clock.After(w.config.InterBatchDelay):
			}
		}
	}
	return Result{State: Completed, Submitted: submitted, Batches: batches}
}

func (w *Worker) collectMetrics(ctx *loadgencontext.Context) {
	if w.monitor == nil {
		ctx.Log.Debug("Metrics threshold reached but no metrics monitor is configured")
		return
	}
	ctx.Log.Infof("Calling metrics monitor at %.0f%% completion", w.config.MetricsThreshold*100)
	if err := w.monitor.Collect(ctx, w.args.SessionId, w.args.TotalJobs); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("Metrics monitor failed")
	}
}

// stopped classifies a loop that ended because ctx was cancelled.
func (w *Worker) stopped(ctx *loadgencontext.Context, submitted, batches int) Result {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrCancelRequested) || errors.Is(cause, context.Canceled) {
		ctx.Log.Info("Job submission cancelled")
		return Result{State: Cancelled, Submitted: submitted, Batches: batches}
	}
	return Result{State: Failed, Submitted: submitted, Batches: batches, Err: cause}
}

func resultMessage(r Result) controlpipe.Message {
	detail := ""
	if r.Err != nil {
		detail = r.Err.Error()
	}
	return controlpipe.Result(r.State.String(), detail)
}

// progressReporter sends progress messages. A failed send is logged and the run carries on; progress is
// advisory and must not stop submission.
type progressReporter struct {
	writer *controlpipe.Writer
	ctx    *loadgencontext.Context
}

func (p *progressReporter) send(m controlpipe.Message) {
	if err := p.writer.Send(m); err != nil {
		p.ctx.Log.WithError(err).Warnf("Failed to report progress (%s)", m)
	}
}
