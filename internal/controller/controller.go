// Package controller starts driver processes, connects to them over named pipes, and tracks their progress.
package controller

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/loadgentool/loadgen/internal/common/loadgencontext"
	"github.com/loadgentool/loadgen/internal/common/loadgenerrors"
	"github.com/loadgentool/loadgen/internal/common/logging"
	"github.com/loadgentool/loadgen/internal/common/util"
	"github.com/loadgentool/loadgen/internal/controller/configuration"
	"github.com/loadgentool/loadgen/internal/controlpipe"
	"github.com/loadgentool/loadgen/internal/driver"
	"github.com/loadgentool/loadgen/internal/subprocess"
)

var (
	errRunCancelled  = errors.Wrap(context.Canceled, "run cancelled")
	errDriverExited  = errors.New("driver exited")
	errRunSuperseded = errors.New("superseded by a new run")
)

// Controller runs one driver at a time and serves the progress pipe that drivers report to.
type Controller struct {
	config   configuration.ControllerConfig
	launcher Launcher
	metrics  *Metrics
	progress *ProgressState
	server   *ProgressServer
	trigger  *MetricsTrigger

	mu      sync.Mutex
	current *DriverRun
}

// NewController returns a Controller. Its metrics are registered with reg, which may be nil.
func NewController(
	config configuration.ControllerConfig,
	launcher Launcher,
	reg prometheus.Registerer,
	clock clock.Clock,
) *Controller {
	metrics := NewMetrics(reg)
	progress := NewProgressState()
	return &Controller{
		config:   config,
		launcher: launcher,
		metrics:  metrics,
		progress: progress,
		server: NewProgressServer(
			config.PipeDir, config.ProgressPipeName, progress, metrics, clock, config.ProgressRetryBackoff),
		trigger: NewMetricsTrigger(
			config.Helpers.MetricsCollector,
			config.PipeDir,
			launcher,
			metrics,
			config.MetricsConnectTimeout,
			config.MetricsProcessTimeout,
			config.ProcessWaitTimeout,
		),
	}
}

func (c *Controller) Progress() *ProgressState {
	return c.progress
}

func (c *Controller) ProgressServer() *ProgressServer {
	return c.server
}

// ServeProgress runs the progress server until ctx is cancelled.
func (c *Controller) ServeProgress(ctx *loadgencontext.Context) error {
	return c.server.Run(ctx)
}

// Start launches a driver for run and waits for it to connect to a new control pipe. The returned DriverRun
// completes when the driver exits. If the driver cannot be started or never connects, every resource created
// for the run has been released by the time Start returns.
func (c *Controller) Start(ctx *loadgencontext.Context, run configuration.RunConfig) (*DriverRun, error) {
	if err := run.Validate(); err != nil {
		return nil, err
	}
	run = run.WithPipeName(controlpipe.NewPipeName("ctl"))
	ctx = loadgencontext.WithLogField(ctx, "pipe", run.PipeName)

	if previous := c.currentRun(); previous != nil && !previous.finished() {
		ctx.Log.Warnf("Disposing of driver run %s that is still active", previous.PipeName())
		c.stopRun(ctx, previous, errRunSuperseded)
	}

	listener, err := controlpipe.Listen(c.config.PipeDir, run.PipeName)
	if err != nil {
		return nil, err
	}
	connectCtx, connectCancel := loadgencontext.WithCancelCause(ctx)
	defer connectCancel(nil)
	dr := newDriverRun(run, listener, connectCancel)
	c.setCurrent(dr)

	process, err := c.launcher.Start(c.driverSpec(run))
	if err != nil {
		c.finish(ctx, dr, Outcome{State: driver.Failed, ExitCode: -1, Err: err})
		return nil, err
	}
	dr.setProcess(process)
	go func() {
		select {
		case <-process.Done():
			connectCancel(errDriverExited)
		case <-connectCtx.Done():
		}
	}()

	attempts, err := c.awaitDriver(connectCtx, dr)
	if err != nil {
		err = c.connectFailure(connectCtx, dr, attempts, err)
		if terminateErr := process.Terminate(0, c.config.ProcessWaitTimeout); terminateErr != nil {
			logging.WithStacktrace(ctx.Log, terminateErr).Warn("Failed to stop driver")
		}
		outcome := Outcome{State: driver.Failed, ExitCode: process.ExitCode(), Err: err}
		if loadgenerrors.CategoryFromError(err) == loadgenerrors.CategoryCancellation {
			outcome.State = driver.Cancelled
		}
		c.finish(ctx, dr, outcome)
		return nil, err
	}
	ctx.Log.Infof("Driver %d connected", process.Pid())

	go c.supervise(ctx, dr)
	return dr, nil
}

// awaitDriver accepts the driver's connection, retrying until the configured attempts are used up or
// ctx is cancelled.
func (c *Controller) awaitDriver(ctx *loadgencontext.Context, dr *DriverRun) (uint, error) {
	var attempts uint
	err := retry.Do(
		func() error {
			attempts++
			c.metrics.recordConnectAttempt()
			_, err := dr.listener.Accept(ctx, c.config.AcceptTimeout)
			return err
		},
		retry.Attempts(c.config.ConnectAttempts),
		retry.Delay(c.config.ConnectRetryInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(error) bool {
			return ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			ctx.Log.Infof("Driver has not connected (attempt %d of %d)", n+1, c.config.ConnectAttempts)
		}),
	)
	return attempts, err
}

func (c *Controller) connectFailure(ctx *loadgencontext.Context, dr *DriverRun, attempts uint, err error) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errDriverExited):
		err = errors.Errorf("driver exited with code %d before connecting", dr.getProcess().ExitCode())
	case errors.Is(cause, errRunSuperseded):
		err = cause
	case errors.Is(cause, context.Canceled):
		return errors.WithMessage(cause, "waiting for driver to connect")
	}
	return errors.WithStack(&loadgenerrors.ErrDriverConnectFailed{
		Pipe:     dr.PipeName(),
		Attempts: int(attempts),
		Cause:    err,
	})
}

// supervise reads the driver's result from the control pipe and completes dr once the driver has exited.
func (c *Controller) supervise(ctx *loadgencontext.Context, dr *DriverRun) {
	reading := make(chan struct{})
	go func() {
		defer close(reading)
		err := controlpipe.ReadMessages(ctx, ctx.Log, dr.listener.Conn(), func(m controlpipe.Message) error {
			if m.Kind == controlpipe.KindResult {
				ctx.Log.Infof("Driver reported %s", m.State)
				dr.setReported(m)
			}
			return nil
		})
		if err != nil {
			ctx.Log.WithError(err).Warn("Control pipe failed")
		}
	}()

	process := dr.getProcess()
	select {
	case <-process.Done():
	case <-ctx.Done():
		c.stopRun(ctx, dr, errRunCancelled)
		<-process.Done()
	}

	timer := time.NewTimer(c.config.ProcessWaitTimeout)
	defer timer.Stop()
	select {
	case <-reading:
	case <-timer.C:
		ctx.Log.Warnf("Control pipe still open %s after the driver exited", c.config.ProcessWaitTimeout)
	}
	c.finish(ctx, dr, dr.classify(process.ExitCode()))
}

// Cancel stops the current run, if any, and the metrics collector, if it is running. It may be called at any
// time and any number of times.
func (c *Controller) Cancel(ctx *loadgencontext.Context) {
	if dr := c.currentRun(); dr != nil {
		c.stopRun(loadgencontext.WithLogField(ctx, "pipe", dr.PipeName()), dr, errRunCancelled)
	}
	c.trigger.Stop(ctx)
}

// stopRun asks the driver to cancel, then kills it if it has not exited after the grace period.
func (c *Controller) stopRun(ctx *loadgencontext.Context, dr *DriverRun, cause error) {
	dr.stopOnce.Do(func() {
		if dr.finished() {
			return
		}
		dr.setStopping()
		if conn := dr.listener.Conn(); conn != nil {
			if err := controlpipe.NewWriter(conn).Send(controlpipe.Cancel()); err != nil {
				ctx.Log.WithError(err).Warn("Failed to send cancel to driver")
			} else {
				ctx.Log.Info("Sent cancel to driver")
			}
		} else {
			ctx.Log.Info("Driver is not connected, skipping cancel message")
		}
		dr.connectCancel(cause)

		if process := dr.getProcess(); process != nil {
			if err := process.Terminate(c.config.CancelGracePeriod, c.config.ProcessWaitTimeout); err != nil {
				logging.WithStacktrace(ctx.Log, err).Warn("Failed to stop driver")
			}
		}
		util.CloseResource(ctx.Log, "control pipe", dr.listener)
	})
}

func (c *Controller) finish(ctx *loadgencontext.Context, dr *DriverRun, outcome Outcome) {
	util.CloseResource(ctx.Log, "control pipe", dr.listener)
	c.metrics.recordRun(outcome.State, time.Since(dr.startedAt))
	log := ctx.Log.WithField("exitCode", outcome.ExitCode)
	if outcome.Err != nil {
		logging.WithStacktrace(log, outcome.Err).Errorf("Driver run finished in state %s", outcome.State)
	} else {
		log.Infof("Driver run finished in state %s", outcome.State)
	}
	dr.complete(outcome)
}

// TriggerMetrics runs the metrics collector for run's session. It is a no-op if no collector is configured.
func (c *Controller) TriggerMetrics(ctx *loadgencontext.Context, run configuration.RunConfig) error {
	return c.trigger.Fire(ctx, MetricsRequest{
		Hostname:  run.Hostname,
		SoapToken: run.SoapToken,
		VpsId:     run.VpsId,
		SessionId: run.SessionId,
	})
}

func (c *Controller) MetricsEnabled() bool {
	return c.trigger.Enabled()
}

func (c *Controller) driverSpec(run configuration.RunConfig) subprocess.Spec {
	args := []string{
		"--soapToken", run.SoapToken,
		"--totalJobs", strconv.Itoa(run.TotalJobs),
		"--stepValue", strconv.Itoa(run.StepSize),
		"--hostname", run.Hostname,
		"--vpsid", run.VpsId,
		"--username", run.Username,
		"--password", run.Password,
		"--sessionId", run.SessionId,
		"--pipeName", run.PipeName,
		"--queues", strings.Join(run.Queues, ","),
		"--pipeDir", c.config.PipeDir,
		"--progressPipe", c.config.ProgressPipeName,
		"--selectionHelper", c.config.Helpers.Selection,
		"--gatewayTester", c.config.Helpers.GatewayTester,
		"--connectTimeout", c.config.DriverConnectTimeout.String(),
		"--interBatchDelay", c.config.InterBatchDelay.String(),
		"--metricsThreshold", strconv.FormatFloat(c.config.MetricsThreshold, 'f', -1, 64),
	}
	if c.config.Helpers.MetricsMonitor != "" {
		args = append(args, "--metricsMonitor", c.config.Helpers.MetricsMonitor)
	}
	if c.config.DriverConfigFile != "" {
		args = append(args, "--config", c.config.DriverConfigFile)
	}
	return subprocess.Spec{
		Name: "driver",
		Path: c.config.Helpers.Driver,
		Args: args,
	}
}

func (c *Controller) currentRun() *DriverRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) setCurrent(dr *DriverRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = dr
}
