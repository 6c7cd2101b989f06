package controller

import (
	"sync"
	"time"

	"github.com/loadgentool/loadgen/internal/common/loadgencontext"
	"github.com/loadgentool/loadgen/internal/common/logging"
	"github.com/loadgentool/loadgen/internal/common/util"
	"github.com/loadgentool/loadgen/internal/controlpipe"
	"github.com/loadgentool/loadgen/internal/subprocess"
)

// MetricsRequest identifies the session whose metrics are collected.
type MetricsRequest struct {
	Hostname  string
	SoapToken string
	VpsId     string
	SessionId string
}

// MetricsTrigger starts the metrics collector and tells it to run over a one-shot pipe.
type MetricsTrigger struct {
	path           string
	dir            string
	launcher       Launcher
	metrics        *Metrics
	connectTimeout time.Duration
	processTimeout time.Duration
	waitTimeout    time.Duration

	mu      sync.Mutex
	current Process
}

// NewMetricsTrigger returns a trigger for the collector at path. An empty path disables it.
func NewMetricsTrigger(
	path, dir string,
	launcher Launcher,
	metrics *Metrics,
	connectTimeout, processTimeout, waitTimeout time.Duration,
) *MetricsTrigger {
	return &MetricsTrigger{
		path:           path,
		dir:            dir,
		launcher:       launcher,
		metrics:        metrics,
		connectTimeout: connectTimeout,
		processTimeout: processTimeout,
		waitTimeout:    waitTimeout,
	}
}

func (t *MetricsTrigger) Enabled() bool {
	return t.path != ""
}

// Fire runs the collector for req and waits for it to finish, killing it if it takes longer than the process
// timeout. A collector that never opens the pipe is logged and is not an error. The pipe is removed on every path.
func (t *MetricsTrigger) Fire(ctx *loadgencontext.Context, req MetricsRequest) error {
	if !t.Enabled() {
		ctx.Log.Debug("No metrics collector configured")
		return nil
	}
	name := controlpipe.NewPipeName("metrics")
	ctx = loadgencontext.WithLogField(ctx, "pipe", name)

	fifo, err := controlpipe.CreateFifo(t.dir, name)
	if err != nil {
		t.recordFailure()
		return err
	}
	defer util.CloseResource(ctx.Log, "metrics pipe", fifo)

	t.Stop(ctx)
	process, err := t.launcher.Start(subprocess.Spec{
		Name: "metrics-collector",
		Path: t.path,
		Args: []string{
			"-Hostname", req.Hostname,
			"-SoapToken", req.SoapToken,
			"-VpsId", req.VpsId,
			"-SessionId", req.SessionId,
			"-pipeName", name,
			"-pipeDir", t.dir,
		},
	})
	if err != nil {
		t.recordFailure()
		return err
	}
	t.setCurrent(process)
	defer t.clearCurrent(process)

	if err := fifo.SendOnce(ctx, controlpipe.Run(), t.connectTimeout); err != nil {
		t.recordFailure()
		ctx.Log.WithError(err).Warn("Metrics collector was not triggered")
	} else {
		ctx.Log.Info("Metrics collector triggered")
	}

	timer := time.NewTimer(t.processTimeout)
	defer timer.Stop()
	select {
	case <-process.Done():
		ctx.Log.Infof("Metrics collector exited with code %d", process.ExitCode())
		return nil
	case <-timer.C:
		ctx.Log.Warnf("Metrics collector still running after %s", t.processTimeout)
	case <-ctx.Done():
	}
	if err := process.Terminate(0, t.waitTimeout); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("Failed to stop metrics collector")
	}
	return nil
}

// Stop kills the collector if one is running.
func (t *MetricsTrigger) Stop(ctx *loadgencontext.Context) {
	t.mu.Lock()
	process := t.current
	t.mu.Unlock()
	if process == nil || process.Exited() {
		return
	}
	ctx.Log.Infof("Stopping metrics collector %d", process.Pid())
	if err := process.Terminate(0, t.waitTimeout); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("Failed to stop metrics collector")
	}
}

func (t *MetricsTrigger) setCurrent(p Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = p
}

func (t *MetricsTrigger) clearCurrent(p Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == p {
		t.current = nil
	}
}

func (t *MetricsTrigger) recordFailure() {
	if t.metrics != nil {
		t.metrics.recordMetricsTriggerFailure()
	}
}
