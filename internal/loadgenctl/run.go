package loadgenctl

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/utils/clock"

	"github.com/loadgentool/loadgen/internal/common"
	"github.com/loadgentool/loadgen/internal/common/health"
	"github.com/loadgentool/loadgen/internal/common/loadgencontext"
	"github.com/loadgentool/loadgen/internal/common/logging"
	"github.com/loadgentool/loadgen/internal/controller"
	"github.com/loadgentool/loadgen/internal/supervisor"
)

// RunTest runs one load test, printing progress to the app output until the run finishes, and returns its
// final status. Cancelling ctx cancels the run; RunTest still waits for the driver to stop.
func (a *App) RunTest(ctx *loadgencontext.Context) (supervisor.Status, error) {
	if err := a.validateParams(); err != nil {
		return supervisor.Status{}, err
	}
	cfg := a.Params.Controller

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c := controller.NewController(cfg, a.launcher(ctx), registry, clock.RealClock{})

	// The run outlives ctx so that a cancelled run can still be wound down.
	base, stop := loadgencontext.WithCancel(loadgencontext.New(context.Background(), ctx.Log))
	defer stop()
	g, serveCtx := loadgencontext.ErrGroup(base)
	g.Go(func() error {
		return c.ServeProgress(serveCtx)
	})
	sup := supervisor.NewSupervisor(
		supervisor.ForController(c),
		supervisor.Config{TriggerMetricsOnCompletion: cfg.TriggerMetricsOnCompletion},
		ctx.Log,
	)
	common.ServeMetrics(serveCtx, ctx.Log, cfg.MetricsPort, registry, healthCheck(c, sup))
	defer func() {
		stop()
		if err := g.Wait(); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("Progress server stopped with an error")
		}
	}()

	runId, err := sup.Start(serveCtx, a.Params.Run)
	if err != nil {
		return supervisor.Status{}, err
	}
	fmt.Fprintf(a.Out, "Started run %s\n", runId)

	start := time.Now()
	a.watch(ctx, base, sup)
	if err := sup.Drain(ctx); err != nil {
		ctx.Log.Warn("Interrupted while waiting for metrics collection")
		stop()
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.CancelGracePeriod+cfg.ProcessWaitTimeout)
		defer cancel()
		_ = sup.Drain(drainCtx)
	}

	status := sup.Status()
	a.printSummary(status, time.Since(start))
	if status.State == supervisor.Failed {
		a.printRunLog()
	}
	return status, nil
}

// watch prints progress until the run is terminal, cancelling it if ctx is done first.
func (a *App) watch(ctx *loadgencontext.Context, base *loadgencontext.Context, sup *supervisor.Supervisor) {
	updates, unsubscribe := sup.Subscribe()
	defer unsubscribe()

	cancelled := ctx.Done()
	var last controller.Progress
	for {
		select {
		case <-cancelled:
			cancelled = nil
			fmt.Fprintln(a.Out, "Cancelling run")
			sup.Cancel(base)
		case status := <-updates:
			if status.Progress != last && status.Progress.TotalBatches > 0 {
				last = status.Progress
				fmt.Fprintf(a.Out, "Progress: %d/%d batches (%.0f%%)\n",
					last.BatchesCompleted, last.TotalBatches, 100*last.Fraction())
			}
			if status.State.Terminal() {
				return
			}
		}
	}
}

func (a *App) printSummary(status supervisor.Status, elapsed time.Duration) {
	w := tabwriter.NewWriter(a.Out, 1, 1, 1, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "Run:\t%s\n", status.RunId)
	fmt.Fprintf(w, "State:\t%s\n", status.State)
	fmt.Fprintf(w, "Batches:\t%d/%d\n", status.Progress.BatchesCompleted, status.Progress.TotalBatches)
	if status.ExitCode >= 0 {
		fmt.Fprintf(w, "Driver exit code:\t%d\n", status.ExitCode)
	}
	fmt.Fprintf(w, "Runtime:\t%s\n", elapsed.Round(time.Millisecond))
	if status.Err != nil {
		fmt.Fprintf(w, "Error:\t%s\n", status.Err)
	}
}

const runLogTail = 10

func (a *App) printRunLog() {
	if a.RunLog == nil {
		return
	}
	lines := a.RunLog.Lines()
	if len(lines) > runLogTail {
		lines = lines[len(lines)-runLogTail:]
	}
	fmt.Fprintln(a.Out, "Recent log:")
	for _, line := range lines {
		fmt.Fprintf(a.Out, "  %s\n", strings.TrimRight(line, "\n"))
	}
}

// healthCheck fails while the progress pipe is down and once the run has failed.
func healthCheck(c *controller.Controller, sup *supervisor.Supervisor) health.Checker {
	return health.NewMultiChecker(
		c.ProgressServer(),
		health.CheckerFunc(func() error {
			if status := sup.Status(); status.State == supervisor.Failed {
				return errors.Errorf("run %s failed: %v", status.RunId, status.Err)
			}
			return nil
		}),
	)
}

func (a *App) launcher(ctx *loadgencontext.Context) controller.Launcher {
	if a.Launcher != nil {
		return a.Launcher
	}
	return controller.NewProcessLauncher(ctx.Log)
}

// ExitCode maps a run's final status onto the exit code of loadgen run.
func ExitCode(status supervisor.Status) int {
	switch status.State {
	case supervisor.Completed:
		return 0
	case supervisor.Cancelled:
		return 2
	default:
		return 1
	}
}
