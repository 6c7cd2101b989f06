// Package driver is the worker process that submits a run's print jobs in batches on behalf of the controller.
package driver

import (
	"k8s.io/utils/clock"

	"github.com/loadgentool/loadgen/internal/common/config"
	"github.com/loadgentool/loadgen/internal/common/loadgencontext"
	"github.com/loadgentool/loadgen/internal/common/logging"
	"github.com/loadgentool/loadgen/internal/gateway"
)

// Main validates its inputs, runs one driver to completion against the configured helpers and returns the
// process exit code. Invalid input fails before any pipe or process is created.
func Main(ctx *loadgencontext.Context, args Args, cfg Config) int {
	if err := config.Validate(cfg); err != nil {
		config.LogValidationErrors(ctx.Log, err)
		return 1
	}
	if err := args.Validate(); err != nil {
		ctx.Log.Errorf("Missing or invalid arguments: %v", err)
		return 1
	}
	if err := cfg.CheckHelpers(); err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("Helper executables are not usable")
		return 1
	}

	var monitor MetricsMonitor
	if cfg.Helpers.MetricsMonitor != "" {
		monitor = NewHelperMetricsMonitor(cfg.Helpers.MetricsMonitor, ctx.Log)
	}
	worker := NewWorker(
		args,
		cfg,
		NewHelperSelector(cfg.Helpers.Selection, ctx.Log),
		gateway.NewTesterClient(cfg.Helpers.GatewayTester, ctx.Log),
		monitor,
		clock.RealClock{},
	)
	return worker.Run(ctx).State.ExitCode()
}
