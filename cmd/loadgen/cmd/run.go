package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/loadgentool/loadgen/internal/common/app"
	"github.com/loadgentool/loadgen/internal/common/logging"
	"github.com/loadgentool/loadgen/internal/loadgenctl"
)

var runFlags = map[string]string{
	"totalJobs":      "run.totalJobs",
	"stepSize":       "run.stepSize",
	"username":       "run.username",
	"password":       "run.password",
	"queues":         "run.queues",
	"metricsPort":    "controller.metricsPort",
	"triggerMetrics": "controller.triggerMetricsOnCompletion",
}

// Run one load test and wait for it to finish.
// Exits 0 if the run completed, 2 if it was cancelled and 1 otherwise.
func runCmd(a *loadgenctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test against a print gateway.",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a, mergeKeys(sessionFlags, runFlags))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.RunLog = logging.MustConfigureApplicationLogging(a.Params.Controller.Logging)
			a.Out = cmd.OutOrStdout()

			ctx, cancel := app.CreateContextWithShutdown(logrus.NewEntry(logrus.StandardLogger()))
			defer cancel()
			status, err := a.RunTest(ctx)
			if err != nil {
				return err
			}
			if code := loadgenctl.ExitCode(status); code != 0 {
				cancel()
				os.Exit(code)
			}
			return nil
		},
	}

	addSessionFlags(cmd)
	cmd.Flags().Int("totalJobs", 0, "Number of print jobs to submit.")
	cmd.Flags().Int("stepSize", 0, "Number of jobs submitted per batch.")
	cmd.Flags().String("username", "", "Gateway user the jobs are submitted as.")
	cmd.Flags().String("password", "", "Password of the gateway user. Prefer LOADGEN_RUN_PASSWORD.")
	cmd.Flags().StringSlice("queues", []string{}, "Queues jobs may be submitted to.")
	cmd.Flags().Uint16("metricsPort", 9090, "Port serving /metrics and /health. Zero disables it.")
	cmd.Flags().Bool("triggerMetrics", false, "Run the metrics collector after the load test completes.")

	return cmd
}
