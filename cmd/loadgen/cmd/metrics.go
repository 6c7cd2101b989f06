package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/loadgentool/loadgen/internal/common/app"
	"github.com/loadgentool/loadgen/internal/loadgenctl"
)

// Run the metrics collector for a gateway session without running a load test.
func metricsCmd(a *loadgenctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Trigger the metrics collector for a gateway session.",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a, sessionFlags)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := app.CreateContextWithShutdown(logrus.NewEntry(logrus.StandardLogger()))
			defer cancel()
			return a.TriggerMetrics(ctx)
		},
	}

	addSessionFlags(cmd)

	return cmd
}
