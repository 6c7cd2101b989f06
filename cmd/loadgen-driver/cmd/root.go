package cmd

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loadgentool/loadgen/internal/common"
	"github.com/loadgentool/loadgen/internal/common/app"
	"github.com/loadgentool/loadgen/internal/common/config"
	"github.com/loadgentool/loadgen/internal/common/logging"
	"github.com/loadgentool/loadgen/internal/driver"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/driver"
)

// Deployment settings that may also be passed as flags, keyed by flag name.
var configFlags = map[string]string{
	"pipeDir":          "pipeDir",
	"progressPipe":     "progressPipeName",
	"selectionHelper":  "helpers.selection",
	"gatewayTester":    "helpers.gatewayTester",
	"metricsMonitor":   "helpers.metricsMonitor",
	"connectTimeout":   "connectTimeout",
	"interBatchDelay":  "interBatchDelay",
	"metricsThreshold": "metricsThreshold",
}

var requiredFlags = []string{
	"soapToken", "totalJobs", "stepValue", "hostname", "vpsid",
	"username", "password", "sessionId", "pipeName", "queues",
}

// RootCmd runs a single driver. The controller starts it with one run's arguments; it exits 0 once the run has
// completed or been cancelled and 1 otherwise.
func RootCmd() *cobra.Command {
	var args driver.Args
	cmd := &cobra.Command{
		Use:          "loadgen-driver",
		SilenceUsage: true,
		Short:        "Submits one load test's print jobs in batches on behalf of loadgen.",
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			logging.MustConfigureApplicationLogging(cfg.Logging)

			ctx, cancel := app.CreateContextWithShutdown(
				logrus.WithField("pipe", args.PipeName))
			defer cancel()
			if code := driver.Main(ctx, args, cfg); code != 0 {
				cancel()
				os.Exit(code)
			}
			return nil
		},
	}

	addArgFlags(cmd.Flags(), &args)
	addConfigFlags(cmd.Flags())
	for _, name := range requiredFlags {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func addArgFlags(flags *pflag.FlagSet, args *driver.Args) {
	flags.StringVar(&args.SoapToken, "soapToken", "", "SOAP token of the gateway session.")
	flags.IntVar(&args.TotalJobs, "totalJobs", 0, "Number of print jobs to submit.")
	flags.IntVar(&args.StepValue, "stepValue", 0, "Number of jobs submitted per batch.")
	flags.StringVar(&args.Hostname, "hostname", "", "Print gateway host.")
	flags.StringVar(&args.VpsId, "vpsid", "", "VPS the gateway runs on.")
	flags.StringVar(&args.Username, "username", "", "Gateway user the jobs are submitted as.")
	flags.StringVar(&args.Password, "password", "", "Password of the gateway user.")
	flags.StringVar(&args.SessionId, "sessionId", "", "Gateway session id.")
	flags.StringVar(&args.PipeName, "pipeName", "", "Name of the control pipe to connect to.")
	flags.Var((*queueList)(&args.Queues), "queues", "Queues jobs may be submitted to, separated by commas or spaces.")
}

// queueList is a flag value holding queue names separated by commas or whitespace. Repeating the flag appends.
type queueList []string

func (q *queueList) String() string {
	return "[" + strings.Join(*q, ",") + "]"
}

func (q *queueList) Set(s string) error {
	*q = append(*q, config.SplitList(s)...)
	return nil
}

func (q *queueList) Type() string {
	return "strings"
}

func addConfigFlags(flags *pflag.FlagSet) {
	defaults := driver.DefaultConfig()
	flags.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	flags.String("pipeDir", defaults.PipeDir, "Directory holding the named pipes.")
	flags.String("progressPipe", defaults.ProgressPipeName, "Name of the progress pipe.")
	flags.String("selectionHelper", "", "Executable that selects a queue and a job.")
	flags.String("gatewayTester", "", "Executable that submits a batch to the gateway.")
	flags.String("metricsMonitor", "", "Executable run once when the metrics threshold is reached.")
	flags.Duration("connectTimeout", defaults.ConnectTimeout, "How long to wait for each pipe to accept a connection.")
	flags.Duration("interBatchDelay", defaults.InterBatchDelay, "Pause between batches.")
	flags.Float64("metricsThreshold", defaults.MetricsThreshold, "Fraction of jobs after which the metrics monitor runs.")
}

// loadConfig reads the driver's deployment settings from config files, LOADGEN_ environment variables and flags.
// Validation is left to driver.Main so that every invalid input is reported the same way.
func loadConfig(flags *pflag.FlagSet) (driver.Config, error) {
	cfg := driver.DefaultConfig()
	userSpecifiedConfigs, err := flags.GetStringSlice(CustomConfigLocation)
	if err != nil {
		return cfg, errors.WithStack(err)
	}
	v := viper.New()
	if err := common.BindCommandlineArguments(v, flags, configFlags); err != nil {
		return cfg, err
	}
	if err := common.LoadConfig(v, &cfg, defaultConfigPath, userSpecifiedConfigs); err != nil {
		return cfg, err
	}
	return cfg, nil
}
