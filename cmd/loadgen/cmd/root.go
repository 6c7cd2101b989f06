package cmd

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loadgentool/loadgen/internal/common"
	commonconfig "github.com/loadgentool/loadgen/internal/common/config"
	"github.com/loadgentool/loadgen/internal/controlpipe"
	"github.com/loadgentool/loadgen/internal/loadgenctl"
)

const (
	CustomConfigLocation string = "config"
	EnvFile              string = "env-file"
	defaultConfigPath    string = "./config/loadgen"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "loadgen",
		SilenceUsage: true,
		Short:        "loadgen submits print jobs to a print gateway in batches and reports progress.",
		Long: `loadgen submits print jobs to a print gateway in batches and reports progress.

Settings are read from ./config/loadgen/config.yaml, then from any files passed with --config,
then from LOADGEN_ prefixed environment variables (e.g. LOADGEN_RUN_PASSWORD), and finally from flags.
Environment variables may also be kept in a dotenv file passed with --env-file (default .env).`,
	}

	addConfigFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		versionCmd(loadgenctl.New()),
		runCmd(loadgenctl.New()),
		metricsCmd(loadgenctl.New()),
	)

	return cmd
}

func addConfigFlags(flags *pflag.FlagSet) {
	flags.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	flags.String(
		EnvFile,
		"",
		"Dotenv file loaded into the environment before configuration is read. Defaults to .env if it exists.")
}

// Flags shared by every command that needs a gateway session, keyed by flag name.
var sessionFlags = map[string]string{
	"hostname":  "run.hostname",
	"soapToken": "run.soapToken",
	"vpsId":     "run.vpsId",
	"sessionId": "run.sessionId",
	"pipeDir":   "controller.pipeDir",
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().String("hostname", "", "Print gateway host.")
	cmd.Flags().String("soapToken", "", "SOAP token of the gateway session.")
	cmd.Flags().String("vpsId", "", "VPS the gateway runs on.")
	cmd.Flags().String("sessionId", "", "Gateway session id.")
	cmd.Flags().String("pipeDir", controlpipe.DefaultDir(), "Directory holding the named pipes.")
}

// initParams loads the dotenv file, config files, environment and the flags named in keys into app.Params.
func initParams(cmd *cobra.Command, app *loadgenctl.App, keys map[string]string) error {
	envFile, err := cmd.Flags().GetString(EnvFile)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := loadgenctl.LoadEnvFile(envFile); err != nil {
		return err
	}
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(CustomConfigLocation)
	if err != nil {
		return errors.WithStack(err)
	}

	v := viper.New()
	if err := common.BindCommandlineArguments(v, cmd.Flags(), keys); err != nil {
		return err
	}
	if err := common.LoadConfig(v, app.Params, defaultConfigPath, userSpecifiedConfigs); err != nil {
		return err
	}

	err = commonconfig.Validate(app.Params.Controller)
	if err != nil {
		commonconfig.LogValidationErrors(logrus.NewEntry(logrus.StandardLogger()), err)
	}
	return err
}

func mergeKeys(maps ...map[string]string) map[string]string {
	merged := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}
