package cmd

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadgentool/loadgen/internal/driver"
)

var validArgs = []string{
	"--soapToken", "token",
	"--totalJobs", "100",
	"--stepValue", "25",
	"--hostname", "gateway.example",
	"--vpsid", "vps-1",
	"--username", "user",
	"--password", "secret",
	"--sessionId", "session-1",
	"--pipeName", "ctl-test",
	"--queues", "q1,q2",
}

func withoutFlag(name string) []string {
	var args []string
	for i := 0; i < len(validArgs); i += 2 {
		if validArgs[i] != "--"+name {
			args = append(args, validArgs[i], validArgs[i+1])
		}
	}
	return args
}

func TestRootCmd_RejectsBadArguments(t *testing.T) {
	tests := map[string][]string{
		"missing soapToken": withoutFlag("soapToken"),
		"missing queues":    withoutFlag("queues"),
		"missing pipeName":  withoutFlag("pipeName"),
		"invalid totalJobs": append(withoutFlag("totalJobs"), "--totalJobs", "lots"),
		"invalid stepValue": append(withoutFlag("stepValue"), "--stepValue", "2.5"),
		"unknown flag":      append(append([]string{}, validArgs...), "--verbose"),
		"positional":        append(append([]string{}, validArgs...), "extra"),
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			cmd := RootCmd()
			cmd.SetOut(io.Discard)
			cmd.SetErr(io.Discard)
			cmd.SetArgs(args)
			assert.Error(t, cmd.Execute())
		})
	}
}

func TestArgFlags(t *testing.T) {
	var args driver.Args
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addArgFlags(flags, &args)
	require.NoError(t, flags.Parse(validArgs))

	assert.Equal(t, driver.Args{
		SoapToken: "token",
		TotalJobs: 100,
		StepValue: 25,
		Hostname:  "gateway.example",
		VpsId:     "vps-1",
		Username:  "user",
		Password:  "secret",
		SessionId: "session-1",
		PipeName:  "ctl-test",
		Queues:    []string{"q1", "q2"},
	}, args)
	assert.NoError(t, args.Validate())
}

func TestArgFlags_QueueSeparators(t *testing.T) {
	tests := map[string]struct {
		args []string
		want []string
	}{
		"comma":           {args: []string{"--queues", "q1,q2"}, want: []string{"q1", "q2"}},
		"space":           {args: []string{"--queues", "q1 q2"}, want: []string{"q1", "q2"}},
		"comma and space": {args: []string{"--queues", "q1, q2"}, want: []string{"q1", "q2"}},
		"repeated":        {args: []string{"--queues", "q1", "--queues", "q2 q3"}, want: []string{"q1", "q2", "q3"}},
		"blank":           {args: []string{"--queues", " , "}, want: nil},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var args driver.Args
			flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
			addArgFlags(flags, &args)
			require.NoError(t, flags.Parse(tc.args))
			assert.Equal(t, tc.want, args.Queues)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "driver.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
helpers:
  selection: /opt/loadgen/select-queue
  gatewayTester: /opt/loadgen/gateway-tester
interBatchDelay: 2s
metricsThreshold: 0.5
`), 0o600))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addConfigFlags(flags)
	require.NoError(t, flags.Parse([]string{
		"--config", configFile,
		"--interBatchDelay", "10ms",
		"--metricsMonitor", "/opt/loadgen/monitor",
	}))

	cfg, err := loadConfig(flags)
	require.NoError(t, err)
	defaults := driver.DefaultConfig()
	assert.Equal(t, "/opt/loadgen/select-queue", cfg.Helpers.Selection)
	assert.Equal(t, "/opt/loadgen/gateway-tester", cfg.Helpers.GatewayTester)
	assert.Equal(t, "/opt/loadgen/monitor", cfg.Helpers.MetricsMonitor)
	assert.Equal(t, 10*time.Millisecond, cfg.InterBatchDelay, "flag beats config file")
	assert.Equal(t, 0.5, cfg.MetricsThreshold)
	assert.Equal(t, defaults.ConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, defaults.ConnectRetryInterval, cfg.ConnectRetryInterval)
	assert.Equal(t, defaults.PipeDir, cfg.PipeDir)
	assert.Equal(t, driver.DefaultProgressPipeName, cfg.ProgressPipeName)
}
