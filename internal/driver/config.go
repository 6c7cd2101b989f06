package driver

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/loadgentool/loadgen/internal/common/loadgenerrors"
	"github.com/loadgentool/loadgen/internal/common/logging"
	"github.com/loadgentool/loadgen/internal/controlpipe"
	"github.com/loadgentool/loadgen/internal/subprocess"
)

const DefaultProgressPipeName = "ProgressPipe"

// Args are the per-run values the controller passes on the driver's command line.
type Args struct {
	SoapToken string
	TotalJobs int
	StepValue int
	Hostname  string
	VpsId     string
	Username  string
	Password  string
	SessionId string
	PipeName  string
	Queues    []string
}

// Validate reports the first missing or invalid argument.
func (a Args) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"soapToken", a.SoapToken},
		{"hostname", a.Hostname},
		{"vpsid", a.VpsId},
		{"username", a.Username},
		{"password", a.Password},
		{"sessionId", a.SessionId},
		{"pipeName", a.PipeName},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return errors.WithStack(&loadgenerrors.ErrInvalidArgument{
				Name:    r.name,
				Value:   r.value,
				Message: "required",
			})
		}
	}
	if _, err := NewBatchPlan(a.TotalJobs, a.StepValue); err != nil {
		return err
	}
	if len(a.Queues) == 0 {
		return errors.WithStack(&loadgenerrors.ErrInvalidArgument{
			Name:    "queues",
			Value:   "",
			Message: "at least one queue is required",
		})
	}
	return nil
}

// HelperPaths locates the external executables the driver runs.
type HelperPaths struct {
	// Prints "Selected Queue: " and "Selected Job: " lines for a random queue and job.
	Selection string `validate:"required"`
	// Submits a batch of jobs to the gateway.
	GatewayTester string `validate:"required"`
	// Optional. Run once when the metrics threshold is reached.
	MetricsMonitor string
}

// Config holds the driver's deployment settings, as opposed to the per-run Args.
type Config struct {
	PipeDir          string
	ProgressPipeName string        `validate:"required"`
	ConnectTimeout   time.Duration `validate:"gt=0"`
	// Delay between connection attempts while a pipe does not exist yet.
	ConnectRetryInterval time.Duration `validate:"gt=0"`
	InterBatchDelay      time.Duration `validate:"gte=0"`
	// Fraction of TotalJobs after which the metrics monitor is run.
	MetricsThreshold float64 `validate:"gt=0,lte=1"`
	Helpers          HelperPaths
	Logging          logging.Config
}

func DefaultConfig() Config {
	return Config{
		PipeDir:              controlpipe.DefaultDir(),
		ProgressPipeName:     DefaultProgressPipeName,
		ConnectTimeout:       5 * time.Second,
		ConnectRetryInterval: 100 * time.Millisecond,
		InterBatchDelay:      750 * time.Millisecond,
		MetricsThreshold:     0.75,
		Logging:              logging.DefaultConfig(),
	}
}

// CheckHelpers reports a configuration error if a helper executable is missing, so a misconfigured driver exits
// before it connects to anything.
func (c Config) CheckHelpers() error {
	paths := []string{c.Helpers.Selection, c.Helpers.GatewayTester}
	if c.Helpers.MetricsMonitor != "" {
		paths = append(paths, c.Helpers.MetricsMonitor)
	}
	for _, path := range paths {
		if err := subprocess.CheckExecutable(path); err != nil {
			return errors.WithStack(&loadgenerrors.ErrInvalidArgument{
				Name:    "helpers",
				Value:   path,
				Message: err.Error(),
			})
		}
	}
	return nil
}
