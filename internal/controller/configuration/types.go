package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/loadgentool/loadgen/internal/common/loadgenerrors"
	"github.com/loadgentool/loadgen/internal/common/logging"
	"github.com/loadgentool/loadgen/internal/controlpipe"
	"github.com/loadgentool/loadgen/internal/driver"
)

// RunConfig is what the operator enters for one load test.
type RunConfig struct {
	TotalJobs int      `validate:"gt=0"`
	StepSize  int      `validate:"gt=0"`
	Username  string   `validate:"required"`
	Password  string   `validate:"required"`
	SessionId string   `validate:"required"`
	Hostname  string   `validate:"required"`
	SoapToken string   `validate:"required"`
	VpsId     string   `validate:"required"`
	Queues    []string `validate:"min=1,dive,required"`
	// PipeName is assigned by the controller when the run starts.
	PipeName string
}

// WithPipeName returns a copy of c using name for its control pipe.
func (c RunConfig) WithPipeName(name string) RunConfig {
	c.Queues = append([]string(nil), c.Queues...)
	c.PipeName = name
	return c
}

// Validate returns an ErrInvalidArgument for the first field that fails validation.
func (c RunConfig) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fieldErr := fieldErrs[0]
		message := "must be positive"
		switch fieldErr.Tag() {
		case "required":
			message = "required"
		case "min":
			message = "at least one queue is required"
		}
		return errors.WithStack(&loadgenerrors.ErrInvalidArgument{
			Name:    fieldErr.Field(),
			Value:   fieldErr.Value(),
			Message: message,
		})
	}
	return errors.WithStack(err)
}

// HelperPaths locates the executables the controller starts or hands to the driver.
type HelperPaths struct {
	Driver        string `validate:"required"`
	Selection     string `validate:"required"`
	GatewayTester string `validate:"required"`
	// Optional. Passed to the driver.
	MetricsMonitor string
	// Optional. Started on demand and triggered over a one-shot pipe.
	MetricsCollector string
}

type ControllerConfig struct {
	PipeDir          string
	ProgressPipeName string `validate:"required"`
	Helpers          HelperPaths
	// DriverConfigFile, if set, is passed to the driver as --config.
	DriverConfigFile string

	// Time the driver keeps retrying to reach a pipe.
	DriverConnectTimeout time.Duration `validate:"gt=0"`
	ConnectAttempts      uint          `validate:"gt=0"`
	ConnectRetryInterval time.Duration `validate:"gte=0"`
	AcceptTimeout        time.Duration `validate:"gt=0"`
	InterBatchDelay      time.Duration `validate:"gte=0"`
	MetricsThreshold     float64       `validate:"gt=0,lte=1"`
	ProgressRetryBackoff time.Duration `validate:"gt=0"`
	CancelGracePeriod    time.Duration `validate:"gte=0"`
	ProcessWaitTimeout   time.Duration `validate:"gt=0"`

	MetricsConnectTimeout time.Duration `validate:"gt=0"`
	MetricsProcessTimeout time.Duration `validate:"gt=0"`
	// Fire the metrics collector after every completed run.
	TriggerMetricsOnCompletion bool

	MetricsPort uint16
	Logging     logging.Config
}

func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		PipeDir:               controlpipe.DefaultDir(),
		ProgressPipeName:      driver.DefaultProgressPipeName,
		DriverConnectTimeout:  5 * time.Second,
		ConnectAttempts:       5,
		ConnectRetryInterval:  time.Second,
		AcceptTimeout:         time.Second,
		InterBatchDelay:       750 * time.Millisecond,
		MetricsThreshold:      0.75,
		ProgressRetryBackoff:  time.Second,
		CancelGracePeriod:     2 * time.Second,
		ProcessWaitTimeout:    5 * time.Second,
		MetricsConnectTimeout: 10 * time.Second,
		MetricsProcessTimeout: 5 * time.Minute,
		MetricsPort:           9090,
		Logging:               logging.DefaultConfig(),
	}
}
