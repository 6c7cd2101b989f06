// Package loadgenctl implements the commands of the loadgen CLI.
package loadgenctl

import (
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/loadgentool/loadgen/internal/common/config"
	"github.com/loadgentool/loadgen/internal/common/logging"
	"github.com/loadgentool/loadgen/internal/controller"
	"github.com/loadgentool/loadgen/internal/controller/configuration"
)

const defaultEnvFile = ".env"

type App struct {
	// Parameters passed to the CLI by the user.
	Params *Params
	// Out is used to write the output. Defaults to standard out,
	// but can be overridden in tests to make assertions on the application's output.
	Out io.Writer
	// Launcher starts driver and collector processes. Nil means real child processes.
	Launcher controller.Launcher
	// RunLog holds recent log lines; its tail is printed when a run fails. Optional.
	RunLog *logging.RingHook
}

// Params holds everything the user can set, either as flags or in a config file.
type Params struct {
	Controller configuration.ControllerConfig
	Run        configuration.RunConfig
}

// New instantiates an App with default controller settings writing to standard out.
func New() *App {
	return &App{
		Params: &Params{Controller: configuration.DefaultControllerConfig()},
		Out:    os.Stdout,
	}
}

func (a *App) validateParams() error {
	return config.Validate(a.Params.Controller)
}

// LoadEnvFile sets environment variables from a dotenv file without overriding variables that are already set.
// With an empty path, .env in the working directory is loaded if there is one.
func LoadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(defaultEnvFile); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "loading environment from %s", path)
	}
	return nil
}
