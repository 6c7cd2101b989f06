package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	FormatText = "text"
	FormatJson = "json"
)

// Config defines loadgen logging configuration.
type Config struct {
	// Defines configuration for console logging on stdout
	Console struct {
		// Log level, e.g. info, error etc
		Level string
		// Logging format, either text or json
		Format string
	}
	// Defines configuration for file logging
	File struct {
		Enabled bool
		Level   string
		Format  string
		// The location of the logfile on disk
		LogFile string
		// Rotation is delegated to lumberjack
		Rotation struct {
			MaxSizeMb  int
			MaxBackups int
			MaxAgeDays int
			Compress   bool
		}
	}
	// Number of formatted lines kept in memory for the run log. Zero disables it.
	RunLogSize int
}

// DefaultConfig logs text at info level to the console only.
func DefaultConfig() Config {
	c := Config{RunLogSize: 500}
	c.Console.Level = "info"
	c.Console.Format = FormatText
	return c
}

func (c Config) validate() error {
	if _, err := logrus.ParseLevel(c.Console.Level); err != nil {
		return errors.WithStack(err)
	}
	if err := validateLogFormat(c.Console.Format); err != nil {
		return err
	}
	if !c.File.Enabled {
		return nil
	}
	if c.File.LogFile == "" {
		return errors.New("file.logFile must be set when file logging is enabled")
	}
	if _, err := logrus.ParseLevel(c.File.Level); err != nil {
		return errors.WithStack(err)
	}
	if err := validateLogFormat(c.File.Format); err != nil {
		return err
	}
	rotation := c.File.Rotation
	if rotation.MaxSizeMb < 0 || rotation.MaxBackups < 0 || rotation.MaxAgeDays < 0 {
		return errors.New("rotation limits must not be negative")
	}
	return nil
}

func validateLogFormat(f string) error {
	switch f {
	case FormatText, FormatJson:
		return nil
	default:
		return errors.Errorf("unknown log format: %s. Valid formats are %s and %s", f, FormatText, FormatJson)
	}
}
