package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// ConfigureCliLogging sets up the standard logger for interactive commands: messages only, on stdout.
func ConfigureCliLogging() {
	logrus.SetFormatter(&CommandLineFormatter{})
	logrus.SetOutput(os.Stdout)
}

// MustConfigureApplicationLogging calls ConfigureApplicationLogging and exits the process if it fails.
func MustConfigureApplicationLogging(config Config) *RingHook {
	ring, err := ConfigureApplicationLogging(logrus.StandardLogger(), config)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error initializing logging: "+err.Error())
		os.Exit(1)
	}
	return ring
}

// ConfigureApplicationLogging configures logger for a long running process. Console output goes to stdout,
// file output (if enabled) to a lumberjack-rotated file, and the last RunLogSize lines to the returned ring,
// which is nil if RunLogSize is zero.
func ConfigureApplicationLogging(logger *logrus.Logger, config Config) (*RingHook, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	consoleLevel, _ := logrus.ParseLevel(config.Console.Level)
	logger.SetFormatter(formatterFor(config.Console.Format))
	logger.SetOutput(os.Stdout)
	logger.SetLevel(consoleLevel)

	if config.File.Enabled {
		fileLevel, _ := logrus.ParseLevel(config.File.Level)
		writer := &lumberjack.Logger{
			Filename:   config.File.LogFile,
			MaxSize:    config.File.Rotation.MaxSizeMb,
			MaxBackups: config.File.Rotation.MaxBackups,
			MaxAge:     config.File.Rotation.MaxAgeDays,
			Compress:   config.File.Rotation.Compress,
		}
		// The logger level gates hooks as well as output, so with two sinks both are written through hooks
		// and the logger admits the more verbose of the two levels.
		logger.SetOutput(io.Discard)
		logger.AddHook(NewWriterHook(os.Stdout, formatterFor(config.Console.Format), consoleLevel))
		logger.AddHook(NewWriterHook(writer, formatterFor(config.File.Format), fileLevel))
		if fileLevel > consoleLevel {
			logger.SetLevel(fileLevel)
		}
	}

	if config.RunLogSize <= 0 {
		return nil, nil
	}
	ring := NewRingHook(config.RunLogSize)
	logger.AddHook(ring)
	return ring, nil
}

func formatterFor(format string) logrus.Formatter {
	if format == FormatJson {
		return &logrus.JSONFormatter{TimestampFormat: RFC3339Milli}
	}
	return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: RFC3339Milli, DisableColors: true}
}

// WriterHook writes entries at or above level to out using its own formatter.
type WriterHook struct {
	out       io.Writer
	formatter logrus.Formatter
	level     logrus.Level
}

func NewWriterHook(out io.Writer, formatter logrus.Formatter, level logrus.Level) *WriterHook {
	return &WriterHook{out: out, formatter: formatter, level: level}
}

func (h *WriterHook) Levels() []logrus.Level {
	return logrus.AllLevels[:h.level+1]
}

func (h *WriterHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.out.Write(line)
	return err
}
