package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NullLogger discards everything. Components use it when no logger is injected.
var NullLogger = logrus.NewEntry(&logrus.Logger{
	Out:       io.Discard,
	Formatter: new(logrus.TextFormatter),
	Hooks:     make(logrus.LevelHooks),
	Level:     logrus.PanicLevel,
})

// OrNull returns log, or NullLogger if log is nil.
func OrNull(log *logrus.Entry) *logrus.Entry {
	if log == nil {
		return NullLogger
	}
	return log
}
