package controller

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadgentool/loadgen/internal/subprocess"
)

// Process is a started external process owned by the controller.
type Process interface {
	Pid() int
	Done() <-chan struct{}
	Exited() bool
	ExitCode() int
	Terminate(grace, waitTimeout time.Duration) error
}

// Launcher starts the driver and metrics collector processes.
type Launcher interface {
	Start(spec subprocess.Spec) (Process, error)
}

type processLauncher struct {
	launcher *subprocess.Launcher
}

// NewProcessLauncher returns a Launcher that starts real operating system processes.
func NewProcessLauncher(log *logrus.Entry) Launcher {
	return &processLauncher{launcher: subprocess.NewLauncher(log)}
}

func (l *processLauncher) Start(spec subprocess.Spec) (Process, error) {
	h, err := l.launcher.Start(spec)
	if err != nil {
		return nil, err
	}
	return h, nil
}
