package subprocess

import (
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/loadgentool/loadgen/internal/common/loadgenerrors"
	"github.com/loadgentool/loadgen/internal/common/logging"
)

// Spec describes a long-running process.
type Spec struct {
	// Name identifies the process in logs.
	Name string
	Path string
	Args []string
	// Env is appended to the current environment.
	Env []string
	// OnLine, if set, sees every output line after it has been logged.
	OnLine func(stream Stream, line string)
}

// Launcher starts long-running processes. Each is placed in its own process group.
type Launcher struct {
	log *logrus.Entry
}

func NewLauncher(log *logrus.Entry) *Launcher {
	return &Launcher{log: logging.OrNull(log)}
}

// Handle owns a started process. Its output is consumed line by line into the log until the process exits.
type Handle struct {
	name string
	cmd  *exec.Cmd
	log  *logrus.Entry

	done     chan struct{}
	exitCode int
	waitErr  error

	terminateOnce sync.Once
	terminateErr  error
}

// Start launches spec. The process is not tied to any context; its owner must call Terminate or Wait.
func (l *Launcher) Start(spec Spec) (*Handle, error) {
	if err := CheckExecutable(spec.Path); err != nil {
		return nil, err
	}
	name := spec.Name
	if name == "" {
		name = spec.Path
	}
	log := l.log.WithField("process", name)

	stdout := newLineWriter(func(line string) {
		log.Info(line)
		if spec.OnLine != nil {
			spec.OnLine(Stdout, line)
		}
	})
	stderr := newLineWriter(func(line string) {
		log.Warnf("ERROR: %s", line)
		if spec.OnLine != nil {
			spec.OnLine(Stderr, line)
		}
	})

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(cmd.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = outputDrainDelay
	if err := cmd.Start(); err != nil {
		return nil, errors.WithStack(&loadgenerrors.ErrSubprocessLaunchFailed{Path: spec.Path, Cause: err})
	}
	log.Infof("Started process with pid %d", cmd.Process.Pid)

	h := &Handle{
		name:     name,
		cmd:      cmd,
		log:      log,
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go func() {
		err := cmd.Wait()
		stdout.flush()
		stderr.flush()
		h.waitErr = err
		h.exitCode = cmd.ProcessState.ExitCode()
		log.Infof("Process exited with code %d", h.exitCode)
		close(h.done)
	}()
	return h, nil
}

func (h *Handle) Name() string {
	return h.name
}

func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and its output has been consumed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code, or -1 if the process is still running or was killed by a signal.
func (h *Handle) ExitCode() int {
	if !h.Exited() {
		return -1
	}
	return h.exitCode
}

// Wait blocks until the process exits and returns its exit code.
func (h *Handle) Wait() int {
	<-h.done
	return h.exitCode
}

// Terminate gives the process grace to exit by itself, kills its process group, then waits up to waitTimeout
// for it to be reaped. It is idempotent and safe to call after the process has exited.
func (h *Handle) Terminate(grace, waitTimeout time.Duration) error {
	h.terminateOnce.Do(func() {
		h.terminateErr = h.terminate(grace, waitTimeout)
	})
	return h.terminateErr
}

func (h *Handle) terminate(grace, waitTimeout time.Duration) error {
	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-h.done:
			return nil
		case <-timer.C:
		}
	} else if h.Exited() {
		return nil
	}

	h.log.Infof("Killing process %d", h.Pid())
	if err := killGroup(h.Pid()); err != nil {
		return errors.WithMessagef(err, "killing %s", h.name)
	}

	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
		return errors.Errorf("%s did not exit within %s of being killed", h.name, waitTimeout)
	}
}
