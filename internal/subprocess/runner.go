// Package subprocess runs external helper executables and turns their line-oriented output into values.
package subprocess

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/loadgentool/loadgen/internal/common/loadgenerrors"
	"github.com/loadgentool/loadgen/internal/common/logging"
)

const (
	QueueTag = "Selected Queue: "
	JobTag   = "Selected Job: "

	// How long output may keep flowing from orphaned grandchildren after the helper is gone.
	outputDrainDelay = time.Second
)

var DefaultTagPrefixes = []string{QueueTag, JobTag}

// Runner runs short-lived helpers to completion and collects their tagged stdout lines.
type Runner struct {
	log         *logrus.Entry
	tagPrefixes []string
}

// NewRunner returns a Runner that recognises tagPrefixes, or DefaultTagPrefixes if none are given.
func NewRunner(log *logrus.Entry, tagPrefixes ...string) *Runner {
	if len(tagPrefixes) == 0 {
		tagPrefixes = DefaultTagPrefixes
	}
	return &Runner{log: logging.OrNull(log), tagPrefixes: tagPrefixes}
}

// Run executes path with args and blocks until it exits. Each stdout line starting with one of the runner's tag
// prefixes contributes its remainder, in order, to the result. Every line is logged; stderr lines are marked
// ERROR but never stop the helper.
//
// A non-zero exit status is logged and is not an error. If ctx is done first the helper's process group is
// killed and the context's error returned.
func (r *Runner) Run(ctx context.Context, path string, args ...string) ([]string, error) {
	if err := CheckExecutable(path); err != nil {
		return nil, err
	}
	log := r.log.WithField("helper", path)

	var tagged []string
	stdout := newLineWriter(func(line string) {
		log.Info(line)
		for _, prefix := range r.tagPrefixes {
			if strings.HasPrefix(line, prefix) {
				tagged = append(tagged, line[len(prefix):])
				return
			}
		}
	})
	stderr := newLineWriter(func(line string) {
		log.Warnf("ERROR: %s", line)
	})

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	killProcessGroupOnCancel(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errors.WithStack(&loadgenerrors.ErrSubprocessLaunchFailed{Path: path, Cause: err})
	}
	waitErr := cmd.Wait()
	stdout.flush()
	stderr.flush()

	if ctx.Err() != nil {
		return nil, errors.Wrapf(ctx.Err(), "running %s", path)
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		log.Warnf("Helper exited with code %d", exitErr.ExitCode())
	} else if waitErr != nil {
		log.WithError(waitErr).Warn("Helper output was not fully read")
	}
	return tagged, nil
}

// CheckExecutable returns ErrSubprocessNotFound if nothing exists at path.
func CheckExecutable(path string) error {
	if path == "" {
		return errors.WithStack(&loadgenerrors.ErrSubprocessNotFound{Path: path})
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.WithStack(&loadgenerrors.ErrSubprocessNotFound{Path: path})
		}
		return errors.WithStack(&loadgenerrors.ErrSubprocessLaunchFailed{Path: path, Cause: err})
	}
	if info.IsDir() {
		return errors.WithStack(&loadgenerrors.ErrSubprocessLaunchFailed{Path: path, Cause: errors.New("is a directory")})
	}
	return nil
}

// killProcessGroupOnCancel puts the command in its own process group and makes context cancellation kill the
// whole group, so that helpers which are themselves scripts do not leave children behind.
func killProcessGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = outputDrainDelay
}

func killGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return errors.WithStack(err)
	}
	return nil
}
