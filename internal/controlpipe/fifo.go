package controlpipe

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	fifoSuffix       = ".fifo"
	fifoPollInterval = 50 * time.Millisecond
)

// ErrNoReader is returned by SendOnce when no reader opened the FIFO in time.
var ErrNoReader = errors.New("no reader opened the pipe")

// Fifo is a one-way, one-shot channel backed by a named pipe.
type Fifo struct {
	name       string
	path       string
	removeOnce sync.Once
	removeErr  error
}

// FifoPath returns the path of the FIFO called name.
func FifoPath(dir, name string) string {
	return filepath.Join(dir, name+fifoSuffix)
}

// CreateFifo makes the named pipe, replacing any stale file of the same name.
func CreateFifo(dir, name string) (*Fifo, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.WithStack(err)
	}
	path := FifoPath(dir, name)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.WithStack(err)
	}
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return nil, errors.Wrapf(err, "creating fifo %s", name)
	}
	return &Fifo{name: name, path: path}, nil
}

func (f *Fifo) Name() string {
	return f.name
}

func (f *Fifo) Path() string {
	return f.path
}

// SendOnce waits up to timeout for a reader, writes m and closes the write end. It never blocks past the
// timeout or ctx: opening is polled without blocking.
func (f *Fifo) SendOnce(ctx context.Context, m Message, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(fifoPollInterval)
	defer ticker.Stop()

	for {
		fd, err := unix.Open(f.path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err == nil {
			file := os.NewFile(uintptr(fd), f.path)
			_, writeErr := io.WriteString(file, m.String()+"\n")
			closeErr := file.Close()
			if writeErr != nil {
				return errors.Wrapf(writeErr, "writing to fifo %s", f.name)
			}
			return errors.WithStack(closeErr)
		}
		if !errors.Is(err, unix.ENXIO) && !errors.Is(err, unix.EINTR) {
			return errors.Wrapf(err, "opening fifo %s", f.name)
		}
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-deadline.C:
			return errors.Wrapf(ErrNoReader, "fifo %s after %s", f.name, timeout)
		case <-ticker.C:
		}
	}
}

// Remove deletes the FIFO. It is idempotent.
func (f *Fifo) Remove() error {
	f.removeOnce.Do(func() {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.removeErr = errors.WithStack(err)
		}
	})
	return f.removeErr
}

// Close is Remove, so a Fifo can be disposed of like any other channel.
func (f *Fifo) Close() error {
	return f.Remove()
}
