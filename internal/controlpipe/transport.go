package controlpipe

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const socketSuffix = ".sock"

// DefaultDir is where pipes are created when no directory is configured.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "loadgen")
}

// Path returns the socket path backing the pipe called name.
func Path(dir, name string) string {
	return filepath.Join(dir, name+socketSuffix)
}

// NewPipeName returns a pipe name unique to one run or invocation.
func NewPipeName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Listener is the server end of a single-client pipe. It accepts one peer; once connected it stops listening
// and owns the connection until Close.
type Listener struct {
	name string
	path string
	ln   *net.UnixListener

	// acceptMu serialises Accept; mu guards conn and closed and is never held while blocked.
	acceptMu  sync.Mutex
	mu        sync.Mutex
	conn      net.Conn
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// Listen creates the pipe. A stale socket left behind by an earlier process is removed first.
func Listen(dir, name string) (*Listener, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.WithStack(err)
	}
	path := Path(dir, name)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.WithStack(err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errors.Wrapf(err, "listening on pipe %s", name)
	}
	return &Listener{name: name, path: path, ln: ln}, nil
}

func (l *Listener) Name() string {
	return l.name
}

func (l *Listener) Path() string {
	return l.path
}

// Accept waits up to timeout for the peer. A timeout can be retried; errors.Is(err, os.ErrDeadlineExceeded)
// reports it. Once a peer connects the listening socket is closed, so later Accept calls return the same
// connection.
func (l *Listener) Accept(ctx context.Context, timeout time.Duration) (net.Conn, error) {
	l.acceptMu.Lock()
	defer l.acceptMu.Unlock()
	if conn := l.Conn(); conn != nil {
		return conn, nil
	}
	if err := l.ln.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errors.WithStack(err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Unblocks AcceptUnix immediately.
			_ = l.ln.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()

	conn, err := l.ln.AcceptUnix()
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.WithStack(ctx.Err())
		}
		return nil, errors.Wrapf(err, "accepting on pipe %s", l.name)
	}
	_ = l.ln.Close()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		_ = conn.Close()
		return nil, errors.Wrapf(net.ErrClosed, "accepting on pipe %s", l.name)
	}
	l.conn = conn
	return conn, nil
}

// Connected reports whether a peer has been accepted.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Conn returns the accepted connection, or nil.
func (l *Listener) Conn() net.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// Close disposes of the listening socket, the peer connection and the socket file. It is idempotent.
// Close may be called while Accept is blocked.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		conn := l.conn
		l.mu.Unlock()

		var errs []error
		if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		if conn != nil {
			if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			l.closeErr = errors.Wrapf(errs[0], "closing pipe %s", l.name)
		}
	})
	return l.closeErr
}

// Dial connects to the pipe called name, retrying every interval while it does not exist or is not yet
// accepting, for at most timeout.
func Dial(ctx context.Context, dir, name string, timeout, interval time.Duration) (net.Conn, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := Path(dir, name)
	var dialer net.Dialer
	var conn net.Conn
	attempts := uint(timeout/interval) + 1
	err := retry.Do(
		func() error {
			c, err := dialer.DialContext(dialCtx, "unix", path)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.Context(dialCtx),
		retry.Attempts(attempts),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to pipe %s", name)
	}
	return conn, nil
}
