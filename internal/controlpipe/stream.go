package controlpipe

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrStopReading may be returned by a Handler to end ReadMessages without error.
var ErrStopReading = errors.New("stop reading")

// Handler is called once per recognised message, in arrival order.
type Handler func(Message) error

// ReadMessages reads lines from r until end of stream, ctx is done, or handle returns an error. Unrecognised
// lines are logged and skipped.
//
// End of stream and a connection closed by its owner both return nil. ReadMessages does not itself interrupt a
// blocked read when ctx is done; the owner of r closes it for that.
func ReadMessages(ctx context.Context, log *logrus.Entry, r io.Reader, handle Handler) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Text()
		msg, ok := Parse(line)
		if !ok {
			if line != "" {
				log.Debugf("Ignoring unrecognised control message %q", line)
			}
			continue
		}
		if err := handle(msg); err != nil {
			if errors.Is(err, ErrStopReading) {
				return nil
			}
			return err
		}
	}
	err := scanner.Err()
	if err == nil || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return errors.Wrap(err, "reading control messages")
}

// Writer sends messages one line at a time. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Send(m Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.w, m.String()+"\n"); err != nil {
		return errors.Wrapf(err, "sending %s", m.Kind)
	}
	return nil
}
