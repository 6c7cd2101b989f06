package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/loadgentool/loadgen/internal/common/loadgencontext"
)

// CreateContextWithShutdown returns a context that is cancelled when SIGINT or SIGTERM is received, or when
// the returned CancelFunc is called. The signal handler is removed once the context is done.
func CreateContextWithShutdown(log *logrus.Entry) (*loadgencontext.Context, context.CancelFunc) {
	ctx, cancel := loadgencontext.WithCancel(loadgencontext.New(context.Background(), log))
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case sig := <-c:
			ctx.Log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
