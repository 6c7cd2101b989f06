package loadgencontext

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultLogger = logrus.NewEntry(logrus.New()).WithField("foo", "bar")

func TestNew(t *testing.T) {
	ctx := New(context.Background(), defaultLogger)
	require.Equal(t, defaultLogger, ctx.Log)
	require.Equal(t, context.Background(), ctx.Context)
}

func TestNew_NilLogger(t *testing.T) {
	ctx := New(context.Background(), nil)
	require.NotNil(t, ctx.Log)
	ctx.Log.Info("discarded")
}

func TestBackground(t *testing.T) {
	ctx := Background()
	require.Equal(t, ctx.Context, context.Background())
}

func TestFromContext(t *testing.T) {
	original := New(context.Background(), defaultLogger)
	assert.Same(t, original, FromContext(original, nil))

	wrapped := FromContext(context.Background(), defaultLogger)
	assert.Equal(t, defaultLogger, wrapped.Log)
}

func TestWithLogField(t *testing.T) {
	ctx := WithLogField(Background(), "fish", "chips")
	require.Equal(t, context.Background(), ctx.Context)
	require.Equal(t, logrus.Fields{"fish": "chips"}, ctx.Log.Data)
}

func TestWithLogFields(t *testing.T) {
	ctx := WithLogFields(Background(), logrus.Fields{"fish": "chips", "salt": "pepper"})
	require.Equal(t, context.Background(), ctx.Context)
	require.Equal(t, logrus.Fields{"fish": "chips", "salt": "pepper"}, ctx.Log.Data)
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(Background(), 100*time.Millisecond)
	defer cancel()
	testDeadline(t, ctx)
}

func TestWithDeadline(t *testing.T) {
	ctx, cancel := WithDeadline(Background(), time.Now().Add(100*time.Millisecond))
	defer cancel()
	testDeadline(t, ctx)
}

func TestWithCancelCause_FirstCauseWins(t *testing.T) {
	first := errors.New("first")
	ctx, cancel := WithCancelCause(Background())
	cancel(first)
	cancel(errors.New("second"))
	<-ctx.Done()
	assert.Equal(t, first, context.Cause(ctx))
	assert.Equal(t, context.Canceled, ctx.Err())
}

func TestErrGroup(t *testing.T) {
	g, ctx := ErrGroup(WithLogField(Background(), "a", 1))
	g.Go(func() error {
		return errors.New("boom")
	})
	require.Error(t, g.Wait())
	<-ctx.Done()
	assert.Equal(t, logrus.Fields{"a": 1}, ctx.Log.Data)
}

func testDeadline(t *testing.T, c *Context) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not done after deadline")
	}
	assert.Equal(t, context.DeadlineExceeded, c.Err())
}
