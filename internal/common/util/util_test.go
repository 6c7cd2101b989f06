package util

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadgentool/loadgen/internal/common/loadgenerrors"
)

func TestNewULID_Ordered(t *testing.T) {
	a := NewULID()
	b := NewULID()
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
}

func TestCloseResource(t *testing.T) {
	logger, hook := test.NewNullLogger()
	CloseResource(logrus.NewEntry(logger), "pipe", CloserFunc(func() error { return errors.New("busy") }))
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "Failed to close pipe cleanly", hook.LastEntry().Message)

	CloseResource(logrus.NewEntry(logger), "nothing", nil)
	assert.Len(t, hook.Entries, 1)
}

func TestCloseAll(t *testing.T) {
	var closed []string
	closer := func(name string, err error) NamedCloser {
		return NamedCloser{Name: name, Closer: CloserFunc(func() error {
			closed = append(closed, name)
			return err
		})}
	}

	err := CloseAll(closer("a", nil), closer("b", errors.New("b failed")), NamedCloser{Name: "nil"}, closer("c", nil))

	assert.Equal(t, []string{"a", "b", "c"}, closed)
	var cleanup *loadgenerrors.ErrCleanup
	require.ErrorAs(t, err, &cleanup)
	assert.Contains(t, err.Error(), "closing b: b failed")
}

func TestCloseAll_NoErrors(t *testing.T) {
	assert.NoError(t, CloseAll(NamedCloser{Name: "a", Closer: CloserFunc(func() error { return nil })}))
}
