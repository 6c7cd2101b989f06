package util

import (
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/loadgentool/loadgen/internal/common/loadgenerrors"
)

// NamedCloser pairs a resource with the name used for it in logs and errors.
type NamedCloser struct {
	Name   string
	Closer io.Closer
}

// CloseResource closes c, logging rather than returning any failure.
func CloseResource(log *logrus.Entry, name string, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		log.WithError(err).Warnf("Failed to close %s cleanly", name)
	}
}

// CloseAll closes every resource, in order, even if earlier ones fail. Failures are aggregated into a single
// ErrCleanup; nil resources are skipped.
func CloseAll(resources ...NamedCloser) error {
	var result *multierror.Error
	for _, r := range resources {
		if r.Closer == nil {
			continue
		}
		if err := r.Closer.Close(); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "closing %s", r.Name))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return &loadgenerrors.ErrCleanup{Resource: "run resources", Cause: err}
	}
	return nil
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error {
	return f()
}
