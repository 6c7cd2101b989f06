package driver

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/loadgentool/loadgen/internal/common/loadgenerrors"
	"github.com/loadgentool/loadgen/internal/subprocess"
)

// Selector picks the queue and job for the next batch.
type Selector interface {
	Select(ctx context.Context, queues []string) (queue string, job string, err error)
}

// MetricsMonitor is told once per run that the metrics threshold has been reached.
type MetricsMonitor interface {
	Collect(ctx context.Context, sessionId string, totalJobs int) error
}

// HelperSelector asks the selection helper for a random queue and job.
type HelperSelector struct {
	path   string
	runner *subprocess.Runner
}

func NewHelperSelector(path string, log *logrus.Entry) *HelperSelector {
	return &HelperSelector{path: path, runner: subprocess.NewRunner(log, subprocess.QueueTag, subprocess.JobTag)}
}

// Select returns ErrSelectionContractViolation unless the helper runs and prints at least a queue and a job.
// Only the first two tagged values are used.
func (s *HelperSelector) Select(ctx context.Context, queues []string) (string, string, error) {
	values, err := s.runner.Run(ctx, s.path, "-queues", strings.Join(queues, ","))
	if err != nil {
		if ctx.Err() != nil {
			return "", "", err
		}
		return "", "", errors.WithStack(&loadgenerrors.ErrSelectionContractViolation{Got: values, Cause: err})
	}
	if len(values) < 2 {
		return "", "", errors.WithStack(&loadgenerrors.ErrSelectionContractViolation{Got: values})
	}
	return values[0], values[1], nil
}

// HelperMetricsMonitor runs the metrics monitor helper and waits for it to exit.
type HelperMetricsMonitor struct {
	path   string
	runner *subprocess.Runner
}

func NewHelperMetricsMonitor(path string, log *logrus.Entry) *HelperMetricsMonitor {
	return &HelperMetricsMonitor{path: path, runner: subprocess.NewRunner(log)}
}

func (m *HelperMetricsMonitor) Collect(ctx context.Context, sessionId string, totalJobs int) error {
	_, err := m.runner.Run(ctx, m.path, "-sessID", sessionId, "-jobsAmount", strconv.Itoa(totalJobs))
	return err
}
