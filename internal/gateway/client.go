// Package gateway submits print jobs to the gateway under test.
package gateway

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/loadgentool/loadgen/internal/subprocess"
)

// Submission is one batch of identical jobs for a single queue.
type Submission struct {
	GatewayUrl string
	Username   string
	Password   string
	Queue      string
	Job        string
	Count      int
}

// Client is the job submission capability the driver depends on.
type Client interface {
	SubmitJob(ctx context.Context, s Submission) error
}

// GatewayUrl returns the submission endpoint for host.
func GatewayUrl(host string) string {
	return fmt.Sprintf("https://%s/lrs.gateway", host)
}

// TesterClient submits through the gateway tester executable, one process per batch.
type TesterClient struct {
	path   string
	runner *subprocess.Runner
}

func NewTesterClient(path string, log *logrus.Entry) *TesterClient {
	return &TesterClient{
		path:   path,
		runner: subprocess.NewRunner(log),
	}
}

func (c *TesterClient) Path() string {
	return c.path
}

// SubmitJob blocks until the tester exits. The tester reports per-job failures on stderr, which the runner logs.
func (c *TesterClient) SubmitJob(ctx context.Context, s Submission) error {
	if _, err := c.runner.Run(ctx, c.path, Args(s)...); err != nil {
		return errors.WithMessagef(err, "submitting %d jobs of %s to queue %s", s.Count, s.Job, s.Queue)
	}
	return nil
}

// Args returns the gateway tester's command line for s.
func Args(s Submission) []string {
	return []string{
		"-g", s.GatewayUrl,
		"-u", s.Username,
		"-p", s.Password,
		"-q", s.Queue,
		"-j", s.Job,
		"-t", strconv.Itoa(s.Count),
	}
}
