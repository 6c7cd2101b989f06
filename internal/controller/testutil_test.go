package controller

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/loadgentool/loadgen/internal/common/loadgencontext"
	"github.com/loadgentool/loadgen/internal/common/logging"
	"github.com/loadgentool/loadgen/internal/controller/configuration"
	"github.com/loadgentool/loadgen/internal/driver"
	"github.com/loadgentool/loadgen/internal/gateway"
	"github.com/loadgentool/loadgen/internal/subprocess"
)

func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "lgc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func testContext() (*loadgencontext.Context, *logging.RingHook) {
	logger := logrus.New()
	logger.SetOutput(logging.NullLogger.Logger.Out)
	logger.SetLevel(logrus.DebugLevel)
	ring := logging.NewRingHook(2000)
	logger.AddHook(ring)
	return loadgencontext.New(context.Background(), logrus.NewEntry(logger)), ring
}

func testConfig(dir string) configuration.ControllerConfig {
	config := configuration.DefaultControllerConfig()
	config.PipeDir = dir
	config.Helpers = configuration.HelperPaths{
		Driver:        "driver",
		Selection:     "select",
		GatewayTester: "gateway",
	}
	config.ConnectAttempts = 3
	config.AcceptTimeout = 2 * time.Second
	config.ConnectRetryInterval = 10 * time.Millisecond
	config.InterBatchDelay = 0
	config.CancelGracePeriod = 2 * time.Second
	config.ProcessWaitTimeout = 2 * time.Second
	config.ProgressRetryBackoff = 10 * time.Millisecond
	return config
}

func testRun() configuration.RunConfig {
	return configuration.RunConfig{
		TotalJobs: 10,
		StepSize:  3,
		Username:  "user",
		Password:  "secret",
		SessionId: "session-1",
		Hostname:  "gateway.example",
		SoapToken: "token",
		VpsId:     "vps-1",
		Queues:    []string{"q1", "q2"},
	}
}

// behaviour stands in for a process's main. Its context is cancelled when the process is killed.
type behaviour func(ctx context.Context, spec subprocess.Spec) int

type fakeProcess struct {
	pid      int
	done     chan struct{}
	exitCode int
	kill     context.CancelFunc
	killed   atomic.Bool
	once     sync.Once
}

func (p *fakeProcess) Pid() int {
	return p.pid
}

func (p *fakeProcess) Done() <-chan struct{} {
	return p.done
}

func (p *fakeProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *fakeProcess) ExitCode() int {
	if !p.Exited() || p.killed.Load() {
		return -1
	}
	return p.exitCode
}

func (p *fakeProcess) Terminate(grace, waitTimeout time.Duration) error {
	var err error
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		case <-time.After(grace):
		}
		p.killed.Store(true)
		p.kill()
		select {
		case <-p.done:
		case <-time.After(waitTimeout):
			err = errors.New("fake process did not exit")
		}
	})
	return err
}

// fakeLauncher runs each started process as a goroutine.
type fakeLauncher struct {
	behave behaviour
	err    error

	mu        sync.Mutex
	specs     []subprocess.Spec
	processes []*fakeProcess
	started   chan struct{}
}

func newFakeLauncher(behave behaviour) *fakeLauncher {
	return &fakeLauncher{behave: behave, started: make(chan struct{}, 16)}
}

func (l *fakeLauncher) Start(spec subprocess.Spec) (Process, error) {
	if l.err != nil {
		return nil, l.err
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	p := &fakeProcess{
		pid:  1000 + len(l.processes),
		done: make(chan struct{}),
		kill: cancel,
	}
	l.specs = append(l.specs, spec)
	l.processes = append(l.processes, p)
	l.mu.Unlock()

	go func() {
		defer cancel()
		p.exitCode = l.behave(ctx, spec)
		close(p.done)
	}()
	l.started <- struct{}{}
	return p, nil
}

func (l *fakeLauncher) lastSpec() subprocess.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[len(l.specs)-1]
}

func (l *fakeLauncher) lastProcess() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processes[len(l.processes)-1]
}

func (l *fakeLauncher) startCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func flagValue(spec subprocess.Spec, name string) string {
	for i := 0; i+1 < len(spec.Args); i++ {
		if spec.Args[i] == name {
			return spec.Args[i+1]
		}
	}
	return ""
}

// workerDriver runs a real driver worker in process, built from the flags the controller passed.
func workerDriver(selector driver.Selector, client gateway.Client) behaviour {
	return func(ctx context.Context, spec subprocess.Spec) int {
		totalJobs, _ := strconv.Atoi(flagValue(spec, "--totalJobs"))
		stepValue, _ := strconv.Atoi(flagValue(spec, "--stepValue"))
		args := driver.Args{
			SoapToken: flagValue(spec, "--soapToken"),
			TotalJobs: totalJobs,
			StepValue: stepValue,
			Hostname:  flagValue(spec, "--hostname"),
			VpsId:     flagValue(spec, "--vpsid"),
			Username:  flagValue(spec, "--username"),
			Password:  flagValue(spec, "--password"),
			SessionId: flagValue(spec, "--sessionId"),
			PipeName:  flagValue(spec, "--pipeName"),
			Queues:    strings.Split(flagValue(spec, "--queues"), ","),
		}
		config := driver.DefaultConfig()
		config.PipeDir = flagValue(spec, "--pipeDir")
		config.ProgressPipeName = flagValue(spec, "--progressPipe")
		config.ConnectTimeout = 2 * time.Second
		config.ConnectRetryInterval = 10 * time.Millisecond
		config.InterBatchDelay, _ = time.ParseDuration(flagValue(spec, "--interBatchDelay"))

		worker := driver.NewWorker(args, config, selector, client, nil, clock.RealClock{})
		return worker.Run(loadgencontext.New(ctx, logging.NullLogger)).State.ExitCode()
	}
}

// blockUntilKilled is a driver that never connects.
func blockUntilKilled(ctx context.Context, _ subprocess.Spec) int {
	<-ctx.Done()
	return 0
}

type selectorFunc func(ctx context.Context, queues []string) (string, string, error)

func (f selectorFunc) Select(ctx context.Context, queues []string) (string, string, error) {
	return f(ctx, queues)
}

func firstQueue(_ context.Context, queues []string) (string, string, error) {
	return queues[0], "job-1", nil
}

// recordingGateway records submissions. The submission with index blockAt, if any, blocks until its context
// is done.
type recordingGateway struct {
	mu          sync.Mutex
	submissions []gateway.Submission
	blockAt     int
	submitted   chan int
}

func newRecordingGateway() *recordingGateway {
	return &recordingGateway{blockAt: -1, submitted: make(chan int, 100)}
}

func (g *recordingGateway) SubmitJob(ctx context.Context, s gateway.Submission) error {
	g.mu.Lock()
	g.submissions = append(g.submissions, s)
	n := len(g.submissions)
	g.mu.Unlock()
	g.submitted <- n
	if n-1 == g.blockAt {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (g *recordingGateway) counts() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	var counts []int
	for _, s := range g.submissions {
		counts = append(counts, s.Count)
	}
	return counts
}
