package driver

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/loadgentool/loadgen/internal/common/loadgencontext"
	"github.com/loadgentool/loadgen/internal/common/loadgenerrors"
	"github.com/loadgentool/loadgen/internal/common/logging"
	"github.com/loadgentool/loadgen/internal/controlpipe"
	"github.com/loadgentool/loadgen/internal/gateway"
)

func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "lgd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testContext() (*loadgencontext.Context, *logging.RingHook) {
	logger := logrus.New()
	logger.SetOutput(logging.NullLogger.Logger.Out)
	logger.SetLevel(logrus.DebugLevel)
	ring := logging.NewRingHook(1000)
	logger.AddHook(ring)
	return loadgencontext.New(context.Background(), logrus.NewEntry(logger)), ring
}

// fakeController plays the controller's side of both pipes.
type fakeController struct {
	t        *testing.T
	control  *controlpipe.Listener
	progress *controlpipe.Listener

	mu               sync.Mutex
	progressMessages []controlpipe.Message
	results          []controlpipe.Message
	onIncrement      func(count int)
	done             sync.WaitGroup
}

func startFakeController(t *testing.T, dir, pipeName string) *fakeController {
	t.Helper()
	control, err := controlpipe.Listen(dir, pipeName)
	require.NoError(t, err)
	progress, err := controlpipe.Listen(dir, DefaultProgressPipeName)
	require.NoError(t, err)
	c := &fakeController{t: t, control: control, progress: progress}
	ctx, log := context.Background(), logging.NullLogger

	c.done.Add(2)
	go func() {
		defer c.done.Done()
		conn, err := progress.Accept(ctx, 10*time.Second)
		if err != nil {
			return
		}
		_ = controlpipe.ReadMessages(ctx, log, conn, func(m controlpipe.Message) error {
			c.mu.Lock()
			c.progressMessages = append(c.progressMessages, m)
			increments := c.incrementsLocked()
			onIncrement := c.onIncrement
			c.mu.Unlock()
			if m.Kind == controlpipe.KindIncrement && onIncrement != nil {
				onIncrement(increments)
			}
			return nil
		})
	}()
	go func() {
		defer c.done.Done()
		conn, err := control.Accept(ctx, 10*time.Second)
		if err != nil {
			return
		}
		_ = controlpipe.ReadMessages(ctx, log, conn, func(m controlpipe.Message) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.results = append(c.results, m)
			return nil
		})
	}()
	t.Cleanup(c.close)
	return c
}

func (c *fakeController) close() {
	_ = c.control.Close()
	_ = c.progress.Close()
}

// wait returns once the driver has closed both pipes.
func (c *fakeController) wait() {
	c.done.Wait()
}

func (c *fakeController) setOnIncrement(f func(count int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onIncrement = f
}

// sendCancel may be called from any goroutine.
func (c *fakeController) sendCancel() {
	deadline := time.Now().Add(5 * time.Second)
	for !c.control.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	conn := c.control.Conn()
	if !assert.NotNil(c.t, conn, "driver never connected to the control pipe") {
		return
	}
	assert.NoError(c.t, controlpipe.NewWriter(conn).Send(controlpipe.Cancel()))
}

func (c *fakeController) incrementsLocked() int {
	n := 0
	for _, m := range c.progressMessages {
		if m.Kind == controlpipe.KindIncrement {
			n++
		}
	}
	return n
}

func (c *fakeController) messages() []controlpipe.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]controlpipe.Message(nil), c.progressMessages...)
}

func (c *fakeController) result() (controlpipe.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.results) == 0 {
		return controlpipe.Message{}, false
	}
	return c.results[len(c.results)-1], true
}

type fakeSelector struct {
	queue, job string
	err        error
}

func (s fakeSelector) Select(context.Context, []string) (string, string, error) {
	return s.queue, s.job, s.err
}

type fakeGateway struct {
	mu          sync.Mutex
	submissions []gateway.Submission
	failOn      map[int]error
	block       bool
}

func (g *fakeGateway) SubmitJob(ctx context.Context, s gateway.Submission) error {
	g.mu.Lock()
	g.submissions = append(g.submissions, s)
	err := g.failOn[len(g.submissions)]
	block := g.block
	g.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (g *fakeGateway) counts() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	counts := make([]int, 0, len(g.submissions))
	for _, s := range g.submissions {
		counts = append(counts, s.Count)
	}
	return counts
}

type fakeMonitor struct {
	gateway *fakeGateway
	mu      sync.Mutex
	calls   []int
}

func (m *fakeMonitor) Collect(_ context.Context, sessionId string, totalJobs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, len(m.gateway.counts()))
	return errors.New("monitor failures are only logged")
}

func testArgs(total, step int) Args {
	return Args{
		SoapToken: "token",
		TotalJobs: total,
		StepValue: step,
		Hostname:  "gateway.example.com",
		VpsId:     "vps",
		Username:  "user",
		Password:  "pass",
		SessionId: "session",
		PipeName:  controlpipe.NewPipeName("ctl"),
		Queues:    []string{"q1", "q2"},
	}
}

func testConfig(dir string) Config {
	config := DefaultConfig()
	config.PipeDir = dir
	config.ConnectTimeout = 2 * time.Second
	config.ConnectRetryInterval = 10 * time.Millisecond
	config.InterBatchDelay = 0
	return config
}

func increments(messages []controlpipe.Message) int {
	n := 0
	for _, m := range messages {
		if m.Kind == controlpipe.KindIncrement {
			n++
		}
	}
	return n
}

func TestWorker_CompletesAllBatches(t *testing.T) {
	dir := shortTempDir(t)
	args := testArgs(100, 25)
	controller := startFakeController(t, dir, args.PipeName)
	gw := &fakeGateway{}
	ctx, _ := testContext()

	worker := NewWorker(args, testConfig(dir), fakeSelector{queue: "q2", job: "job-1"}, gw, nil, clock.RealClock{})
	result := worker.Run(ctx)
	controller.wait()

	assert.Equal(t, Completed, result.State)
	assert.Equal(t, Completed, worker.State())
	assert.Equal(t, 100, result.Submitted)
	assert.Equal(t, 4, result.Batches)
	assert.Equal(t, 0, result.State.ExitCode())
	assert.Equal(t, []int{25, 25, 25, 25}, gw.counts())

	messages := controller.messages()
	require.NotEmpty(t, messages)
	assert.Equal(t, controlpipe.SetProgressConfig(100, 25), messages[0])
	assert.Equal(t, 4, increments(messages))
	res, ok := controller.result()
	require.True(t, ok)
	assert.Equal(t, controlpipe.Result("Completed", ""), res)
}

func TestWorker_SubmissionDetails(t *testing.T) {
	dir := shortTempDir(t)
	args := testArgs(7, 5)
	startFakeController(t, dir, args.PipeName)
	gw := &fakeGateway{}
	ctx, _ := testContext()

	result := NewWorker(args, testConfig(dir), fakeSelector{queue: "q1", job: "j"}, gw, nil, clock.RealClock{}).Run(ctx)

	require.Equal(t, Completed, result.State)
	assert.Equal(t, []int{5, 2}, gw.counts())
	assert.Equal(t, gateway.Submission{
		GatewayUrl: "https://gateway.example.com/lrs.gateway",
		Username:   "user",
		Password:   "pass",
		Queue:      "q1",
		Job:        "j",
		Count:      5,
	}, gw.submissions[0])
}

func TestWorker_CancelDuringInterBatchDelay(t *testing.T) {
	dir := shortTempDir(t)
	args := testArgs(100, 25)
	controller := startFakeController(t, dir, args.PipeName)
	controller.setOnIncrement(func(count int) {
		if count == 1 {
			controller.sendCancel()
		}
	})
	config := testConfig(dir)
	config.InterBatchDelay = time.Hour
	fakeClock := clocktesting.NewFakeClock(time.Now())
	gw := &fakeGateway{}
	ctx, ring := testContext()

	result := NewWorker(args, config, fakeSelector{queue: "q", job: "j"}, gw, nil, fakeClock).Run(ctx)
	controller.wait()

	assert.Equal(t, Cancelled, result.State)
	assert.Equal(t, 0, result.State.ExitCode())
	assert.Equal(t, 1, result.Batches)
	assert.Equal(t, 1, increments(controller.messages()))
	assert.Equal(t, []int{25}, gw.counts())
	assert.True(t, ring.Contains("Cancellation requested by controller"))
	res, _ := controller.result()
	assert.Equal(t, "Cancelled", res.State)
}

func TestWorker_CancelDuringSubmissionDoesNotAdvance(t *testing.T) {
	dir := shortTempDir(t)
	args := testArgs(100, 25)
	controller := startFakeController(t, dir, args.PipeName)
	gw := &fakeGateway{block: true}
	ctx, _ := testContext()

	go func() {
		assert.Eventually(t, func() bool { return len(gw.counts()) == 1 && controller.control.Connected() }, 5*time.Second, 5*time.Millisecond)
		controller.sendCancel()
	}()
	result := NewWorker(args, testConfig(dir), fakeSelector{queue: "q", job: "j"}, gw, nil, clock.RealClock{}).Run(ctx)
	controller.wait()

	assert.Equal(t, Cancelled, result.State)
	assert.Equal(t, 0, result.Submitted)
	assert.Equal(t, 0, increments(controller.messages()))
}

func TestWorker_ParentContextCancelled(t *testing.T) {
	dir := shortTempDir(t)
	args := testArgs(100, 25)
	startFakeController(t, dir, args.PipeName)
	gw := &fakeGateway{block: true}
	ctx, _ := testContext()
	cancelCtx, cancel := loadgencontext.WithCancel(ctx)

	go func() {
		assert.Eventually(t, func() bool { return len(gw.counts()) == 1 }, 5*time.Second, 5*time.Millisecond)
		cancel()
	}()
	result := NewWorker(args, testConfig(dir), fakeSelector{queue: "q", job: "j"}, gw, nil, clock.RealClock{}).Run(cancelCtx)

	assert.Equal(t, Cancelled, result.State)
}

func TestWorker_SelectionContractViolation(t *testing.T) {
	dir := shortTempDir(t)
	args := testArgs(100, 25)
	controller := startFakeController(t, dir, args.PipeName)
	selectionHelper := filepath.Join(dir, "select.sh")
	require.NoError(t, os.WriteFile(selectionHelper, []byte("#!/bin/sh\necho no tags here\n"), 0o755))
	gw := &fakeGateway{}
	ctx, _ := testContext()

	worker := NewWorker(args, testConfig(dir), NewHelperSelector(selectionHelper, ctx.Log), gw, nil, clock.RealClock{})
	result := worker.Run(ctx)
	controller.wait()

	assert.Equal(t, Failed, result.State)
	assert.Equal(t, 1, result.State.ExitCode())
	var violation *loadgenerrors.ErrSelectionContractViolation
	assert.ErrorAs(t, result.Err, &violation)
	assert.Empty(t, gw.counts())
	assert.Equal(t, 0, increments(controller.messages()))
	res, ok := controller.result()
	require.True(t, ok)
	assert.Equal(t, "Failed", res.State)
	assert.Contains(t, res.Detail, "selection helper returned 0 tagged values")
}

func TestWorker_SubmissionErrorIsNotFatal(t *testing.T) {
	dir := shortTempDir(t)
	args := testArgs(100, 25)
	controller := startFakeController(t, dir, args.PipeName)
	gw := &fakeGateway{failOn: map[int]error{2: errors.New("gateway said no")}}
	ctx, ring := testContext()

	result := NewWorker(args, testConfig(dir), fakeSelector{queue: "q", job: "j"}, gw, nil, clock.RealClock{}).Run(ctx)
	controller.wait()

	assert.Equal(t, Completed, result.State)
	assert.Equal(t, 4, increments(controller.messages()))
	assert.True(t, ring.Contains("Error submitting batch 2"))
}

func TestWorker_MetricsThresholdLatch(t *testing.T) {
	dir := shortTempDir(t)
	args := testArgs(100, 10)
	startFakeController(t, dir, args.PipeName)
	gw := &fakeGateway{}
	monitor := &fakeMonitor{gateway: gw}
	ctx, ring := testContext()

	result := NewWorker(args, testConfig(dir), fakeSelector{queue: "q", job: "j"}, gw, monitor, clock.RealClock{}).Run(ctx)

	assert.Equal(t, Completed, result.State)
	assert.Equal(t, []int{8}, monitor.calls)
	assert.True(t, ring.Contains("Metrics monitor failed"))
}

func TestWorker_ControlChannelUnreachable(t *testing.T) {
	dir := shortTempDir(t)
	config := testConfig(dir)
	config.ConnectTimeout = 100 * time.Millisecond
	ctx, _ := testContext()

	result := NewWorker(testArgs(10, 5), config, fakeSelector{}, &fakeGateway{}, nil, clock.RealClock{}).Run(ctx)

	assert.Equal(t, Failed, result.State)
	var unreachable *loadgenerrors.ErrControlChannelUnreachable
	require.ErrorAs(t, result.Err, &unreachable)
	assert.Equal(t, loadgenerrors.CategoryConnection, loadgenerrors.CategoryFromError(result.Err))
}

func TestWorker_ProgressChannelUnreachable(t *testing.T) {
	dir := shortTempDir(t)
	args := testArgs(10, 5)
	control, err := controlpipe.Listen(dir, args.PipeName)
	require.NoError(t, err)
	defer control.Close()
	go func() { _, _ = control.Accept(context.Background(), 5*time.Second) }()
	config := testConfig(dir)
	config.ConnectTimeout = 200 * time.Millisecond
	ctx, _ := testContext()

	result := NewWorker(args, config, fakeSelector{}, &fakeGateway{}, nil, clock.RealClock{}).Run(ctx)

	assert.Equal(t, Failed, result.State)
	var unreachable *loadgenerrors.ErrControlChannelUnreachable
	require.ErrorAs(t, result.Err, &unreachable)
	assert.Equal(t, DefaultProgressPipeName, unreachable.Pipe)
}

func TestMain_InvalidInputExitsBeforeConnecting(t *testing.T) {
	dir := shortTempDir(t)
	script := filepath.Join(dir, "helper.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))
	valid := testConfig(dir)
	valid.Helpers = HelperPaths{Selection: script, GatewayTester: script}

	tests := map[string]struct {
		args   func(a *Args)
		config func(c *Config)
		log    string
	}{
		"missing hostname": {
			args: func(a *Args) { a.Hostname = "" },
			log:  `value "" is invalid for field "hostname"; required`,
		},
		"zero step": {
			args: func(a *Args) { a.StepValue = 0 },
			log:  `field "stepValue"`,
		},
		"no queues": {
			args: func(a *Args) { a.Queues = nil },
			log:  "at least one queue is required",
		},
		"missing helper path": {
			config: func(c *Config) { c.Helpers.Selection = "" },
			log:    "Field Helpers.Selection is required",
		},
		"helper does not exist": {
			config: func(c *Config) { c.Helpers.MetricsMonitor = filepath.Join(dir, "absent") },
			log:    "Helper executables are not usable",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			args, config := testArgs(10, 5), valid
			if tc.args != nil {
				tc.args(&args)
			}
			if tc.config != nil {
				tc.config(&config)
			}
			ctx, ring := testContext()

			assert.Equal(t, 1, Main(ctx, args, config))
			assert.True(t, ring.Contains(tc.log), ring.Lines())
			assert.NoFileExists(t, controlpipe.Path(dir, args.PipeName))
		})
	}
}

func TestMain_RunsHelpers(t *testing.T) {
	dir := shortTempDir(t)
	args := testArgs(4, 2)
	controller := startFakeController(t, dir, args.PipeName)
	calls := filepath.Join(dir, "calls")
	selection := filepath.Join(dir, "select.sh")
	tester := filepath.Join(dir, "tester.sh")
	monitor := filepath.Join(dir, "monitor.sh")
	require.NoError(t, os.WriteFile(selection, []byte("#!/bin/sh\necho \"Selected Queue: q2\"\necho \"Selected Job: j9\"\n"), 0o755))
	require.NoError(t, os.WriteFile(tester, []byte("#!/bin/sh\necho tester \"$@\" >> "+calls+"\n"), 0o755))
	require.NoError(t, os.WriteFile(monitor, []byte("#!/bin/sh\necho monitor \"$@\" >> "+calls+"\n"), 0o755))
	config := testConfig(dir)
	config.Helpers = HelperPaths{Selection: selection, GatewayTester: tester, MetricsMonitor: monitor}
	ctx, _ := testContext()

	assert.Equal(t, 0, Main(ctx, args, config))
	controller.wait()

	recorded, err := os.ReadFile(calls)
	require.NoError(t, err)
	assert.Equal(t,
		"tester -g https://gateway.example.com/lrs.gateway -u user -p pass -q q2 -j j9 -t 2\n"+
			"tester -g https://gateway.example.com/lrs.gateway -u user -p pass -q q2 -j j9 -t 2\n"+
			"monitor -sessID session -jobsAmount 4\n",
		string(recorded))
	assert.Equal(t, 2, increments(controller.messages()))
}
