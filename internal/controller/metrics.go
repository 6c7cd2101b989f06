package controller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loadgentool/loadgen/internal/driver"
)

const (
	prefix     = "loadgen_controller_"
	stateLabel = "state"
)

// Metrics exposes the controller's runs, connection attempts and progress to Prometheus.
type Metrics struct {
	batchesCompleted       prometheus.Gauge
	batchesTotal           prometheus.Gauge
	runs                   *prometheus.CounterVec
	driverConnectAttempts  prometheus.Counter
	runDuration            prometheus.Histogram
	metricsTriggerFailures prometheus.Counter
}

// NewMetrics creates the controller metrics and registers them with reg, if it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batchesCompleted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: prefix + "batches_completed",
				Help: "Number of batches the current run has submitted",
			},
		),
		batchesTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: prefix + "batches_total",
				Help: "Number of batches in the current run",
			},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "runs",
				Help: "Number of finished driver runs by terminal state",
			},
			[]string{stateLabel},
		),
		driverConnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: prefix + "driver_connect_attempts",
				Help: "Number of times the controller waited for a driver to connect to its control pipe",
			},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    prefix + "run_duration_seconds",
				Help:    "Time from driver start to driver exit",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
		),
		metricsTriggerFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: prefix + "metrics_trigger_failures",
				Help: "Number of metrics collector runs that could not be started or triggered",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.batchesCompleted,
			m.batchesTotal,
			m.runs,
			m.driverConnectAttempts,
			m.runDuration,
			m.metricsTriggerFailures,
		)
	}
	return m
}

func (m *Metrics) recordProgress(p Progress) {
	m.batchesCompleted.Set(float64(p.BatchesCompleted))
	m.batchesTotal.Set(float64(p.TotalBatches))
}

func (m *Metrics) recordConnectAttempt() {
	m.driverConnectAttempts.Inc()
}

func (m *Metrics) recordRun(state driver.State, duration time.Duration) {
	m.runs.WithLabelValues(state.String()).Inc()
	m.runDuration.Observe(duration.Seconds())
}

func (m *Metrics) recordMetricsTriggerFailure() {
	m.metricsTriggerFailures.Inc()
}
