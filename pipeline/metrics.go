package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records pipeline observability counters. A nil-safe nop
// variant keeps tests and library embedders free of a registry.
type Metrics struct {
	jobsTotal     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
}

// NopMetrics returns a recorder that drops everything.
func NopMetrics() *Metrics {
	return &Metrics{}
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// DefaultMetrics registers the pipeline collectors on the default
// Prometheus registerer, once.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatsmith_jobs_total",
			Help: "Analysis jobs by terminal status.",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "threatsmith_stage_duration_seconds",
			Help:    "Wall-clock duration of pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"stage"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatsmith_stage_failures_total",
			Help: "Pipeline stage failures.",
		}, []string{"stage"}),
	}
	reg.MustRegister(m.jobsTotal, m.stageDuration, m.stageFailures)
	return m
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage string, d time.Duration, ok bool) {
	if m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if !ok {
		m.stageFailures.WithLabelValues(stage).Inc()
	}
}

// ObserveJob records one job reaching a terminal status.
func (m *Metrics) ObserveJob(status string) {
	if m.jobsTotal == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
}
