package llm

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// UsageRecorder receives per-call usage accounting. It is consumed by
// observability, never by pipeline logic.
type UsageRecorder interface {
	RecordCall(provider, outcome string, duration time.Duration, retries int, usage TokenUsage)
}

// PrometheusRecorder exports LLM usage as Prometheus metrics.
type PrometheusRecorder struct {
	calls    *prometheus.CounterVec
	retries  *prometheus.CounterVec
	tokens   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a recorder and registers its collectors
// with the given registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatsmith_llm_calls_total",
			Help: "LLM calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatsmith_llm_retries_total",
			Help: "LLM retry attempts by provider.",
		}, []string{"provider"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatsmith_llm_tokens_total",
			Help: "Tokens consumed by provider and direction.",
		}, []string{"provider", "direction"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "threatsmith_llm_call_duration_seconds",
			Help:    "LLM call duration by provider.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"}),
	}
	reg.MustRegister(r.calls, r.retries, r.tokens, r.duration)
	return r
}

// RecordCall implements UsageRecorder.
func (r *PrometheusRecorder) RecordCall(provider, outcome string, duration time.Duration, retries int, usage TokenUsage) {
	r.calls.WithLabelValues(provider, outcome).Inc()
	if retries > 0 {
		r.retries.WithLabelValues(provider).Add(float64(retries))
	}
	if usage.PromptTokens > 0 {
		r.tokens.WithLabelValues(provider, "prompt").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		r.tokens.WithLabelValues(provider, "completion").Add(float64(usage.CompletionTokens))
	}
	r.duration.WithLabelValues(provider).Observe(duration.Seconds())
}

// nopRecorder discards usage records. Used when no recorder is configured.
type nopRecorder struct{}

func (nopRecorder) RecordCall(string, string, time.Duration, int, TokenUsage) {}

var (
	defaultRecorder     UsageRecorder = nopRecorder{}
	defaultRecorderOnce sync.Once
)

// DefaultRecorder returns the process-wide Prometheus recorder, creating
// it against the default registry on first use.
func DefaultRecorder() UsageRecorder {
	defaultRecorderOnce.Do(func() {
		defaultRecorder = NewPrometheusRecorder(prometheus.DefaultRegisterer)
	})
	return defaultRecorder
}
