package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder exports samples through the default Prometheus
// registry.
type PrometheusRecorder struct {
	requests  *prometheus.CounterVec
	tokens    *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the collectors and returns the recorder.
// Call at most once per process; promauto panics on duplicate registration.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Model calls by model, session, agent, status, and error type",
		}, []string{"model", "session_id", "agent", "status", "error_type"}),
		tokens: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Tokens consumed by model calls, split into prompt and completion",
		}, []string{"model", "session_id", "agent", "type"}),
		durations: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "Model call latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"model", "session_id", "agent"}),
	}
}

// ObserveRequest implements Recorder.
func (p *PrometheusRecorder) ObserveRequest(s Sample) {
	status := "success"
	if !s.OK() {
		status = "error"
	}
	p.requests.WithLabelValues(s.Model, s.SessionID, s.Agent, status, s.ErrorType).Inc()

	// Token counts are only meaningful on success
	if s.OK() {
		p.tokens.WithLabelValues(s.Model, s.SessionID, s.Agent, "prompt").Add(float64(s.PromptTokens))
		p.tokens.WithLabelValues(s.Model, s.SessionID, s.Agent, "completion").Add(float64(s.CompletionTokens))
	}
	p.durations.WithLabelValues(s.Model, s.SessionID, s.Agent).Observe(s.Duration.Seconds())
}
