// Package observability provides the prometheus metrics, tracing setup and
// token accounting for the chat pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "vchat"

// Metrics holds the prometheus collectors for streaming exchanges and
// post-processing tasks. All operations are safe for concurrent use.
type Metrics struct {
	// RequestsTotal counts exchanges by transport (http, websocket) and outcome.
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens by direction (input, output) and model.
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency from request to first chunk.
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures the full relay duration by outcome.
	StreamDurationSeconds *prometheus.HistogramVec

	ActiveStreams prometheus.Gauge

	ClientDisconnectsTotal prometheus.Counter

	// PersistFailuresTotal counts turns that could not be stored.
	PersistFailuresTotal *prometheus.CounterVec

	// PostProcessTotal counts post-processing steps by task (title, summary) and status.
	PostProcessTotal *prometheus.CounterVec

	// ContextWindowTokens measures the size of the window sent to the model.
	ContextWindowTokens prometheus.Histogram
}

// NewMetrics registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Total chat exchanges by transport and outcome.",
		}, []string{"transport", "status"}),

		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "tokens_total",
			Help:      "Estimated tokens by direction and model.",
		}, []string{"direction", "model"}),

		TimeToFirstTokenSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "time_to_first_token_seconds",
			Help:      "Time from request to the first streamed chunk.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"model"}),

		StreamDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "stream_duration_seconds",
			Help:      "Total duration of relayed streams.",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),

		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "active_streams",
			Help:      "Streams currently being relayed.",
		}),

		ClientDisconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "client_disconnects_total",
			Help:      "Streams abandoned by the caller before completion.",
		}),

		PersistFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "persist_failures_total",
			Help:      "Turns that could not be stored, by role.",
		}, []string{"role"}),

		PostProcessTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "postprocess",
			Name:      "tasks_total",
			Help:      "Post-processing steps by task and status.",
		}, []string{"task", "status"}),

		ContextWindowTokens: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "context_window_tokens",
			Help:      "Estimated tokens in the assembled context window.",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 10),
		}),
	}
}
