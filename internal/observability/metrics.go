package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "chat_history"

// Metrics holds the Prometheus collectors for provider calls, streams and
// history operations. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// ProviderRequestsTotal labels: backend (openai, gemini, promptflow), mode (single, stream), status (success, error)
	ProviderRequestsTotal *prometheus.CounterVec

	// ProviderDurationSeconds labels: backend, mode
	ProviderDurationSeconds *prometheus.HistogramVec

	// ActiveStreams counts streaming turns currently writing to a client.
	ActiveStreams prometheus.Gauge

	// StreamChunksTotal counts wire lines emitted across all streams.
	StreamChunksTotal prometheus.Counter

	// ClientDisconnectsTotal counts streams cancelled before the provider finished.
	ClientDisconnectsTotal prometheus.Counter

	// HistoryOperationsTotal labels: operation, outcome (ok, or the apperrors kind)
	HistoryOperationsTotal *prometheus.CounterVec

	// TitleFallbacksTotal counts title generations that fell back to message content.
	TitleFallbacksTotal prometheus.Counter
}

// NewMetrics registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ProviderRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Chat provider requests by backend, mode and status.",
		}, []string{"backend", "mode", "status"}),
		ProviderDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "provider",
			Name:      "duration_seconds",
			Help:      "Time until the provider returned a response or the first stream handle.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"backend", "mode"}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Streaming turns currently in flight.",
		}),
		StreamChunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "chunks_total",
			Help:      "NDJSON lines written to streaming clients.",
		}),
		ClientDisconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "client_disconnects_total",
			Help:      "Streams cancelled before the provider closed the sequence.",
		}),
		HistoryOperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "history",
			Name:      "operations_total",
			Help:      "History service operations by outcome.",
		}, []string{"operation", "outcome"}),
		TitleFallbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "history",
			Name:      "title_fallbacks_total",
			Help:      "Conversation titles taken from message content after a provider failure.",
		}),
	}
}

func (m *Metrics) ObserveProvider(backend, mode string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ProviderRequestsTotal.WithLabelValues(backend, mode, status).Inc()
	m.ProviderDurationSeconds.WithLabelValues(backend, mode).Observe(time.Since(started).Seconds())
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamFinished(cancelled bool) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	if cancelled {
		m.ClientDisconnectsTotal.Inc()
	}
}

func (m *Metrics) StreamChunk() {
	if m == nil {
		return
	}
	m.StreamChunksTotal.Inc()
}

func (m *Metrics) HistoryOperation(op, outcome string) {
	if m == nil {
		return
	}
	m.HistoryOperationsTotal.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) TitleFallback() {
	if m == nil {
		return
	}
	m.TitleFallbacksTotal.Inc()
}
