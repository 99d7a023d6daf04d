package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsGenerator is what the engine reports into. A nil registry still
// yields usable collectors that are simply never scraped.
type MetricsGenerator interface {
	IncOperation(kind, state string)
	IncRetry(kind string)
	IncGateConflict(kind string)
	AddSwept(count int)
	IncPrefundTopUp(network string)
	IncGasFallback(network string)
	ObserveDuration(kind string, d time.Duration)
}

// EngineMetrics contains instrumented metrics incremented by the transaction engine
type EngineMetrics struct {
	numOperations   *prometheus.CounterVec
	numRetries      *prometheus.CounterVec
	numGateConflict *prometheus.CounterVec
	numSwept        prometheus.Counter
	numTopUps       *prometheus.CounterVec
	numGasFallback  *prometheus.CounterVec
	duration        *prometheus.HistogramVec
}

const apNamespace = "ap"

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	return &EngineMetrics{
		numOperations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "operations_total",
				Help:      "The number of operations that reached a terminal or parked state",
			}, []string{"kind", "state"}),

		numRetries: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "fee_retries_total",
				Help:      "The number of resubmissions after a fee related rejection",
			}, []string{"kind"}),

		numGateConflict: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "gate_conflicts_total",
				Help:      "The number of requests refused because an operation of the same kind was in flight",
			}, []string{"kind"}),

		numSwept: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "gate_swept_total",
				Help:      "The number of stale concurrency flags cleared by the sweeper",
			}),

		numTopUps: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "prefund_topups_total",
				Help:      "The number of entrypoint deposits made to cover a prefund shortfall",
			}, []string{"network"}),

		numGasFallback: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "gas_estimate_fallbacks_total",
				Help:      "The number of times call gas estimation failed and the default limit was used",
			}, []string{"network"}),

		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Name:      "operation_duration_seconds",
				Help:      "Time from request to terminal state",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
			}, []string{"kind"}),
	}
}

func (m *EngineMetrics) IncOperation(kind, state string) {
	m.numOperations.WithLabelValues(kind, state).Inc()
}

func (m *EngineMetrics) IncRetry(kind string) {
	m.numRetries.WithLabelValues(kind).Inc()
}

func (m *EngineMetrics) IncGateConflict(kind string) {
	m.numGateConflict.WithLabelValues(kind).Inc()
}

func (m *EngineMetrics) AddSwept(count int) {
	m.numSwept.Add(float64(count))
}

func (m *EngineMetrics) IncPrefundTopUp(network string) {
	m.numTopUps.WithLabelValues(network).Inc()
}

func (m *EngineMetrics) IncGasFallback(network string) {
	m.numGasFallback.WithLabelValues(network).Inc()
}

func (m *EngineMetrics) ObserveDuration(kind string, d time.Duration) {
	m.duration.WithLabelValues(kind).Observe(d.Seconds())
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) IncOperation(string, string) {}
func (NoopMetrics) IncRetry(string) {}
func (NoopMetrics) IncGateConflict(string) {}
func (NoopMetrics) AddSwept(int) {}
func (NoopMetrics) IncPrefundTopUp(string) {}
func (NoopMetrics) IncGasFallback(string) {}
func (NoopMetrics) ObserveDuration(string, time.Duration) {}
