package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetricsRegistry records escrow engine activity exposed on /metrics.
type MarketMetricsRegistry struct {
	operations  *prometheus.CounterVec
	errors      *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	settlements *prometheus.CounterVec
}

var (
	marketMetricsOnce sync.Once
	marketRegistry    *MarketMetricsRegistry
)

// MarketMetrics returns the lazily-initialised metrics registry used to
// record marketplace settlement activity.
func MarketMetrics() *MarketMetricsRegistry {
	marketMetricsOnce.Do(func() {
		marketRegistry = &MarketMetricsRegistry{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradepost",
				Subsystem: "market",
				Name:      "operations_total",
				Help:      "Total escrow engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradepost",
				Subsystem: "market",
				Name:      "errors_total",
				Help:      "Total escrow engine errors segmented by operation and error class.",
			}, []string{"operation", "class"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tradepost",
				Subsystem: "market",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for escrow engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tradepost",
				Subsystem: "market",
				Name:      "settlements_total",
				Help:      "Terminal escrow outcomes segmented by kind (completed, refunded, emergency).",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			marketRegistry.operations,
			marketRegistry.errors,
			marketRegistry.latency,
			marketRegistry.settlements,
		)
	})
	return marketRegistry
}

// ObserveOperation records one engine invocation.
func (m *MarketMetricsRegistry) ObserveOperation(operation, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(took.Seconds())
}

// ObserveError records one classified engine error.
func (m *MarketMetricsRegistry) ObserveError(operation, class string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(operation, class).Inc()
}

// ObserveSettlement records one terminal escrow outcome.
func (m *MarketMetricsRegistry) ObserveSettlement(kind string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(kind).Inc()
}
