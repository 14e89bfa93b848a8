// Package metrics provides Prometheus metrics for ss2022d.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ss2022"

// Metrics collects the server's Prometheus instruments. It satisfies
// ss2022.Metrics, so a *Metrics can be passed directly to
// ss2022.WithMetrics.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionsClosed *prometheus.CounterVec
	BytesRelayedTotal *prometheus.CounterVec
	ReplayRejectedTotal prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance against a custom
// registry, so tests can avoid colliding on the global one.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently relayed client sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of accepted client sessions",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total closed sessions by reason",
		}, []string{"reason"}),
		BytesRelayedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed by direction",
		}, []string{"direction"}),
		ReplayRejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_rejected_total",
			Help:      "Total requests rejected for reusing a salt",
		}),
	}
}

// SessionStarted implements ss2022.Metrics.
func (m *Metrics) SessionStarted() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// SessionClosed implements ss2022.Metrics.
func (m *Metrics) SessionClosed(reason string) {
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

// BytesRelayed implements ss2022.Metrics.
func (m *Metrics) BytesRelayed(direction string, n int) {
	m.BytesRelayedTotal.WithLabelValues(direction).Add(float64(n))
}

// ReplayRejected implements ss2022.Metrics.
func (m *Metrics) ReplayRejected() {
	m.ReplayRejectedTotal.Inc()
}
