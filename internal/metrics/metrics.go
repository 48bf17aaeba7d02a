// Package metrics provides Prometheus metrics for the SOCKS5 proxy.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/evasilence/socks5d/internal/socks5"
)

const namespace = "socks5d"

var _ socks5.Metrics = (*Metrics)(nil)

// Metrics contains the operational Prometheus metrics exposed by the
// proxy. It deliberately carries no per-byte traffic accounting: byte and
// frame counters belong to a different product than this one.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
	UDPAssocsActive  prometheus.Gauge
	UDPAssocsTotal   prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against the global Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered against a
// specific registerer, so tests can use their own registry instead of
// colliding on the global one.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active SOCKS5 sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of SOCKS5 sessions that completed handshake",
		}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of time from greeting to parsed request",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake failures by error kind",
		}, []string{"kind"}),
		UDPAssocsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of currently active UDP ASSOCIATE relays",
		}),
		UDPAssocsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_associations_total",
			Help:      "Total UDP ASSOCIATE relays created",
		}),
	}
}

// SessionStarted records a CONNECT session entering the relay phase.
func (m *Metrics) SessionStarted() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// SessionEnded records a CONNECT session's relay ending.
func (m *Metrics) SessionEnded() {
	m.SessionsActive.Dec()
}

// HandshakeFailed records a handshake failure labeled by its error kind.
func (m *Metrics) HandshakeFailed(kind string) {
	m.HandshakeErrors.WithLabelValues(kind).Inc()
}

// HandshakeDuration records the time taken from greeting to parsed request.
func (m *Metrics) HandshakeDuration(d time.Duration) {
	m.HandshakeLatency.Observe(d.Seconds())
}

// UDPAssociationStarted records a UDP ASSOCIATE relay starting.
func (m *Metrics) UDPAssociationStarted() {
	m.UDPAssocsActive.Inc()
	m.UDPAssocsTotal.Inc()
}

// UDPAssociationEnded records a UDP ASSOCIATE relay tearing down.
func (m *Metrics) UDPAssociationEnded() {
	m.UDPAssocsActive.Dec()
}
