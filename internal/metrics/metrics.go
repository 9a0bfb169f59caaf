// Package metrics provides Prometheus metrics for socksgate.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "socksgate"

// Direction labels for relay byte counters.
const (
	DirClientToTarget = "client_to_target"
	DirTargetToClient = "target_to_client"
)

// Metrics contains all Prometheus metrics for the proxy.
type Metrics struct {
	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter

	// Negotiation metrics
	HandshakeErrors *prometheus.CounterVec
	DNSLatency      prometheus.Histogram
	DialLatency     prometheus.Histogram
	DialErrors      prometheus.Counter

	// Relay metrics
	BytesRelayed *prometheus.CounterVec
	RelayErrors  prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active proxy sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of accepted proxy sessions",
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "SOCKS5 negotiation failures by reason",
		}, []string{"reason"}),
		DNSLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dns_latency_seconds",
			Help:      "Target hostname resolution latency",
			Buckets:   prometheus.DefBuckets,
		}),
		DialLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_latency_seconds",
			Help:      "Outbound TCP connect latency",
			Buckets:   prometheus.DefBuckets,
		}),
		DialErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_errors_total",
			Help:      "Total outbound connect failures",
		}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Bytes relayed by direction",
		}, []string{"direction"}),
		RelayErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Total relay loops terminated by an I/O error",
		}),
	}
}
