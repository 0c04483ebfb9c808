// Package metrics provides Prometheus metrics for multiproxy.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "multiproxy"

// Metrics contains all Prometheus metrics for the proxy daemon.
type Metrics struct {
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	ConnectErrors     *prometheus.CounterVec
	AuthFailures      *prometheus.CounterVec
	DialLatency       *prometheus.HistogramVec
	BytesRelayed      *prometheus.CounterVec
	UDPAssociations   prometheus.Gauge
	UDPDatagrams      *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against prometheus.DefaultRegisterer on first use.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates a Metrics instance registered against reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently active sessions by listener.",
		}, []string{"listener"}),

		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total sessions accepted by listener.",
		}, []string{"listener"}),

		ConnectErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_errors_total",
			Help:      "Upstream dial failures by listener.",
		}, []string{"listener"}),

		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Authentication failures by listener.",
		}, []string{"listener"}),

		DialLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_latency_seconds",
			Help:      "Upstream dial latency by listener.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"listener"}),

		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Bytes relayed by listener and direction.",
		}, []string{"listener", "direction"}),

		UDPAssociations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of active SOCKS5 UDP associations.",
		}),

		UDPDatagrams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_total",
			Help:      "UDP datagrams relayed by direction.",
		}, []string{"direction"}),
	}
}

// Handler returns an http.Handler serving the default registry in the
// Prometheus exposition format, for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
