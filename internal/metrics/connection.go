package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transport label values.
const (
	TransportTCP  = "tcp"
	TransportUnix = "unix"
)

// ConnectionMetrics holds metrics related to client connections and request rates.
type ConnectionMetrics struct {
	// ActiveConnections tracks the current number of registered connections.
	ActiveConnections prometheus.Gauge

	// AcceptedTotal counts admitted connections by transport.
	AcceptedTotal *prometheus.CounterVec

	// RejectedTotal counts connections refused at the connection ceiling.
	RejectedTotal *prometheus.CounterVec

	// ReclaimedTotal counts connection records dropped by housekeeping.
	ReclaimedTotal prometheus.Counter

	// RequestsTotal tracks total requests by message type and status.
	// Labels: type (route, update_routing_table, ping, metrics, unknown), status (success, failure)
	RequestsTotal *prometheus.CounterVec

	// RequestLatency tracks time from frame read to response written.
	RequestLatency prometheus.Histogram
}

// DefaultRequestLatencyBuckets cover the sub-millisecond range routing
// decisions are expected to land in, with a tail for slow clients.
var DefaultRequestLatencyBuckets = []float64{
	0.00001, // 10µs
	0.000025,
	0.00005,
	0.0001, // 100µs
	0.00025,
	0.0005,
	0.001, // 1ms
	0.0025,
	0.005,
	0.01,
	0.05,
	0.1,
}

// NewConnectionMetricsWithRegistry creates connection metrics registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewConnectionMetricsWithRegistry(reg prometheus.Registerer) *ConnectionMetrics {
	factory := promauto.With(reg)
	return &ConnectionMetrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "active_connections",
			Help:      "Current number of registered client connections.",
		}),
		AcceptedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections_accepted_total",
			Help:      "Total number of admitted connections, broken down by transport.",
		}, []string{"transport"}),
		RejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections_rejected_total",
			Help:      "Total number of connections refused at the connection ceiling, broken down by transport.",
		}, []string{"transport"}),
		ReclaimedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections_reclaimed_total",
			Help:      "Total number of stale connection records removed by housekeeping.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Total number of requests, broken down by message type and status.",
		}, []string{"type", "status"}),
		RequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Time from request frame read to response frame written.",
			Buckets:   DefaultRequestLatencyBuckets,
		}),
	}
}

// ConnectionOpened records an admitted connection.
func (m *ConnectionMetrics) ConnectionOpened(transport string) {
	m.ActiveConnections.Inc()
	m.AcceptedTotal.WithLabelValues(transport).Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (m *ConnectionMetrics) ConnectionClosed() {
	m.ActiveConnections.Dec()
}

// ConnectionRejected records a connection refused at the ceiling.
func (m *ConnectionMetrics) ConnectionRejected(transport string) {
	m.RejectedTotal.WithLabelValues(transport).Inc()
}

// RecordsReclaimed records stale connection records removed by housekeeping.
// Reclaimed records are no longer counted as active.
func (m *ConnectionMetrics) RecordsReclaimed(n int) {
	if n <= 0 {
		return
	}
	m.ReclaimedTotal.Add(float64(n))
	m.ActiveConnections.Sub(float64(n))
}

// RecordRequest records one request by message type.
func (m *ConnectionMetrics) RecordRequest(msgType string, success bool, durationSeconds float64) {
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.RequestsTotal.WithLabelValues(msgType, status).Inc()
	m.RequestLatency.Observe(durationSeconds)
}
