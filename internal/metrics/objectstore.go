package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ObjectStoreMetrics holds metrics for object store reads (GeoIP database
// downloads).
type ObjectStoreMetrics struct {
	// LatencyHistogram tracks operation latencies by operation and status.
	// Labels: operation (get, head), status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal tracks total operations by operation and status.
	RequestsTotal *prometheus.CounterVec

	// BytesReadTotal tracks bytes downloaded.
	BytesReadTotal prometheus.Counter
}

// Object store operation label values.
const (
	OpObjGet  = "get"
	OpObjHead = "head"
)

// DefaultObjectStoreLatencyBuckets are latency buckets for object store operations.
// GeoIP databases are tens of MB, so downloads run from ms to tens of seconds.
var DefaultObjectStoreLatencyBuckets = []float64{
	0.005, // 5ms
	0.025,
	0.1, // 100ms
	0.25,
	0.5,
	1.0, // 1s
	2.5,
	5.0,
	10.0,
	30.0,
	60.0,
}

// NewObjectStoreMetricsWithRegistry creates object store metrics registered with a custom registry.
func NewObjectStoreMetricsWithRegistry(reg prometheus.Registerer) *ObjectStoreMetrics {
	factory := promauto.With(reg)
	return &ObjectStoreMetrics{
		LatencyHistogram: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "objectstore",
			Name:      "request_duration_seconds",
			Help:      "Object store operation latency in seconds, broken down by operation and status.",
			Buckets:   DefaultObjectStoreLatencyBuckets,
		}, []string{"operation", "status"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "objectstore",
			Name:      "requests_total",
			Help:      "Total number of object store operations, broken down by operation and status.",
		}, []string{"operation", "status"}),
		BytesReadTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "objectstore",
			Name:      "bytes_read_total",
			Help:      "Total bytes read from the object store.",
		}),
	}
}

func (m *ObjectStoreMetrics) record(op string, durationSeconds float64, success bool) {
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.LatencyHistogram.WithLabelValues(op, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(op, status).Inc()
}

// RecordGet records a completed Get, including bytes read.
func (m *ObjectStoreMetrics) RecordGet(durationSeconds float64, success bool, bytes int64) {
	m.record(OpObjGet, durationSeconds, success)
	if bytes > 0 {
		m.BytesReadTotal.Add(float64(bytes))
	}
}

// RecordHead records a completed Head.
func (m *ObjectStoreMetrics) RecordHead(durationSeconds float64, success bool) {
	m.record(OpObjHead, durationSeconds, success)
}
