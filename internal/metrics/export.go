package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RegisterCollector exposes a Collector's counters as georouter_requests_*
// metrics, read at scrape time.
func RegisterCollector(reg prometheus.Registerer, c *Collector) {
	factory := promauto.With(reg)

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_recorded_total",
		Help:      "Total requests recorded by the in-process collector.",
	}, func() float64 { return float64(c.Snapshot().TotalRequests) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_successful_total",
		Help:      "Successful requests recorded by the in-process collector.",
	}, func() float64 { return float64(c.Snapshot().SuccessfulRequests) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_failed_total",
		Help:      "Failed requests recorded by the in-process collector.",
	}, func() float64 { return float64(c.Snapshot().FailedRequests) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "requests_avg_latency_micros",
		Help:      "Average request latency in microseconds since start.",
	}, func() float64 { return float64(c.Snapshot().AvgLatencyMicros) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "requests_min_latency_micros",
		Help:      "Minimum request latency in microseconds since start, 0 before the first request.",
	}, func() float64 { return float64(c.Snapshot().MinLatencyMicros) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "requests_max_latency_micros",
		Help:      "Maximum request latency in microseconds since start.",
	}, func() float64 { return float64(c.Snapshot().MaxLatencyMicros) })
}
