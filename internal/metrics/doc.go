// Package metrics provides request accounting and Prometheus metrics for
// the sidecar.
//
// Two layers live here:
//   - Collector: lock-free process-lifetime counters (total, successful,
//     failed, average/min/max latency) reported on the wire by the
//     "metrics" command and logged by housekeeping.
//   - Prometheus families for connections, routing decisions, and GeoIP
//     database fetches, plus gauge funcs that mirror the Collector so a
//     scrape and the wire command agree.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	collector := metrics.NewCollector()
//	metrics.RegisterCollector(reg, collector)
//	connMetrics := metrics.NewConnectionMetricsWithRegistry(reg)
//	routingMetrics := metrics.NewRoutingMetricsWithRegistry(reg)
//
//	healthServer.RegisterHandler("/metrics", metrics.Handler(reg))
package metrics
