package metrics

import (
	"math"
	"sync/atomic"
)

// Collector accumulates request outcomes and latencies for the lifetime of
// the process. All methods are safe for concurrent use and never block.
type Collector struct {
	total      atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64
	latencySum atomic.Uint64
	latencyMin atomic.Uint64
	latencyMax atomic.Uint64
}

// Snapshot is a point-in-time view of a Collector. Fields are read one at a
// time, so a snapshot taken under load may mix adjacent requests.
type Snapshot struct {
	TotalRequests      uint64 `json:"total_requests"`
	SuccessfulRequests uint64 `json:"successful_requests"`
	FailedRequests     uint64 `json:"failed_requests"`
	AvgLatencyMicros   uint64 `json:"avg_latency_micros"`
	MinLatencyMicros   uint64 `json:"min_latency_micros"`
	MaxLatencyMicros   uint64 `json:"max_latency_micros"`
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	c := &Collector{}
	c.latencyMin.Store(math.MaxUint64)
	return c
}

// Record adds one request outcome.
func (c *Collector) Record(latencyMicros uint64, success bool) {
	c.total.Add(1)
	if success {
		c.successful.Add(1)
	} else {
		c.failed.Add(1)
	}
	c.latencySum.Add(latencyMicros)

	for {
		cur := c.latencyMin.Load()
		if latencyMicros >= cur || c.latencyMin.CompareAndSwap(cur, latencyMicros) {
			break
		}
	}
	for {
		cur := c.latencyMax.Load()
		if latencyMicros <= cur || c.latencyMax.CompareAndSwap(cur, latencyMicros) {
			break
		}
	}
}

// Snapshot returns the current totals. Average and minimum are zero when no
// request has been recorded.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		TotalRequests:      c.total.Load(),
		SuccessfulRequests: c.successful.Load(),
		FailedRequests:     c.failed.Load(),
		MaxLatencyMicros:   c.latencyMax.Load(),
	}
	if s.TotalRequests > 0 {
		s.AvgLatencyMicros = c.latencySum.Load() / s.TotalRequests
	}
	if lo := c.latencyMin.Load(); lo != math.MaxUint64 {
		s.MinLatencyMicros = lo
	}
	return s
}

// Reset zeroes every counter. Only tests and tooling call it.
func (c *Collector) Reset() {
	c.total.Store(0)
	c.successful.Store(0)
	c.failed.Store(0)
	c.latencySum.Store(0)
	c.latencyMin.Store(math.MaxUint64)
	c.latencyMax.Store(0)
}
