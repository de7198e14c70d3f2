package routing

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hmssql/georouter/internal/geo"
	"github.com/hmssql/georouter/internal/logging"
	"github.com/hmssql/georouter/internal/metrics"
)

const (
	loadWeight  = 100.0
	leaderBonus = -50.0
)

// LocationResolver maps a client address to a location.
type LocationResolver interface {
	Resolve(ip netip.Addr) geo.Location
}

// Engine holds the published routing table and makes routing decisions.
// Routing never blocks on updates; concurrent updates are serialised so the
// last publish is well defined.
type Engine struct {
	table   atomic.Pointer[Table]
	writeMu sync.Mutex
	logger  *logging.Logger
	metrics *metrics.RoutingMetrics
}

// NewEngine returns an Engine with an empty table.
func NewEngine(logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Global()
	}
	e := &Engine{logger: logger.Named("routing")}
	e.table.Store(emptyTable)
	return e
}

// WithMetrics attaches Prometheus routing metrics.
func (e *Engine) WithMetrics(m *metrics.RoutingMetrics) *Engine {
	e.metrics = m
	return e
}

// Snapshot returns the currently published table.
func (e *Engine) Snapshot() *Table {
	return e.table.Load()
}

// UpdateReplicas replaces the routing table. On error the previous table
// stays published.
func (e *Engine) UpdateReplicas(replicas []ReplicaInfo) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	t, err := NewTable(replicas)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordTableUpdate(false)
		}
		e.logger.Warnf("routing table update rejected", map[string]any{
			"replicas": len(replicas),
			"error":    err.Error(),
		})
		return err
	}

	e.table.Store(t)

	total, healthy, leaders := t.Counts()
	if e.metrics != nil {
		e.metrics.RecordTableUpdate(true)
		e.metrics.SetTableSize(total, healthy, leaders)
	}
	e.logger.Infof("routing table updated", map[string]any{
		"replicas": total,
		"healthy":  healthy,
		"leaders":  leaders,
		"zones":    len(t.byZone),
	})
	return nil
}

// RouteRequest picks the replica that should serve req.
func (e *Engine) RouteRequest(req RoutingRequest, resolver LocationResolver) (RoutingResponse, error) {
	start := time.Now()

	client := geo.DefaultLocation()
	if resolver != nil {
		client = resolver.Resolve(req.ClientIP)
	}

	t := e.table.Load()
	best, distance, err := selectReplica(t.Healthy(), client, req.QueryType)
	if err != nil {
		e.recordFailure(err)
		return RoutingResponse{}, err
	}

	if e.metrics != nil {
		e.metrics.RecordDecision(req.QueryType, best.Zone, distance)
	}

	return RoutingResponse{
		NodeID:             best.NodeID,
		Host:               best.Host,
		Port:               best.Port,
		DistanceKm:         distance,
		RoutingStrategy:    StrategyClosestHealthy,
		ResponseTimeMicros: uint64(time.Since(start).Microseconds()),
	}, nil
}

// selectReplica scores healthy candidates (node_id ordered) and returns the
// winner with its distance from client.
func selectReplica(healthy []ReplicaInfo, client geo.Location, queryType string) (ReplicaInfo, float64, error) {
	if len(healthy) == 0 {
		return ReplicaInfo{}, 0, ErrNoHealthyReplicas
	}

	write := queryType == QueryTypeWrite
	var (
		best      ReplicaInfo
		bestDist  float64
		bestScore float64
		found     bool
	)
	for _, r := range healthy {
		if write && !r.IsLeader {
			continue
		}
		dist := geo.Distance(client, r.GeoLocation)
		score := dist + r.LoadScore*loadWeight
		if !write {
			score += r.LatencyMs
			if r.IsLeader {
				score += leaderBonus
			}
		}
		if !found || score < bestScore {
			best, bestDist, bestScore, found = r, dist, score, true
		}
	}

	if !found {
		return ReplicaInfo{}, 0, ErrNoHealthyLeaders
	}
	return best, bestDist, nil
}

func (e *Engine) recordFailure(err error) {
	if e.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, ErrNoHealthyLeaders):
		e.metrics.RecordFailure(metrics.ReasonNoHealthyLeaders)
	case errors.Is(err, ErrNoHealthyReplicas):
		e.metrics.RecordFailure(metrics.ReasonNoHealthyReplicas)
	}
}

// Counts returns the total, healthy and healthy-leader counts of the
// published table, all read from the same snapshot.
func (e *Engine) Counts() (total, healthy, leaders int) {
	return e.table.Load().Counts()
}

// ZoneReplicas returns the node_ids in zone.
func (e *Engine) ZoneReplicas(zone string) []string {
	return e.table.Load().ZoneReplicas(zone)
}

// Zones returns every zone in the published table.
func (e *Engine) Zones() []string {
	return e.table.Load().Zones()
}
