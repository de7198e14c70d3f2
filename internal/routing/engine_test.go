package routing

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"sync"
	"testing"

	"github.com/hmssql/georouter/internal/geo"
	"github.com/hmssql/georouter/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokyoLoc = geo.Location{Country: "Japan", Region: "Tokyo", City: "Tokyo", Latitude: 35.6762, Longitude: 139.6503, Timezone: "Asia/Tokyo"}
	parisLoc = geo.Location{Country: "France", Region: "Île-de-France", City: "Paris", Latitude: 48.8566, Longitude: 2.3522, Timezone: "Europe/Paris"}

	tokyoIP = netip.MustParseAddr("203.0.113.10")
	parisIP = netip.MustParseAddr("198.51.100.20")
)

type mapResolver map[netip.Addr]geo.Location

func (m mapResolver) Resolve(ip netip.Addr) geo.Location {
	if loc, ok := m[ip]; ok {
		return loc
	}
	return geo.DefaultLocation()
}

var testResolver = mapResolver{tokyoIP: tokyoLoc, parisIP: parisLoc}

func tokyoParisTable() []ReplicaInfo {
	return []ReplicaInfo{
		{NodeID: "tokyo-1", Host: "10.0.0.1", Port: 9999, IsLeader: true, Healthy: true, Zone: "ap-northeast", GeoLocation: tokyoLoc, LoadScore: 0.1, LatencyMs: 2},
		{NodeID: "paris-1", Host: "10.0.1.1", Port: 9999, IsLeader: false, Healthy: true, Zone: "eu-west", GeoLocation: parisLoc, LoadScore: 0.0, LatencyMs: 2},
	}
}

func newTestEngine(t *testing.T, replicas []ReplicaInfo) *Engine {
	t.Helper()
	e := NewEngine(nil)
	require.NoError(t, e.UpdateReplicas(replicas))
	return e
}

func TestWriteRoutesToNearestLeader(t *testing.T) {
	e := newTestEngine(t, tokyoParisTable())

	resp, err := e.RouteRequest(RoutingRequest{ClientIP: tokyoIP, QueryType: "write"}, testResolver)
	require.NoError(t, err)

	assert.Equal(t, "tokyo-1", resp.NodeID)
	assert.Equal(t, "10.0.0.1", resp.Host)
	assert.Equal(t, uint16(9999), resp.Port)
	assert.InDelta(t, 0, resp.DistanceKm, 1e-6)
	assert.Equal(t, StrategyClosestHealthy, resp.RoutingStrategy)
}

func TestReadPrefersNearbyFollowerOverDistantLeader(t *testing.T) {
	e := newTestEngine(t, tokyoParisTable())

	resp, err := e.RouteRequest(RoutingRequest{ClientIP: parisIP, QueryType: "read"}, testResolver)
	require.NoError(t, err)

	assert.Equal(t, "paris-1", resp.NodeID)
	assert.InDelta(t, 0, resp.DistanceKm, 1e-6)
}

func TestWriteFromParisStillGoesToLeader(t *testing.T) {
	e := newTestEngine(t, tokyoParisTable())

	resp, err := e.RouteRequest(RoutingRequest{ClientIP: parisIP, QueryType: "write"}, testResolver)
	require.NoError(t, err)

	assert.Equal(t, "tokyo-1", resp.NodeID)
	assert.InDelta(t, geo.Distance(parisLoc, tokyoLoc), resp.DistanceKm, 1e-9)
	assert.InDelta(t, 9712, resp.DistanceKm, 50)
}

func TestEmptyTableHasNoHealthyReplicas(t *testing.T) {
	e := newTestEngine(t, tokyoParisTable())
	require.NoError(t, e.UpdateReplicas(nil))

	for _, qt := range []string{"read", "write", ""} {
		_, err := e.RouteRequest(RoutingRequest{ClientIP: tokyoIP, QueryType: qt}, testResolver)
		require.ErrorIs(t, err, ErrNoHealthyReplicas)
		assert.Equal(t, "no healthy replicas available", err.Error())
	}
}

func TestUnhealthyReplicasAreNeverChosen(t *testing.T) {
	replicas := tokyoParisTable()
	replicas[1].Healthy = false
	e := newTestEngine(t, replicas)

	resp, err := e.RouteRequest(RoutingRequest{ClientIP: parisIP, QueryType: "read"}, testResolver)
	require.NoError(t, err)
	assert.Equal(t, "tokyo-1", resp.NodeID)

	replicas[0].Healthy = false
	require.NoError(t, e.UpdateReplicas(replicas))
	_, err = e.RouteRequest(RoutingRequest{ClientIP: parisIP, QueryType: "read"}, testResolver)
	assert.ErrorIs(t, err, ErrNoHealthyReplicas)
}

func TestWriteWithoutHealthyLeader(t *testing.T) {
	replicas := tokyoParisTable()
	replicas[0].Healthy = false
	e := newTestEngine(t, replicas)

	_, err := e.RouteRequest(RoutingRequest{ClientIP: tokyoIP, QueryType: "write"}, testResolver)
	require.ErrorIs(t, err, ErrNoHealthyLeaders)
	assert.Equal(t, "no healthy leaders available", err.Error())

	resp, err := e.RouteRequest(RoutingRequest{ClientIP: tokyoIP, QueryType: "read"}, testResolver)
	require.NoError(t, err)
	assert.Equal(t, "paris-1", resp.NodeID)
}

func TestWritesOnlyEverReachLeaders(t *testing.T) {
	var replicas []ReplicaInfo
	for i := 0; i < 20; i++ {
		replicas = append(replicas, ReplicaInfo{
			NodeID:      fmt.Sprintf("node-%02d", i),
			Healthy:     true,
			IsLeader:    i%7 == 3,
			GeoLocation: geo.Location{Latitude: float64(i*9 - 90), Longitude: float64(i*18 - 180)},
			LoadScore:   float64(i%5) / 10,
			LatencyMs:   float64(i),
		})
	}
	e := newTestEngine(t, replicas)

	for _, ip := range []netip.Addr{tokyoIP, parisIP, netip.MustParseAddr("192.0.2.1")} {
		resp, err := e.RouteRequest(RoutingRequest{ClientIP: ip, QueryType: "write"}, testResolver)
		require.NoError(t, err)
		chosen, ok := e.Snapshot().Replica(resp.NodeID)
		require.True(t, ok)
		assert.True(t, chosen.IsLeader, "write routed to non-leader %s", resp.NodeID)
		assert.True(t, chosen.Healthy)
	}
}

func TestLeaderBonusAppliesToReads(t *testing.T) {
	same := geo.Location{Latitude: 10, Longitude: 10}
	e := newTestEngine(t, []ReplicaInfo{
		{NodeID: "a-follower", Healthy: true, GeoLocation: same, LatencyMs: 10},
		{NodeID: "b-leader", Healthy: true, IsLeader: true, GeoLocation: same, LatencyMs: 50},
	})
	resolver := mapResolver{tokyoIP: same}

	// follower: 0 + 0 + 10 = 10; leader: 0 + 0 + 50 - 50 = 0
	resp, err := e.RouteRequest(RoutingRequest{ClientIP: tokyoIP, QueryType: "read"}, resolver)
	require.NoError(t, err)
	assert.Equal(t, "b-leader", resp.NodeID)
}

func TestWriteIgnoresLatency(t *testing.T) {
	same := geo.Location{Latitude: 10, Longitude: 10}
	e := newTestEngine(t, []ReplicaInfo{
		{NodeID: "a", Healthy: true, IsLeader: true, GeoLocation: same, LatencyMs: 500},
		{NodeID: "b", Healthy: true, IsLeader: true, GeoLocation: same, LoadScore: 0.01},
	})

	resp, err := e.RouteRequest(RoutingRequest{ClientIP: tokyoIP, QueryType: "write"}, mapResolver{tokyoIP: same})
	require.NoError(t, err)
	assert.Equal(t, "a", resp.NodeID)
}

func TestTiesBreakByNodeID(t *testing.T) {
	same := geo.Location{Latitude: 1, Longitude: 1}
	replicas := []ReplicaInfo{
		{NodeID: "node-c", Healthy: true, IsLeader: true, GeoLocation: same},
		{NodeID: "node-a", Healthy: true, IsLeader: true, GeoLocation: same},
		{NodeID: "node-b", Healthy: true, IsLeader: true, GeoLocation: same},
	}

	for i := 0; i < 10; i++ {
		// Rotate input order; the winner must not depend on it.
		rotated := append(append([]ReplicaInfo{}, replicas[i%3:]...), replicas[:i%3]...)
		e := newTestEngine(t, rotated)
		for _, qt := range []string{"read", "write"} {
			resp, err := e.RouteRequest(RoutingRequest{ClientIP: tokyoIP, QueryType: qt}, nil)
			require.NoError(t, err)
			assert.Equal(t, "node-a", resp.NodeID)
		}
	}
}

func TestNilResolverUsesDefaultLocation(t *testing.T) {
	e := newTestEngine(t, []ReplicaInfo{
		{NodeID: "far", Healthy: true, IsLeader: true, GeoLocation: tokyoLoc},
		{NodeID: "null-island", Healthy: true, IsLeader: true, GeoLocation: geo.Location{}},
	})

	resp, err := e.RouteRequest(RoutingRequest{QueryType: "write"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "null-island", resp.NodeID)
	assert.Equal(t, 0.0, resp.DistanceKm)
}

func TestInvalidUpdateKeepsPreviousTable(t *testing.T) {
	e := newTestEngine(t, tokyoParisTable())
	before := e.Snapshot()

	tests := []struct {
		name   string
		mutate func(*ReplicaInfo)
	}{
		{"empty node id", func(r *ReplicaInfo) { r.NodeID = "" }},
		{"nan load", func(r *ReplicaInfo) { r.LoadScore = math.NaN() }},
		{"negative load", func(r *ReplicaInfo) { r.LoadScore = -0.5 }},
		{"inf latency", func(r *ReplicaInfo) { r.LatencyMs = math.Inf(1) }},
		{"negative latency", func(r *ReplicaInfo) { r.LatencyMs = -1 }},
		{"nan latitude", func(r *ReplicaInfo) { r.GeoLocation.Latitude = math.NaN() }},
		{"inf longitude", func(r *ReplicaInfo) { r.GeoLocation.Longitude = math.Inf(-1) }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			replicas := tokyoParisTable()
			tc.mutate(&replicas[1])

			err := e.UpdateReplicas(replicas)
			require.ErrorIs(t, err, ErrInvalidReplica)
			assert.Same(t, before, e.Snapshot())
			assert.Equal(t, 2, e.Snapshot().Len())
		})
	}
}

func TestDuplicateNodeIDLastWins(t *testing.T) {
	e := newTestEngine(t, []ReplicaInfo{
		{NodeID: "n1", Host: "old", Healthy: true, Zone: "zone-a"},
		{NodeID: "n2", Healthy: true, Zone: "zone-a"},
		{NodeID: "n1", Host: "new", Healthy: true, Zone: "zone-b"},
	})

	assert.Equal(t, 2, e.Snapshot().Len())
	r, ok := e.Snapshot().Replica("n1")
	require.True(t, ok)
	assert.Equal(t, "new", r.Host)
	assert.Equal(t, []string{"n2"}, e.ZoneReplicas("zone-a"))
	assert.Equal(t, []string{"n1"}, e.ZoneReplicas("zone-b"))
	assert.Equal(t, []string{"zone-a", "zone-b"}, e.Zones())
}

func TestCounts(t *testing.T) {
	e := newTestEngine(t, []ReplicaInfo{
		{NodeID: "a", Healthy: true, IsLeader: true},
		{NodeID: "b", Healthy: true},
		{NodeID: "c", Healthy: false, IsLeader: true},
		{NodeID: "d", Healthy: false},
	})

	total, healthy, leaders := e.Counts()
	assert.Equal(t, 4, total)
	assert.Equal(t, 2, healthy)
	assert.Equal(t, 1, leaders, "unhealthy leaders are not counted")
	assert.Empty(t, e.ZoneReplicas("nowhere"))
}

func TestNewEngineStartsEmpty(t *testing.T) {
	e := NewEngine(nil)
	assert.Equal(t, 0, e.Snapshot().Len())
	assert.Empty(t, e.Zones())

	_, err := e.RouteRequest(RoutingRequest{QueryType: "read"}, nil)
	assert.ErrorIs(t, err, ErrNoHealthyReplicas)
}

func TestConcurrentReadersSeeWholeTables(t *testing.T) {
	// Each generation has a distinct size and every replica carries the
	// generation in its host, so a torn read would show mixed hosts.
	generation := func(g int) []ReplicaInfo {
		out := make([]ReplicaInfo, g+1)
		for i := range out {
			out[i] = ReplicaInfo{
				NodeID:   fmt.Sprintf("n%03d", i),
				Host:     fmt.Sprintf("gen-%d", g),
				Healthy:  true,
				IsLeader: i == 0,
				Zone:     fmt.Sprintf("z%d", i%3),
			}
		}
		return out
	}

	e := newTestEngine(t, generation(0))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var failures sync.Map

	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := e.Snapshot()
				replicas := snap.Replicas()
				host := replicas[0].Host
				var g int
				fmt.Sscanf(host, "gen-%d", &g)
				if len(replicas) != g+1 {
					failures.Store(r, fmt.Sprintf("generation %d has %d replicas", g, len(replicas)))
				}
				zoneTotal := 0
				for _, z := range snap.Zones() {
					zoneTotal += len(snap.ZoneReplicas(z))
				}
				if zoneTotal != len(replicas) {
					failures.Store(r, "zone index out of sync with replica map")
				}
				for _, rep := range replicas {
					if rep.Host != host {
						failures.Store(r, "mixed generations in one snapshot")
					}
				}
				if _, err := e.RouteRequest(RoutingRequest{QueryType: "write"}, nil); err != nil {
					failures.Store(r, err.Error())
				}
			}
		}(r)
	}

	var writers sync.WaitGroup
	for w := 0; w < 2; w++ {
		writers.Add(1)
		go func(w int) {
			defer writers.Done()
			for g := 1; g <= 200; g++ {
				if err := e.UpdateReplicas(generation((g + w) % 50)); err != nil {
					failures.Store(-1, err.Error())
				}
			}
		}(w)
	}
	writers.Wait()
	close(stop)
	wg.Wait()

	failures.Range(func(k, v any) bool {
		t.Errorf("reader %v: %v", k, v)
		return true
	})
}

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewRoutingMetricsWithRegistry(reg)
	e := NewEngine(nil).WithMetrics(m)

	require.NoError(t, e.UpdateReplicas(tokyoParisTable()))
	assert.Equal(t, 2.0, metricValue(t, m.TableReplicas.WithLabelValues("total")))
	assert.Equal(t, 1.0, metricValue(t, m.TableReplicas.WithLabelValues("leaders")))

	_, err := e.RouteRequest(RoutingRequest{ClientIP: tokyoIP, QueryType: "write"}, testResolver)
	require.NoError(t, err)
	assert.Equal(t, 1.0, metricValue(t, m.DecisionsTotal.WithLabelValues("write", "ap-northeast")))

	bad := tokyoParisTable()
	bad[0].LoadScore = math.NaN()
	require.Error(t, e.UpdateReplicas(bad))
	assert.Equal(t, 1.0, metricValue(t, m.TableUpdatesTotal.WithLabelValues(metrics.StatusFailure)))
	assert.Equal(t, 2.0, metricValue(t, m.TableReplicas.WithLabelValues("total")))

	replicas := tokyoParisTable()
	replicas[0].Healthy = false
	require.NoError(t, e.UpdateReplicas(replicas))
	_, err = e.RouteRequest(RoutingRequest{QueryType: "write"}, nil)
	require.True(t, errors.Is(err, ErrNoHealthyLeaders))
	assert.Equal(t, 1.0, metricValue(t, m.FailuresTotal.WithLabelValues(metrics.ReasonNoHealthyLeaders)))
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}
