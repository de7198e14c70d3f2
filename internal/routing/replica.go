package routing

import (
	"errors"
	"fmt"
	"math"
	"net/netip"

	"github.com/hmssql/georouter/internal/geo"
)

// Routing errors. The messages are part of the wire protocol.
var (
	ErrNoHealthyReplicas = errors.New("no healthy replicas available")
	ErrNoHealthyLeaders  = errors.New("no healthy leaders available")
	ErrInvalidReplica    = errors.New("invalid replica")
)

// StrategyClosestHealthy is the only routing strategy reported today.
const StrategyClosestHealthy = "closest_healthy"

// QueryTypeWrite marks a query that must reach a leader.
const QueryTypeWrite = "write"

// ReplicaInfo describes one backend replica as published by the engine's
// control plane.
type ReplicaInfo struct {
	NodeID      string       `json:"node_id"`
	Host        string       `json:"host"`
	Port        uint16       `json:"port"`
	IsLeader    bool         `json:"is_leader"`
	Healthy     bool         `json:"healthy"`
	Zone        string       `json:"zone"`
	GeoLocation geo.Location `json:"geo_location"`
	LoadScore   float64      `json:"load_score"`
	LatencyMs   float64      `json:"latency_ms"`
}

// Validate rejects replicas whose numbers would poison scoring.
func (r ReplicaInfo) Validate() error {
	if r.NodeID == "" {
		return fmt.Errorf("%w: empty node_id", ErrInvalidReplica)
	}
	if !finite(r.LoadScore) || r.LoadScore < 0 {
		return fmt.Errorf("%w: %s: load_score %v must be a finite non-negative number", ErrInvalidReplica, r.NodeID, r.LoadScore)
	}
	if !finite(r.LatencyMs) || r.LatencyMs < 0 {
		return fmt.Errorf("%w: %s: latency_ms %v must be a finite non-negative number", ErrInvalidReplica, r.NodeID, r.LatencyMs)
	}
	if !finite(r.GeoLocation.Latitude) || !finite(r.GeoLocation.Longitude) {
		return fmt.Errorf("%w: %s: geo_location must have finite coordinates", ErrInvalidReplica, r.NodeID)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// RoutingRequest asks for a replica for one query.
type RoutingRequest struct {
	ClientIP  netip.Addr
	QueryType string
	// Timestamp is the client's send time in microseconds, informational only.
	Timestamp uint64
}

// RoutingResponse names the chosen replica.
type RoutingResponse struct {
	NodeID             string  `json:"node_id"`
	Host               string  `json:"host"`
	Port               uint16  `json:"port"`
	DistanceKm         float64 `json:"distance_km"`
	RoutingStrategy    string  `json:"routing_strategy"`
	ResponseTimeMicros uint64  `json:"response_time_micros"`
}
