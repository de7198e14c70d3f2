package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Routing failure reason label values.
const (
	ReasonNoHealthyReplicas = "no_healthy_replicas"
	ReasonNoHealthyLeaders  = "no_healthy_leaders"
	ReasonInvalidRequest    = "invalid_request"
)

// RoutingMetrics holds metrics for routing decisions and routing table updates.
type RoutingMetrics struct {
	// DecisionsTotal counts successful routing decisions.
	// Labels: query_type (read, write, other), zone (zone of the chosen replica)
	DecisionsTotal *prometheus.CounterVec

	// FailuresTotal counts routing requests that produced no replica.
	// Labels: reason
	FailuresTotal *prometheus.CounterVec

	// DecisionDistance tracks the distance in km from client to chosen replica.
	DecisionDistance prometheus.Histogram

	// TableUpdatesTotal counts routing table replacement attempts by status.
	TableUpdatesTotal *prometheus.CounterVec

	// TableReplicas reports the published table's size.
	// Labels: state (total, healthy, leaders)
	TableReplicas *prometheus.GaugeVec
}

// DefaultDistanceBuckets span same-metro to antipodal distances in km.
var DefaultDistanceBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 20038}

// NewRoutingMetricsWithRegistry creates routing metrics registered with a custom registry.
func NewRoutingMetricsWithRegistry(reg prometheus.Registerer) *RoutingMetrics {
	factory := promauto.With(reg)
	return &RoutingMetrics{
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "decisions_total",
			Help:      "Total number of routing decisions, broken down by query type and chosen zone.",
		}, []string{"query_type", "zone"}),
		FailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "failures_total",
			Help:      "Total number of routing requests that could not be served, broken down by reason.",
		}, []string{"reason"}),
		DecisionDistance: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "decision_distance_km",
			Help:      "Great-circle distance between client and chosen replica.",
			Buckets:   DefaultDistanceBuckets,
		}),
		TableUpdatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "table_updates_total",
			Help:      "Total number of routing table replacement attempts, broken down by status.",
		}, []string{"status"}),
		TableReplicas: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "table_replicas",
			Help:      "Replicas in the published routing table, broken down by state.",
		}, []string{"state"}),
	}
}

// QueryTypeLabel folds arbitrary query types into a bounded label set.
func QueryTypeLabel(queryType string) string {
	switch queryType {
	case "read", "write":
		return queryType
	default:
		return "other"
	}
}

// RecordDecision records a successful routing decision.
func (m *RoutingMetrics) RecordDecision(queryType, zone string, distanceKm float64) {
	m.DecisionsTotal.WithLabelValues(QueryTypeLabel(queryType), zone).Inc()
	m.DecisionDistance.Observe(distanceKm)
}

// RecordFailure records a routing request that produced no replica.
func (m *RoutingMetrics) RecordFailure(reason string) {
	m.FailuresTotal.WithLabelValues(reason).Inc()
}

// RecordTableUpdate records a routing table replacement attempt.
func (m *RoutingMetrics) RecordTableUpdate(success bool) {
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.TableUpdatesTotal.WithLabelValues(status).Inc()
}

// SetTableSize updates the table size gauges after a publish.
func (m *RoutingMetrics) SetTableSize(total, healthy, leaders int) {
	m.TableReplicas.WithLabelValues("total").Set(float64(total))
	m.TableReplicas.WithLabelValues("healthy").Set(float64(healthy))
	m.TableReplicas.WithLabelValues("leaders").Set(float64(leaders))
}
