// Package sidecar wires the wire protocol to the routing engine. Its
// Dispatcher is the request handler the listeners call for every frame.
package sidecar

import (
	"context"
	"time"

	"github.com/hmssql/georouter/internal/logging"
	"github.com/hmssql/georouter/internal/metrics"
	"github.com/hmssql/georouter/internal/protocol"
	"github.com/hmssql/georouter/internal/routing"
)

// typeUnknown labels requests that could not be decoded.
const typeUnknown = "unknown"

// ConnectionCounter reports live connections. server.ConnManager implements it.
type ConnectionCounter interface {
	Count() int64
}

// Dispatcher decodes requests and serves them against the routing engine.
type Dispatcher struct {
	engine   *routing.Engine
	resolver routing.LocationResolver
	decoder  *protocol.Decoder
	logger   *logging.Logger

	collector      *metrics.Collector
	conns          ConnectionCounter
	connMetrics    *metrics.ConnectionMetrics
	routingMetrics *metrics.RoutingMetrics
}

// NewDispatcher creates a Dispatcher. A nil resolver routes every client
// from the default location.
func NewDispatcher(engine *routing.Engine, resolver routing.LocationResolver, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Global()
	}
	return &Dispatcher{
		engine:    engine,
		resolver:  resolver,
		decoder:   protocol.NewDecoder(),
		logger:    logger.Named("dispatcher"),
		collector: metrics.NewCollector(),
	}
}

// WithCollector sets the collector the metrics command reports. It should be
// the one the listeners record into.
func (d *Dispatcher) WithCollector(c *metrics.Collector) *Dispatcher {
	if c != nil {
		d.collector = c
	}
	return d
}

// WithConnections sets the source of the active_connections figure.
func (d *Dispatcher) WithConnections(c ConnectionCounter) *Dispatcher {
	d.conns = c
	return d
}

// WithMetrics attaches Prometheus metrics. Either may be nil.
func (d *Dispatcher) WithMetrics(conn *metrics.ConnectionMetrics, rm *metrics.RoutingMetrics) *Dispatcher {
	d.connMetrics = conn
	d.routingMetrics = rm
	return d
}

// HandleRequest implements server.Handler. Request-level failures come back
// as failed responses; the returned error is reserved for responses that
// cannot be built at all.
func (d *Dispatcher) HandleRequest(ctx context.Context, payload []byte) (*protocol.Response, error) {
	start := time.Now()
	logger := logging.LoggerFromCtx(ctx)
	if logger == nil {
		logger = d.logger
	}

	req, err := d.decoder.DecodeRequest(payload)
	if err != nil {
		logger.Debugf("rejecting request", map[string]any{"error": err.Error()})
		if d.routingMetrics != nil {
			d.routingMetrics.RecordFailure(metrics.ReasonInvalidRequest)
		}
		resp := protocol.NewErrorResponse(err)
		d.observe(typeUnknown, resp, start)
		return resp, nil
	}

	var resp *protocol.Response
	switch req.Type {
	case protocol.TypeRoute:
		resp, err = d.route(logger, req)
	case protocol.TypeUpdateRoutingTable:
		resp, err = d.updateRoutingTable(req)
	case protocol.TypePing:
		resp, err = protocol.NewSuccessResponse(protocol.Pong{Pong: true})
	case protocol.TypeMetrics:
		resp, err = protocol.NewSuccessResponse(d.Metrics())
	default:
		// DecodeRequest only yields known types.
		resp, err = protocol.NewErrorResponse(protocol.ErrUnknownType), nil
	}
	if err != nil {
		return nil, err
	}

	d.observe(req.Type, resp, start)
	return resp, nil
}

func (d *Dispatcher) route(logger *logging.Logger, req *protocol.Request) (*protocol.Response, error) {
	decision, err := d.engine.RouteRequest(req.RoutingRequest(), d.resolver)
	if err != nil {
		logger.Debugf("no route", map[string]any{
			"queryType": req.QueryType,
			"error":     err.Error(),
		})
		return protocol.NewErrorResponse(err), nil
	}

	if logger.Enabled(logging.LevelDebug) {
		logger.Debugf("routed request", map[string]any{
			"clientIp":   req.ClientIP.String(),
			"queryType":  req.QueryType,
			"nodeId":     decision.NodeID,
			"distanceKm": decision.DistanceKm,
		})
	}
	return protocol.NewSuccessResponse(decision)
}

func (d *Dispatcher) updateRoutingTable(req *protocol.Request) (*protocol.Response, error) {
	if err := d.engine.UpdateReplicas(req.Replicas); err != nil {
		return protocol.NewErrorResponse(err), nil
	}
	return protocol.NewSuccessResponse(protocol.Updated{Updated: true})
}

// Metrics returns the figures served by the metrics command. The table
// counts come from a single snapshot.
func (d *Dispatcher) Metrics() protocol.MetricsData {
	snap := d.collector.Snapshot()
	total, healthy, leaders := d.engine.Snapshot().Counts()
	data := protocol.MetricsData{
		TotalRequests:       snap.TotalRequests,
		SuccessfulRequests:  snap.SuccessfulRequests,
		FailedRequests:      snap.FailedRequests,
		AvgLatencyMicros:    snap.AvgLatencyMicros,
		MinLatencyMicros:    snap.MinLatencyMicros,
		MaxLatencyMicros:    snap.MaxLatencyMicros,
		ReplicaCount:        total,
		HealthyReplicaCount: healthy,
		LeaderCount:         leaders,
	}
	if d.conns != nil {
		data.ActiveConnections = d.conns.Count()
	}
	return data
}

func (d *Dispatcher) observe(msgType string, resp *protocol.Response, start time.Time) {
	if d.connMetrics == nil {
		return
	}
	d.connMetrics.RecordRequest(msgType, resp.Success, time.Since(start).Seconds())
}
