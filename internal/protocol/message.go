package protocol

import (
	"errors"
	"net/netip"
	"time"

	"github.com/goccy/go-json"
	"github.com/hmssql/georouter/internal/routing"
)

// Message types.
const (
	TypeRoute              = "route"
	TypeUpdateRoutingTable = "update_routing_table"
	TypePing               = "ping"
	TypeMetrics            = "metrics"
)

// Request errors. Each becomes a failed response; none ends the connection.
var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrUnknownType      = errors.New("unknown request type")
	ErrMissingField     = errors.New("missing field")
	ErrInvalidClientIP  = errors.New("invalid client_ip")
)

// Request is a decoded client request. Only the fields for Type are set.
type Request struct {
	Type      string
	ClientIP  netip.Addr
	QueryType string
	Replicas  []routing.ReplicaInfo
	Timestamp uint64
}

// RoutingRequest returns the routing request carried by a route message.
func (r *Request) RoutingRequest() routing.RoutingRequest {
	return routing.RoutingRequest{
		ClientIP:  r.ClientIP,
		QueryType: r.QueryType,
		Timestamp: r.Timestamp,
	}
}

// wireRequest mirrors the JSON envelope. Pointers tell absent from empty.
type wireRequest struct {
	Type      string                 `json:"type,omitempty"`
	ClientIP  *string                `json:"client_ip,omitempty"`
	QueryType *string                `json:"query_type,omitempty"`
	Replicas  *[]routing.ReplicaInfo `json:"replicas,omitempty"`
	Timestamp uint64                 `json:"timestamp"`
}

// Response is the envelope returned for every request. Data and Error are
// mutually exclusive; an absent value is encoded as null.
type Response struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *string         `json:"error"`
	Timestamp uint64          `json:"timestamp"`
}

// Pong is the data of a ping response.
type Pong struct {
	Pong bool `json:"pong"`
}

// Updated is the data of an update_routing_table response.
type Updated struct {
	Updated bool `json:"updated"`
}

// MetricsData is the data of a metrics response.
type MetricsData struct {
	TotalRequests       uint64 `json:"total_requests"`
	SuccessfulRequests  uint64 `json:"successful_requests"`
	FailedRequests      uint64 `json:"failed_requests"`
	AvgLatencyMicros    uint64 `json:"avg_latency_micros"`
	MinLatencyMicros    uint64 `json:"min_latency_micros"`
	MaxLatencyMicros    uint64 `json:"max_latency_micros"`
	ActiveConnections   int64  `json:"active_connections"`
	ReplicaCount        int    `json:"replica_count"`
	HealthyReplicaCount int    `json:"healthy_replica_count"`
	LeaderCount         int    `json:"leader_count"`
}

// NowMicros returns the current Unix time in microseconds.
func NowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// NewSuccessResponse builds a successful response carrying data.
func NewSuccessResponse(data any) (*Response, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Response{
		Success:   true,
		Data:      raw,
		Timestamp: NowMicros(),
	}, nil
}

// NewErrorResponse builds a failed response carrying err's message.
func NewErrorResponse(err error) *Response {
	msg := err.Error()
	return &Response{
		Success:   false,
		Error:     &msg,
		Timestamp: NowMicros(),
	}
}

// ErrorMessage returns the error text, or "" for a successful response.
func (r *Response) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// DecodeData unmarshals the response data into v.
func (r *Response) DecodeData(v any) error {
	if len(r.Data) == 0 {
		return errors.New("protocol: response has no data")
	}
	return json.Unmarshal(r.Data, v)
}
