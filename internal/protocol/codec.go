package protocol

import (
	"bytes"
	"fmt"
	"net/netip"

	"github.com/goccy/go-json"
	"github.com/hmssql/georouter/internal/routing"
)

// Decoder decodes request and response payloads.
type Decoder struct{}

// NewDecoder creates a new protocol decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// DecodeRequest decodes and validates one request payload.
func (d *Decoder) DecodeRequest(payload []byte) (*Request, error) {
	var w wireRequest
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	msgType := w.Type
	if msgType == "" && w.ClientIP != nil {
		msgType = TypeRoute
	}

	req := &Request{Type: msgType, Timestamp: w.Timestamp}
	switch msgType {
	case TypeRoute:
		if w.ClientIP == nil {
			return nil, fmt.Errorf("%w: client_ip", ErrMissingField)
		}
		if w.QueryType == nil {
			return nil, fmt.Errorf("%w: query_type", ErrMissingField)
		}
		ip, err := netip.ParseAddr(*w.ClientIP)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidClientIP, *w.ClientIP)
		}
		req.ClientIP = ip
		req.QueryType = *w.QueryType
	case TypeUpdateRoutingTable:
		if w.Replicas == nil {
			return nil, fmt.Errorf("%w: replicas", ErrMissingField)
		}
		req.Replicas = *w.Replicas
	case TypePing, TypeMetrics:
	case "":
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}
	return req, nil
}

// DecodeResponse decodes one response payload.
func (d *Decoder) DecodeResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("protocol: decode response: %w", err)
	}
	if bytes.Equal(resp.Data, []byte("null")) {
		resp.Data = nil
	}
	return &resp, nil
}

// Encoder encodes requests and responses.
type Encoder struct{}

// NewEncoder creates a new protocol encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// EncodeResponse encodes a response envelope.
func (e *Encoder) EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

// EncodeRequest encodes a request envelope. Fields not used by req.Type are
// omitted.
func (e *Encoder) EncodeRequest(req *Request) ([]byte, error) {
	w := wireRequest{Type: req.Type, Timestamp: req.Timestamp}
	switch req.Type {
	case TypeRoute:
		ip := req.ClientIP.String()
		qt := req.QueryType
		w.ClientIP = &ip
		w.QueryType = &qt
	case TypeUpdateRoutingTable:
		replicas := req.Replicas
		if replicas == nil {
			replicas = []routing.ReplicaInfo{}
		}
		w.Replicas = &replicas
	}
	return json.Marshal(w)
}
