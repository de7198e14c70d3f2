// Package client is a Go client for the georouter sidecar. It speaks the
// same length-prefixed JSON protocol as the database engine's client and is
// used by the admin CLI and end-to-end tests.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/hmssql/georouter/internal/protocol"
	"github.com/hmssql/georouter/internal/routing"
)

// ErrClosed is returned for calls on a closed client.
var ErrClosed = errors.New("client: closed")

// RequestError is a failed response from the sidecar.
type RequestError struct {
	Type    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Client is a connection to a sidecar. One request is in flight at a time;
// concurrent callers queue on the connection.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	closed  bool
	encoder *protocol.Encoder
	decoder *protocol.Decoder
}

// Dial connects to a sidecar. network is "tcp" or "unix".
func Dial(ctx context.Context, network, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s %s: %w", network, addr, err)
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn net.Conn) *Client {
	return &Client{
		conn:    conn,
		encoder: protocol.NewEncoder(),
		decoder: protocol.NewDecoder(),
	}
}

// Ping checks the sidecar is serving.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, &protocol.Request{Type: protocol.TypePing})
	if err != nil {
		return err
	}
	var pong protocol.Pong
	if err := resp.DecodeData(&pong); err != nil {
		return fmt.Errorf("client: decode ping: %w", err)
	}
	if !pong.Pong {
		return errors.New("client: sidecar did not pong")
	}
	return nil
}

// Route asks which replica should serve a query of queryType from clientIP.
func (c *Client) Route(ctx context.Context, clientIP netip.Addr, queryType string) (routing.RoutingResponse, error) {
	var rr routing.RoutingResponse
	resp, err := c.do(ctx, &protocol.Request{
		Type:      protocol.TypeRoute,
		ClientIP:  clientIP,
		QueryType: queryType,
	})
	if err != nil {
		return rr, err
	}
	if err := resp.DecodeData(&rr); err != nil {
		return rr, fmt.Errorf("client: decode route: %w", err)
	}
	return rr, nil
}

// UpdateRoutingTable replaces the sidecar's replica table.
func (c *Client) UpdateRoutingTable(ctx context.Context, replicas []routing.ReplicaInfo) error {
	_, err := c.do(ctx, &protocol.Request{
		Type:     protocol.TypeUpdateRoutingTable,
		Replicas: replicas,
	})
	return err
}

// Metrics fetches the sidecar's request counters and table sizes.
func (c *Client) Metrics(ctx context.Context) (protocol.MetricsData, error) {
	var m protocol.MetricsData
	resp, err := c.do(ctx, &protocol.Request{Type: protocol.TypeMetrics})
	if err != nil {
		return m, err
	}
	if err := resp.DecodeData(&m); err != nil {
		return m, fmt.Errorf("client: decode metrics: %w", err)
	}
	return m, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// do sends req and waits for its response. A transport error poisons the
// connection, since the stream may be mid-frame.
func (c *Client) do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	req.Timestamp = protocol.NowMicros()
	payload, err := c.encoder.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("client: encode %s: %w", req.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	// A zero deadline clears any left by a previous call.
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("client: set deadline: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	raw, err := c.exchange(payload)
	if err != nil {
		c.closed = true
		c.conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("client: %s: %w", req.Type, ctxErr)
		}
		return nil, fmt.Errorf("client: %s: %w", req.Type, err)
	}

	resp, err := c.decoder.DecodeResponse(raw)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return resp, &RequestError{Type: req.Type, Message: resp.ErrorMessage()}
	}
	return resp, nil
}

func (c *Client) exchange(payload []byte) ([]byte, error) {
	if err := protocol.WriteFrame(c.conn, payload); err != nil {
		return nil, err
	}
	return protocol.ReadFrame(c.conn, protocol.DefaultMaxFrameSize)
}
