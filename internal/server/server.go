// Package server implements the sidecar's listeners: a TCP socket and a unix
// domain socket speaking the length-prefixed JSON protocol. It handles
// connection admission, the per-connection request loop, and housekeeping.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hmssql/georouter/internal/logging"
	"github.com/hmssql/georouter/internal/metrics"
	"github.com/hmssql/georouter/internal/protocol"
)

// ErrServerClosed is returned when operations are attempted on a closed server.
var ErrServerClosed = errors.New("server closed")

// Goroutine names reported to the health server.
const (
	GoroutineTCPListener  = "tcp_listener"
	GoroutineUnixListener = "unix_listener"
	GoroutineHousekeeping = "housekeeping"
)

// heartbeatInterval keeps health heartbeats well inside the liveness window
// even when the reclaim interval is long.
const heartbeatInterval = 10 * time.Second

// Handler processes one request payload and returns the response to frame.
// A returned error is turned into a failed response by the server; the
// connection stays open either way.
type Handler interface {
	HandleRequest(ctx context.Context, payload []byte) (*protocol.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte) (*protocol.Response, error)

// HandleRequest calls f.
func (f HandlerFunc) HandleRequest(ctx context.Context, payload []byte) (*protocol.Response, error) {
	return f(ctx, payload)
}

// GoroutineTracker receives liveness heartbeats. HealthServer implements it.
type GoroutineTracker interface {
	RegisterGoroutine(name string)
	UpdateGoroutine(name string)
	UnregisterGoroutine(name string)
}

// Config holds the listener configuration.
type Config struct {
	// TCPAddr is the host:port to listen on. Empty disables TCP.
	TCPAddr string
	// SocketPath is the unix socket to listen on. Empty disables it.
	SocketPath          string
	MaxConnections      int
	MaxFrameSize        int
	ReadTimeout         time.Duration
	ReclaimInterval     time.Duration
	ConnectionRetention time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		TCPAddr:             "127.0.0.1:19999",
		MaxConnections:      1000,
		MaxFrameSize:        protocol.DefaultMaxFrameSize,
		ReclaimInterval:     time.Minute,
		ConnectionRetention: DefaultConnectionRetention,
	}
}

// Server accepts connections on up to two listeners and runs the request
// loop for each.
type Server struct {
	cfg       Config
	handler   Handler
	logger    *logging.Logger
	encoder   *protocol.Encoder
	conns     *ConnManager
	metrics   *metrics.ConnectionMetrics
	collector *metrics.Collector
	health    GoroutineTracker

	mu           sync.Mutex
	tcpListener  net.Listener
	unixListener net.Listener
	open         map[net.Conn]struct{}
	stopping     atomic.Bool
	closed       atomic.Bool
	done         chan struct{}
	acceptWg     sync.WaitGroup
	connWg       sync.WaitGroup
	inflightWg   sync.WaitGroup
	requestMu    sync.Mutex
}

// New creates a new Server with the given configuration and handler.
func New(cfg Config, handler Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Global()
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = time.Minute
	}
	return &Server{
		cfg:       cfg,
		handler:   handler,
		logger:    logger.Named("server"),
		encoder:   protocol.NewEncoder(),
		conns:     NewConnManager(cfg.MaxConnections, cfg.ConnectionRetention),
		collector: metrics.NewCollector(),
		open:      make(map[net.Conn]struct{}),
		done:      make(chan struct{}),
	}
}

// WithMetrics sets the connection metrics for the server.
// Returns the server for method chaining.
func (s *Server) WithMetrics(m *metrics.ConnectionMetrics) *Server {
	s.metrics = m
	return s
}

// WithCollector replaces the request collector, so a dispatcher and the
// server can share one.
func (s *Server) WithCollector(c *metrics.Collector) *Server {
	if c != nil {
		s.collector = c
	}
	return s
}

// WithHealth reports listener and housekeeping liveness to t.
func (s *Server) WithHealth(t GoroutineTracker) *Server {
	s.health = t
	return s
}

// Connections returns the connection manager.
func (s *Server) Connections() *ConnManager {
	return s.conns
}

// Collector returns the request collector.
func (s *Server) Collector() *metrics.Collector {
	return s.collector
}

// Listen binds the configured listeners. A stale socket file left by a
// previous run is removed first.
func (s *Server) Listen() error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if s.cfg.TCPAddr == "" && s.cfg.SocketPath == "" {
		return errors.New("server: no listener configured")
	}

	var tcpLn, unixLn net.Listener
	if s.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.TCPAddr, err)
		}
		tcpLn = ln
	}
	if s.cfg.SocketPath != "" {
		if err := removeStaleSocket(s.cfg.SocketPath); err != nil {
			if tcpLn != nil {
				tcpLn.Close()
			}
			return err
		}
		ln, err := net.Listen("unix", s.cfg.SocketPath)
		if err != nil {
			if tcpLn != nil {
				tcpLn.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.SocketPath, err)
		}
		unixLn = ln
	}

	s.mu.Lock()
	s.tcpListener = tcpLn
	s.unixListener = unixLn
	s.mu.Unlock()
	return nil
}

func removeStaleSocket(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	return nil
}

// Serve runs the accept loops and housekeeping until the server is closed.
// Listen must have been called.
func (s *Server) Serve() error {
	s.mu.Lock()
	tcpLn, unixLn := s.tcpListener, s.unixListener
	s.mu.Unlock()
	if tcpLn == nil && unixLn == nil {
		return errors.New("server: Serve called before Listen")
	}

	errCh := make(chan error, 2)
	if tcpLn != nil {
		s.acceptWg.Add(1)
		go s.acceptLoop(tcpLn, metrics.TransportTCP, GoroutineTCPListener, errCh)
	}
	if unixLn != nil {
		s.acceptWg.Add(1)
		go s.acceptLoop(unixLn, metrics.TransportUnix, GoroutineUnixListener, errCh)
	}

	s.acceptWg.Add(1)
	go s.housekeeping()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-s.done:
		return ErrServerClosed
	}
}

// ListenAndServe binds the listeners and serves until closed.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// TCPAddr returns the TCP listener's address, or nil if not listening.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

// UnixAddr returns the unix listener's address, or nil if not listening.
func (s *Server) UnixAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unixListener == nil {
		return nil
	}
	return s.unixListener.Addr()
}

func (s *Server) acceptLoop(ln net.Listener, transport, name string, errCh chan<- error) {
	defer s.acceptWg.Done()

	if s.health != nil {
		s.health.RegisterGoroutine(name)
		defer s.health.UnregisterGoroutine(name)
	}

	s.logger.Infof("server listening", map[string]any{
		"addr":      ln.Addr().String(),
		"transport": transport,
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping.Load() || s.closed.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.logger.Warnf("temporary accept error", map[string]any{"error": err.Error()})
				time.Sleep(5 * time.Millisecond)
				continue
			}
			errCh <- fmt.Errorf("accept error on %s: %w", transport, err)
			return
		}

		if !s.conns.Admit() {
			s.logger.Warnf("connection limit reached, refusing connection", map[string]any{
				"transport":   transport,
				"remoteAddr":  remoteAddr(conn),
				"connections": s.conns.Count(),
				"limit":       s.conns.Max(),
			})
			if s.metrics != nil {
				s.metrics.ConnectionRejected(transport)
			}
			conn.Close()
			continue
		}

		// Registered here, before the handler goroutine starts, so the
		// next Admit on this loop already sees it.
		id := connectionID(conn, transport)
		s.conns.Register(id)
		if s.metrics != nil {
			s.metrics.ConnectionOpened(transport)
		}

		s.connWg.Add(1)
		go s.handleConn(conn, transport, id)
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}

// connectionID names a connection for logs and bookkeeping: the peer
// address for TCP, a random id for unix sockets whose peers are unnamed.
func connectionID(conn net.Conn, transport string) string {
	if transport == metrics.TransportTCP {
		return "tcp:" + conn.RemoteAddr().String()
	}
	return "unix:" + uuid.NewString()
}

// handleConn serves one registered connection until it closes, then drops
// its record.
func (s *Server) handleConn(conn net.Conn, transport, id string) {
	defer s.connWg.Done()

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()
	defer conn.Close()

	s.mu.Lock()
	s.open[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.open, conn)
		s.mu.Unlock()

		// A record already reclaimed by housekeeping was uncounted then.
		if s.conns.Unregister(id) && s.metrics != nil {
			s.metrics.ConnectionClosed()
		}
	}()

	logger := s.logger.WithConnID(id)
	if transport == metrics.TransportUnix {
		if pid, uid, ok := peerCredentials(conn); ok {
			logger = logger.With(map[string]any{"peerPid": pid, "peerUid": uid})
		}
	}
	logger.Debug("connection accepted")

	ctx := logging.WithConnIDCtx(connCtx, id)
	ctx = logging.WithLoggerCtx(ctx, logger)

	for {
		if s.stopping.Load() || s.closed.Load() {
			return
		}

		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		payload, err := protocol.ReadFrame(conn, s.cfg.MaxFrameSize)
		if err != nil {
			s.logReadError(logger, err)
			return
		}

		s.requestMu.Lock()
		if s.stopping.Load() || s.closed.Load() {
			s.requestMu.Unlock()
			return
		}
		s.inflightWg.Add(1)
		s.requestMu.Unlock()

		start := time.Now()
		out, success := s.serveRequest(ctx, logger, payload)
		werr := protocol.WriteFrame(conn, out)
		s.collector.Record(uint64(time.Since(start).Microseconds()), success && werr == nil)
		s.inflightWg.Done()

		if werr != nil {
			logger.Warnf("write error", map[string]any{"error": werr.Error()})
			return
		}
	}
}

// serveRequest runs the handler and encodes its response. It always returns
// a payload to write; success reports whether the response was successful.
func (s *Server) serveRequest(ctx context.Context, logger *logging.Logger, payload []byte) ([]byte, bool) {
	resp, err := s.handler.HandleRequest(ctx, payload)
	if err != nil {
		logger.Errorf("handler error", map[string]any{"error": err.Error()})
		return protocol.BuildFallbackErrorResponse(err.Error()), false
	}
	if resp == nil {
		logger.Error("handler returned no response")
		return protocol.BuildFallbackErrorResponse("internal error"), false
	}

	out, err := s.encoder.EncodeResponse(resp)
	if err != nil {
		logger.Warnf("failed to encode response, sending fallback", map[string]any{"error": err.Error()})
		return protocol.BuildFallbackErrorResponse(err.Error()), false
	}
	return out, resp.Success
}

func (s *Server) logReadError(logger *logging.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF) || s.closed.Load() || s.stopping.Load():
		logger.Debug("connection closed")
	case errors.Is(err, protocol.ErrFrameTooLarge):
		logger.Warnf("oversized frame, closing connection", map[string]any{"error": err.Error()})
	case isTimeout(err):
		logger.Debug("read timeout")
	case isConnReset(err):
		logger.Debug("connection reset by peer")
	case errors.Is(err, io.ErrUnexpectedEOF):
		logger.Debug("connection closed mid-frame")
	default:
		logger.Warnf("read error", map[string]any{"error": err.Error()})
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset by peer")
}

// housekeeping reclaims stale connection records on every reclaim tick and
// keeps the health heartbeats fresh.
func (s *Server) housekeeping() {
	defer s.acceptWg.Done()

	if s.health != nil {
		s.health.RegisterGoroutine(GoroutineHousekeeping)
		defer s.health.UnregisterGoroutine(GoroutineHousekeeping)
	}

	reclaim := time.NewTicker(s.cfg.ReclaimInterval)
	defer reclaim.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-reclaim.C:
			s.reclaim(now)
			s.beat()
		case <-heartbeat.C:
			s.beat()
		}
	}
}

func (s *Server) reclaim(now time.Time) {
	n := s.conns.Reclaim(now)
	if n > 0 && s.metrics != nil {
		s.metrics.RecordsReclaimed(n)
	}
	snap := s.collector.Snapshot()
	s.logger.Infof("housekeeping", map[string]any{
		"active_connections": s.conns.Count(),
		"reclaimed":          n,
		"total_requests":     snap.TotalRequests,
		"avg_latency_us":     snap.AvgLatencyMicros,
	})
}

func (s *Server) beat() {
	if s.health == nil {
		return
	}
	s.health.UpdateGoroutine(GoroutineHousekeeping)
	s.mu.Lock()
	tcp, unix := s.tcpListener != nil, s.unixListener != nil
	s.mu.Unlock()
	if tcp {
		s.health.UpdateGoroutine(GoroutineTCPListener)
	}
	if unix {
		s.health.UpdateGoroutine(GoroutineUnixListener)
	}
}

// Close shuts down the server immediately: listeners and open connections
// are closed and handlers are waited for.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	s.requestMu.Lock()
	s.stopping.Store(true)
	s.requestMu.Unlock()

	s.closeListeners()

	s.mu.Lock()
	for conn := range s.open {
		conn.Close()
	}
	s.mu.Unlock()

	close(s.done)
	s.acceptWg.Wait()
	s.connWg.Wait()
	return nil
}

// StopAccepting stops accepting new connections and new requests on existing connections.
func (s *Server) StopAccepting() error {
	s.requestMu.Lock()
	if s.closed.Load() {
		s.requestMu.Unlock()
		return ErrServerClosed
	}
	if s.stopping.Load() {
		s.requestMu.Unlock()
		return nil
	}
	s.stopping.Store(true)
	s.requestMu.Unlock()

	s.closeListeners()
	return nil
}

// Shutdown stops accepting, waits for in-flight requests to finish or ctx
// to expire, then closes everything.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.StopAccepting(); err != nil {
		return err
	}

	drained := make(chan struct{})
	go func() {
		s.inflightWg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
	}

	if err := s.Close(); err != nil && !errors.Is(err, ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpListener != nil {
		s.tcpListener.Close()
	}
	if s.unixListener != nil {
		s.unixListener.Close()
		if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warnf("failed to remove socket file", map[string]any{
				"path":  s.cfg.SocketPath,
				"error": err.Error(),
			})
		}
	}
}
