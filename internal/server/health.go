package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/hmssql/georouter/internal/logging"
)

// ReadinessChecker gates /readyz. The routing table is the main one: a
// sidecar with no healthy replica cannot answer a route request.
type ReadinessChecker interface {
	Name() string

	// CheckReady returns nil when the component can serve, or an error
	// saying why not.
	CheckReady(ctx context.Context) error
}

// Status values reported by /healthz and /readyz.
const (
	StatusOK           = "ok"
	StatusDegraded     = "degraded"
	StatusNotReady     = "not_ready"
	StatusShuttingDown = "shutting_down"
)

// HealthServer serves the sidecar's HTTP side: /healthz for liveness,
// /readyz for readiness, pprof, and extra handlers such as /metrics.
type HealthServer struct {
	mu               sync.RWMutex
	addr             string
	boundAddr        string
	server           *http.Server
	logger           *logging.Logger
	version          string
	startedAt        time.Time
	shutDown         atomic.Bool
	goroutines       map[string]*goroutineStatus
	readinessChecks  []ReadinessChecker
	readinessTimeout time.Duration
	extraHandlers    map[string]http.Handler
}

type goroutineStatus struct {
	running   bool
	lastCheck time.Time
}

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version,omitempty"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Goroutines    map[string]bool        `json:"goroutines,omitempty"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is one named check inside a HealthStatus.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// DefaultReadinessTimeout bounds each readiness check.
const DefaultReadinessTimeout = 5 * time.Second

// goroutineStaleAfter is how long a goroutine may go without a heartbeat
// before liveness reports it as stuck.
const goroutineStaleAfter = 30 * time.Second

// NewHealthServer creates a HealthServer that will listen on addr.
func NewHealthServer(addr string, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.Global()
	}
	return &HealthServer{
		addr:             addr,
		logger:           logger.Named("health"),
		startedAt:        time.Now(),
		goroutines:       make(map[string]*goroutineStatus),
		readinessTimeout: DefaultReadinessTimeout,
		extraHandlers:    make(map[string]http.Handler),
	}
}

// SetVersion sets the build version reported in every status body.
func (h *HealthServer) SetVersion(v string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.version = v
}

// RegisterHandler mounts handler at pattern. Must be called before Start.
func (h *HealthServer) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extraHandlers[pattern] = handler
}

// RegisterReadinessCheck adds a check run on every /readyz request.
func (h *HealthServer) RegisterReadinessCheck(checker ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessChecks = append(h.readinessChecks, checker)
}

// RegisterGoroutine marks a long-running goroutine (an accept loop,
// housekeeping) as started.
func (h *HealthServer) RegisterGoroutine(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.goroutines[name] = &goroutineStatus{running: true, lastCheck: time.Now()}
}

// UpdateGoroutine records a heartbeat for name.
func (h *HealthServer) UpdateGoroutine(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if gs, ok := h.goroutines[name]; ok {
		gs.lastCheck = time.Now()
	}
}

// UnregisterGoroutine marks name as stopped; liveness degrades until it is
// registered again.
func (h *HealthServer) UnregisterGoroutine(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if gs, ok := h.goroutines[name]; ok {
		gs.running = false
	}
}

// SetShuttingDown makes both endpoints report 503.
func (h *HealthServer) SetShuttingDown() {
	h.shutDown.Store(true)
}

// Start binds addr and serves in the background.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	registerPprof(mux)

	h.mu.RLock()
	for pattern, handler := range h.extraHandlers {
		mux.Handle(pattern, handler)
	}
	h.mu.RUnlock()

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		// Readiness checks run inside the write window.
		WriteTimeout: DefaultReadinessTimeout + 5*time.Second,
	}

	h.mu.Lock()
	h.server = srv
	h.boundAddr = ln.Addr().String()
	h.mu.Unlock()

	h.logger.Infof("health server listening", map[string]any{"addr": ln.Addr().String()})

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Errorf("health server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// Addr returns the bound address once started, the configured one before.
func (h *HealthServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.boundAddr != "" {
		return h.boundAddr
	}
	return h.addr
}

// Close shuts the HTTP server down, waiting up to five seconds.
func (h *HealthServer) Close() error {
	h.mu.RLock()
	srv := h.server
	h.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowedMethod(w, r) {
		return
	}
	writeStatus(w, r, h.checkLiveness())
}

func (h *HealthServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowedMethod(w, r) {
		return
	}
	writeStatus(w, r, h.checkReadiness(r.Context()))
}

func allowedMethod(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}

// writeStatus answers 200 for StatusOK and 503 for anything else.
func writeStatus(w http.ResponseWriter, r *http.Request, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusOK {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if r.Method != http.MethodHead {
		json.NewEncoder(w).Encode(status)
	}
}

// baseStatus fills the fields shared by both endpoints and reports whether
// the sidecar is shutting down, in which case no further checks apply.
func (h *HealthServer) baseStatus() (HealthStatus, bool) {
	h.mu.RLock()
	version := h.version
	h.mu.RUnlock()

	status := HealthStatus{
		Status:        StatusOK,
		Version:       version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Checks:        make(map[string]CheckResult),
	}
	if h.shutDown.Load() {
		status.Status = StatusShuttingDown
		status.Checks["shutdown"] = CheckResult{Healthy: false, Message: "sidecar is shutting down"}
		return status, true
	}
	status.Checks["shutdown"] = CheckResult{Healthy: true, Message: "sidecar is running"}
	return status, false
}

func (h *HealthServer) checkLiveness() HealthStatus {
	status, stopping := h.baseStatus()
	status.Goroutines = make(map[string]bool)
	if stopping {
		return status
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	healthy := true
	for name, gs := range h.goroutines {
		ok := gs.running && time.Since(gs.lastCheck) < goroutineStaleAfter
		status.Goroutines[name] = ok
		healthy = healthy && ok
	}

	switch {
	case !healthy:
		status.Status = StatusDegraded
		status.Checks["goroutines"] = CheckResult{
			Healthy: false,
			Message: "one or more critical goroutines are not running",
		}
	case len(h.goroutines) > 0:
		status.Checks["goroutines"] = CheckResult{
			Healthy: true,
			Message: "all critical goroutines are running",
		}
	}
	return status
}

// CheckHealth returns what /healthz would report.
func (h *HealthServer) CheckHealth() HealthStatus {
	return h.checkLiveness()
}

func (h *HealthServer) checkReadiness(ctx context.Context) HealthStatus {
	status, stopping := h.baseStatus()
	if stopping {
		return status
	}

	h.mu.RLock()
	checks := append([]ReadinessChecker(nil), h.readinessChecks...)
	timeout := h.readinessTimeout
	h.mu.RUnlock()

	for _, checker := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := checker.CheckReady(checkCtx)
		cancel()

		if err != nil {
			status.Status = StatusNotReady
			status.Checks[checker.Name()] = CheckResult{Healthy: false, Message: err.Error()}
			continue
		}
		status.Checks[checker.Name()] = CheckResult{Healthy: true, Message: "healthy"}
	}
	return status
}

// CheckReadiness returns what /readyz would report.
func (h *HealthServer) CheckReadiness(ctx context.Context) HealthStatus {
	return h.checkReadiness(ctx)
}
