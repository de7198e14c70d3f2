package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/hmssql/georouter/internal/config"
	"github.com/hmssql/georouter/internal/geo"
	"github.com/hmssql/georouter/internal/logging"
	"github.com/hmssql/georouter/internal/metrics"
	"github.com/hmssql/georouter/internal/objectstore"
	"github.com/hmssql/georouter/internal/objectstore/s3"
	"github.com/hmssql/georouter/internal/routing"
	"github.com/hmssql/georouter/internal/server"
	"github.com/hmssql/georouter/internal/sidecar"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// SidecarOptions contains the configuration for creating a sidecar.
type SidecarOptions struct {
	Config    *config.Config
	Logger    *logging.Logger
	Version   string
	GitCommit string
	BuildTime string
}

// Sidecar is a running georouter instance: the listeners, the routing
// engine, and the optional health and metrics endpoint.
type Sidecar struct {
	opts     SidecarOptions
	logger   *logging.Logger
	registry *prometheus.Registry

	mu           sync.Mutex
	started      bool
	store        objectstore.Store
	locator      *geo.MaxMindLocator
	engine       *routing.Engine
	server       *server.Server
	healthServer *server.HealthServer
	ready        chan struct{}
}

// NewSidecar creates a new Sidecar instance but does not start it.
func NewSidecar(opts SidecarOptions) (*Sidecar, error) {
	if opts.Config == nil {
		return nil, errors.New("sidecar: config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}

	return &Sidecar{
		opts:     opts,
		logger:   opts.Logger,
		registry: prometheus.NewRegistry(),
		ready:    make(chan struct{}),
	}, nil
}

// Ready is closed once the listeners are bound.
func (s *Sidecar) Ready() <-chan struct{} {
	return s.ready
}

// Start opens the GeoIP database, binds the listeners, and serves until
// Shutdown. Startup failures are returned before anything is served.
func (s *Sidecar) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("sidecar already started")
	}
	s.started = true
	s.mu.Unlock()

	cfg := s.opts.Config

	s.logger.Infof("starting georouter sidecar", map[string]any{
		"listenAddr":     cfg.Sidecar.ListenAddr(),
		"socketPath":     cfg.Sidecar.SocketPath,
		"maxConnections": cfg.Sidecar.MaxConnections,
		"geoipDb":        cfg.Geo.Database,
		"version":        s.opts.Version,
	})

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	connMetrics := metrics.NewConnectionMetricsWithRegistry(s.registry)
	routingMetrics := metrics.NewRoutingMetricsWithRegistry(s.registry)

	store, err := s.openStore(ctx)
	if err != nil {
		return err
	}
	locator, err := geo.OpenLocator(ctx, cfg.Geo.Database, store, s.logger)
	if err != nil {
		s.closeStore(store)
		return fmt.Errorf("failed to open geoip database: %w", err)
	}
	resolver := geo.NewResolver(locator, s.logger)

	engine := routing.NewEngine(s.logger).WithMetrics(routingMetrics)
	dispatcher := sidecar.NewDispatcher(engine, resolver, s.logger)

	srv := server.New(server.Config{
		TCPAddr:             cfg.Sidecar.ListenAddr(),
		SocketPath:          cfg.Sidecar.SocketPath,
		MaxConnections:      cfg.Sidecar.MaxConnections,
		MaxFrameSize:        cfg.Sidecar.MaxFrameBytes,
		ReadTimeout:         cfg.Sidecar.ReadTimeout(),
		ReclaimInterval:     cfg.Sidecar.ReclaimInterval(),
		ConnectionRetention: cfg.Sidecar.ConnectionRetention(),
	}, dispatcher, s.logger).WithMetrics(connMetrics)

	dispatcher.
		WithCollector(srv.Collector()).
		WithConnections(srv.Connections()).
		WithMetrics(connMetrics, routingMetrics)
	metrics.RegisterCollector(s.registry, srv.Collector())

	s.mu.Lock()
	s.store = store
	s.locator = locator
	s.engine = engine
	s.server = srv
	s.mu.Unlock()

	// Start health server first
	if cfg.Observability.MetricsAddr != "" {
		hs := server.NewHealthServer(cfg.Observability.MetricsAddr, s.logger)
		hs.SetVersion(s.opts.Version)
		hs.RegisterHandler("/metrics", metrics.Handler(s.registry))
		hs.RegisterReadinessCheck(server.NewRoutingTableChecker(engine))
		if err := hs.Start(); err != nil {
			s.releaseResources()
			return fmt.Errorf("failed to start health server: %w", err)
		}
		srv.WithHealth(hs)

		s.mu.Lock()
		s.healthServer = hs
		s.mu.Unlock()
	}

	if err := srv.Listen(); err != nil {
		s.releaseResources()
		return err
	}
	close(s.ready)

	return srv.Serve()
}

// releaseResources closes the health server, the GeoIP database and the
// object store, in that order. It is safe to call more than once.
func (s *Sidecar) releaseResources() {
	s.mu.Lock()
	hs, locator, store := s.healthServer, s.locator, s.store
	s.healthServer, s.locator, s.store = nil, nil, nil
	s.mu.Unlock()

	if hs != nil {
		if err := hs.Close(); err != nil {
			s.logger.Warnf("error closing health server", map[string]any{"error": err.Error()})
		}
	}
	if locator != nil {
		if err := locator.Close(); err != nil {
			s.logger.Warnf("error closing geoip database", map[string]any{"error": err.Error()})
		}
	}
	s.closeStore(store)
}

// openStore builds the object store for an s3:// GeoIP source. Local and
// disabled sources need none.
func (s *Sidecar) openStore(ctx context.Context) (objectstore.Store, error) {
	cfg := s.opts.Config.Geo
	if !objectstore.IsURL(cfg.Database) {
		return nil, nil
	}
	bucket, _, err := objectstore.ParseURL(cfg.Database)
	if err != nil {
		return nil, err
	}

	store, err := s3.New(ctx, s3.Config{
		Bucket:          bucket,
		Region:          cfg.S3.Region,
		Endpoint:        cfg.S3.Endpoint,
		AccessKeyID:     cfg.S3.AccessKey,
		SecretAccessKey: cfg.S3.SecretKey,
		UsePathStyle:    cfg.S3.UsePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}
	return objectstore.NewInstrumentedStore(store, metrics.NewObjectStoreMetricsWithRegistry(s.registry)), nil
}

func (s *Sidecar) closeStore(store objectstore.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		s.logger.Warnf("error closing object store", map[string]any{"error": err.Error()})
	}
}

// TCPAddr returns the bound TCP address, or nil before Ready.
func (s *Sidecar) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	return s.server.TCPAddr()
}

// HealthAddr returns the health server address, or "" when disabled.
func (s *Sidecar) HealthAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthServer == nil {
		return ""
	}
	return s.healthServer.Addr()
}

// Engine returns the routing engine, or nil before Start.
func (s *Sidecar) Engine() *routing.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// Shutdown gracefully stops the sidecar.
func (s *Sidecar) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	srv, hs := s.server, s.healthServer
	s.mu.Unlock()

	s.logger.Info("shutting down sidecar")

	// Mark health server as shutting down
	if hs != nil {
		hs.SetShuttingDown()
	}

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, server.ErrServerClosed) {
			s.logger.Warnf("error closing server", map[string]any{"error": err.Error()})
		}
	}

	s.releaseResources()

	s.logger.Info("sidecar shutdown complete")
	return nil
}
