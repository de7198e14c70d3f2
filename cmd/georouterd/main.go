package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hmssql/georouter/internal/config"
	"github.com/hmssql/georouter/internal/logging"
	"github.com/hmssql/georouter/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	// Handle version flag before subcommand parsing
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("georouterd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "serve":
		runServe(os.Args[2:])
	case "admin":
		runAdmin(os.Args[2:])
	case "version":
		fmt.Printf("georouterd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: georouterd <command> [options]

Commands:
  serve       Start the geo-routing sidecar
  admin       Talk to a running sidecar (ping, route, metrics, update)
  version     Print version information

Run 'georouterd <command> --help' for more information on a command.`)
}

// serveFlags are the command-line overrides for serve. They win over the
// config file and the environment.
type serveFlags struct {
	configPath     string
	port           int
	socket         string
	maxConnections int
	geoipDB        string
	logLevel       string
	logFormat      string
	metricsAddr    string
}

func newServeFlagSet(f *serveFlags) *flag.FlagSet {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file")
	fs.IntVar(&f.port, "port", 0, "TCP port to listen on (default 19999)")
	fs.StringVar(&f.socket, "socket", "", "Unix socket path (default "+config.DefaultSocketPath()+")")
	fs.IntVar(&f.maxConnections, "max-connections", 0, "Maximum concurrent connections (default 1000)")
	fs.StringVar(&f.geoipDB, "geoip-db", "", "GeoIP2/GeoLite2 City database: a local path or s3://bucket/key")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format: json or text")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Health and metrics HTTP address; \"off\" disables it")
	return fs
}

// loadServeConfig loads the config file and environment, then applies the
// flags that were set on the command line.
func loadServeConfig(fs *flag.FlagSet, f *serveFlags) (*config.Config, error) {
	cfg, err := config.LoadFromPath(f.configPath)
	if err != nil {
		return nil, err
	}

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "port":
			cfg.Sidecar.Port = f.port
		case "socket":
			cfg.Sidecar.SocketPath = f.socket
		case "max-connections":
			cfg.Sidecar.MaxConnections = f.maxConnections
		case "geoip-db":
			cfg.Geo.Database = f.geoipDB
		case "log-level":
			cfg.Observability.LogLevel = f.logLevel
		case "log-format":
			cfg.Observability.LogFormat = f.logFormat
		case "metrics-addr":
			if f.metricsAddr == "off" {
				cfg.Observability.MetricsAddr = ""
			} else {
				cfg.Observability.MetricsAddr = f.metricsAddr
			}
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(args []string) {
	var f serveFlags
	fs := newServeFlagSet(&f)

	fs.Usage = func() {
		fmt.Println(`Usage: georouterd serve [options]

Start the geo-routing sidecar. It listens on a TCP port and a unix socket
for routing requests from the database engine.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadServeConfig(fs, &f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	sc, err := NewSidecar(SidecarOptions{
		Config:    cfg,
		Logger:    logger,
		Version:   version,
		GitCommit: gitCommit,
		BuildTime: buildTime,
	})
	if err != nil {
		logger.Errorf("failed to create sidecar", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- sc.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil && !errors.Is(err, server.ErrServerClosed) {
			logger.Errorf("sidecar error", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sc.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}
