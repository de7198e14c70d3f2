package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/hmssql/georouter/internal/config"
	"github.com/hmssql/georouter/internal/logging"
)

// freePort returns a TCP port on loopback that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// testConfig returns a config bound to loopback with a short unix socket
// path and geolocation disabled.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir, err := os.MkdirTemp("", "grd")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.Sidecar.Port = freePort(t)
	cfg.Sidecar.SocketPath = filepath.Join(dir, "s.sock")
	cfg.Observability.MetricsAddr = "127.0.0.1:0"
	return cfg
}

// startTestSidecar starts a sidecar and waits for its listeners. It is shut
// down when the test ends.
func startTestSidecar(t *testing.T, cfg *config.Config) *Sidecar {
	t.Helper()

	logger := logging.DefaultLogger()
	logger.SetLevel(logging.LevelError)

	sc, err := NewSidecar(SidecarOptions{
		Config:  cfg,
		Logger:  logger,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("failed to create sidecar: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sc.Start(context.Background())
	}()

	select {
	case <-sc.Ready():
	case err := <-errCh:
		t.Fatalf("sidecar failed to start: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for sidecar to start")
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sc.Shutdown(ctx); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	})
	return sc
}

func tcpArg(cfg *config.Config) string {
	return "127.0.0.1:" + strconv.Itoa(cfg.Sidecar.Port)
}
