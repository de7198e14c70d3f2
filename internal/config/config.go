// Package config provides configuration loading and validation for the
// georouter sidecar. Supports YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hmssql/georouter/internal/protocol"
)

// Config holds all configuration for a georouter sidecar.
type Config struct {
	Sidecar       SidecarConfig       `yaml:"sidecar"`
	Geo           GeoConfig           `yaml:"geo"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type SidecarConfig struct {
	BindHost              string `yaml:"bindHost" env:"GEOROUTER_BIND_HOST"`
	Port                  int    `yaml:"port" env:"GEOROUTER_PORT"`
	SocketPath            string `yaml:"socketPath" env:"GEOROUTER_SOCKET"`
	MaxConnections        int    `yaml:"maxConnections" env:"GEOROUTER_MAX_CONNECTIONS"`
	MaxFrameBytes         int    `yaml:"maxFrameBytes"`
	ReadTimeoutMs         int64  `yaml:"readTimeoutMs" env:"GEOROUTER_READ_TIMEOUT_MS"`
	ReclaimIntervalMs     int64  `yaml:"reclaimIntervalMs"`
	ConnectionRetentionMs int64  `yaml:"connectionRetentionMs"`
}

type GeoConfig struct {
	// Database is a local .mmdb path or an s3://bucket/key URL. Empty
	// disables geolocation.
	Database string         `yaml:"database" env:"GEOROUTER_GEOIP_DB"`
	S3       S3SourceConfig `yaml:"s3"`
}

type S3SourceConfig struct {
	Endpoint     string `yaml:"endpoint" env:"GEOROUTER_S3_ENDPOINT"`
	Region       string `yaml:"region" env:"GEOROUTER_S3_REGION"`
	AccessKey    string `yaml:"accessKey" env:"GEOROUTER_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secretKey" env:"GEOROUTER_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"usePathStyle" env:"GEOROUTER_S3_USE_PATH_STYLE"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"GEOROUTER_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"GEOROUTER_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"GEOROUTER_LOG_FORMAT"`
}

// DefaultSocketPath is the unix socket the database engine's client dials
// when nothing else is configured.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), "pyhmssql_geo_router.sock")
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Sidecar: SidecarConfig{
			BindHost:              "127.0.0.1",
			Port:                  19999,
			SocketPath:            DefaultSocketPath(),
			MaxConnections:        1000,
			MaxFrameBytes:         1024 * 1024, // 1MB
			ReadTimeoutMs:         0,
			ReclaimIntervalMs:     60000,  // 1 minute
			ConnectionRetentionMs: 300000, // 5 minutes
		},
		Geo: GeoConfig{
			S3: S3SourceConfig{
				Region: "us-east-1",
			},
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9464",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// ListenAddr returns the TCP host:port the sidecar binds.
func (c SidecarConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.Port)
}

// ReadTimeout returns the per-read deadline, zero when disabled.
func (c SidecarConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

// ReclaimInterval returns how often stale connection records are swept.
func (c SidecarConfig) ReclaimInterval() time.Duration {
	return time.Duration(c.ReclaimIntervalMs) * time.Millisecond
}

// ConnectionRetention returns how long a connection record is kept.
func (c SidecarConfig) ConnectionRetention() time.Duration {
	return time.Duration(c.ConnectionRetentionMs) * time.Millisecond
}

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Validate checks the configuration for values the sidecar cannot run with.
func (c *Config) Validate() error {
	s := c.Sidecar
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("%w: sidecar.port %d out of range 1-65535", ErrInvalidConfig, s.Port)
	}
	if s.SocketPath == "" {
		return fmt.Errorf("%w: sidecar.socketPath must not be empty", ErrInvalidConfig)
	}
	if s.MaxConnections < 1 {
		return fmt.Errorf("%w: sidecar.maxConnections must be at least 1", ErrInvalidConfig)
	}
	if s.MaxFrameBytes < 1 || s.MaxFrameBytes > protocol.DefaultMaxFrameSize {
		return fmt.Errorf("%w: sidecar.maxFrameBytes %d out of range 1-%d",
			ErrInvalidConfig, s.MaxFrameBytes, protocol.DefaultMaxFrameSize)
	}
	if s.ReadTimeoutMs < 0 {
		return fmt.Errorf("%w: sidecar.readTimeoutMs must not be negative", ErrInvalidConfig)
	}
	if s.ReclaimIntervalMs <= 0 {
		return fmt.Errorf("%w: sidecar.reclaimIntervalMs must be positive", ErrInvalidConfig)
	}
	if s.ConnectionRetentionMs < 0 {
		return fmt.Errorf("%w: sidecar.connectionRetentionMs must not be negative", ErrInvalidConfig)
	}
	return nil
}
