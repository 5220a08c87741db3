// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Database   DatabaseConfig  `yaml:"database"`
	Auth       AuthConfig      `yaml:"auth"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Cache      CacheConfig     `yaml:"cache"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	Upstreams  []UpstreamEntry `yaml:"upstreams"`
	Keys       []KeyEntry      `yaml:"keys"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// RateLimitConfig holds the default per-IP rate limit applied to callers
// with no auth key (spec.md §4.1's "anonymous/IP-scoped" fallback).
type RateLimitConfig struct {
	DefaultRPM           int64 `yaml:"default_rpm"`
	DefaultBurst         int64 `yaml:"default_burst"`
	DefaultMaxConcurrent int   `yaml:"default_max_concurrent"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	MaxSize int  `yaml:"max_size"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxHeadAge         time.Duration `yaml:"max_head_age"`         // /health freshness window across the whole pool
	MaxTries           int           `yaml:"max_tries"`            // upstream failover attempts per request
	ReorgDepth         uint64        `yaml:"reorg_depth"`          // max backward block jump accepted between published heads
	ConsensusStaleness time.Duration `yaml:"consensus_staleness"` // how long a stale head may be displaced by a larger backward jump
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"` // shared admin secret, compared as plaintext
}

// UpstreamEntry is an upstream node definition in the config file.
type UpstreamEntry struct {
	ID            string        `yaml:"id"`
	Name          string        `yaml:"name"`
	HTTPURL       string        `yaml:"http_url"`
	WSURL         string        `yaml:"ws_url"`
	Tier          string        `yaml:"tier"` // "archive", "full", "pruned"
	Archive       bool          `yaml:"archive"`
	Weight        int           `yaml:"weight"`
	SoftLimit     int           `yaml:"soft_limit"`
	HardLimit     int           `yaml:"hard_limit"`
	MaxHeadAge    time.Duration `yaml:"max_head_age"`
	Enabled       *bool         `yaml:"enabled"`
	Auth          *AuthEntry    `yaml:"auth"`
}

// AuthEntry configures upstream auth.
type AuthEntry struct {
	Type   string `yaml:"type"`   // "", "header", "oauth2_client_credentials"
	Header string `yaml:"header"` // header name, when type is "header"
	Value  string `yaml:"value"`  // header value, or a JSON oauth2 credential blob
}

// IsEnabled reports whether the upstream is enabled (defaults to true when nil).
func (u UpstreamEntry) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// ResolvedTier maps the config's tier name to rpcgate.Tier's int encoding,
// returning the "full" tier (1) for an unrecognized or empty value.
func (u UpstreamEntry) ResolvedTier() int {
	switch u.Tier {
	case "archive":
		return 0
	case "pruned":
		return 2
	default:
		return 1
	}
}

// KeyEntry is an auth key seed in the config file.
type KeyEntry struct {
	Name            string   `yaml:"name"`
	Key             string   `yaml:"key"` // plaintext, hashed on bootstrap
	RPM             int64    `yaml:"rpm"`
	Burst           int64    `yaml:"burst"`
	MaxConcurrent   int      `yaml:"max_concurrent"`
	LogRevertChance float64  `yaml:"log_revert_chance"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:               ":8080",
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       30 * time.Second,
			ShutdownTimeout:    30 * time.Second,
			MaxHeadAge:         30 * time.Second,
			MaxTries:           3,
			ReorgDepth:         5,
			ConsensusStaleness: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "rpcgate.db",
		},
		RateLimits: RateLimitConfig{
			DefaultRPM:           60,
			DefaultBurst:         60,
			DefaultMaxConcurrent: 10,
		},
		Cache: CacheConfig{
			Enabled: true,
			MaxSize: 10_000,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
