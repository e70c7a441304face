// Package config loads the gateway configuration from YAML with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backends BackendsConfig `yaml:"backends"`
	Auth     AuthConfig     `yaml:"auth"`
	Sync     SyncConfig     `yaml:"sync"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Cache    CacheConfig    `yaml:"cache"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the gateway's own HTTP listener.
type ServerConfig struct {
	Addr              string   `yaml:"addr"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	RequestsPerSecond int      `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
}

// BackendConfig describes one upstream backend.
type BackendConfig struct {
	BaseURL        string `yaml:"base_url"`
	HealthPath     string `yaml:"health_path"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured request timeout.
func (b BackendConfig) Timeout() time.Duration {
	if b.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// BackendsConfig holds both upstream backends.
type BackendsConfig struct {
	Node BackendConfig `yaml:"node"`
	Java BackendConfig `yaml:"java"`

	// HealthRefreshSeconds drives the scheduled health probe that feeds
	// the Prometheus gauges. Zero disables the schedule; routing decisions
	// re-check health on demand regardless.
	HealthRefreshSeconds int `yaml:"health_refresh_seconds"`
}

// AuthConfig configures durable session storage.
type AuthConfig struct {
	// StorePath is the bbolt database file. Empty selects the in-memory
	// store (sessions do not survive a restart).
	StorePath string `yaml:"store_path"`
}

// SyncConfig configures the optimistic sync engines.
type SyncConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// Interval returns the background sync interval.
func (s SyncConfig) Interval() time.Duration {
	if s.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.IntervalSeconds) * time.Second
}

// CacheTTL returns the collection cache TTL.
func (s SyncConfig) CacheTTL() time.Duration {
	if s.CacheTTLSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

// RealtimeConfig configures the WebSocket event feed.
type RealtimeConfig struct {
	URL      string `yaml:"url"`
	TenantID string `yaml:"tenant_id"`
}

// CacheConfig selects the response cache backend.
type CacheConfig struct {
	// RedisAddr enables the Redis cache when set; empty selects the
	// in-process memory cache.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration from config/gateway.yaml.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "gateway.yaml"))
}

// LoadFromPath reads the configuration from a specific file and applies
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse gateway config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the config file or returns defaults (with env
// overrides applied) when the file is missing.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		cfg = Default()
		cfg.applyEnv()
	}
	return cfg
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			AllowedOrigins:    []string{"*"},
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Backends: BackendsConfig{
			Node: BackendConfig{
				BaseURL:    "http://localhost:4000/api",
				HealthPath: "/health",
			},
			Java: BackendConfig{
				BaseURL:    "http://localhost:4001/api",
				HealthPath: "/enhanced/health",
			},
			HealthRefreshSeconds: 60,
		},
		Auth: AuthConfig{
			StorePath: "data/auth.db",
		},
		Sync: SyncConfig{
			IntervalSeconds: 30,
			CacheTTLSeconds: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("NODE_BACKEND_URL"); v != "" {
		c.Backends.Node.BaseURL = v
	}
	if v := os.Getenv("JAVA_BACKEND_URL"); v != "" {
		c.Backends.Java.BaseURL = v
	}
	if v := os.Getenv("AUTH_STORE_PATH"); v != "" {
		c.Auth.StorePath = v
	}
	if v := os.Getenv("REALTIME_URL"); v != "" {
		c.Realtime.URL = v
	}
	if v := os.Getenv("TENANT_ID"); v != "" {
		c.Realtime.TenantID = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SYNC_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.IntervalSeconds = n
		}
	}
}

func (c *Config) validate() error {
	if c.Backends.Node.BaseURL == "" {
		return fmt.Errorf("backends.node.base_url is required")
	}
	if c.Backends.Java.BaseURL == "" {
		return fmt.Errorf("backends.java.base_url is required")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	return nil
}
