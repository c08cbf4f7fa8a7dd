package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Bundler   BundlerConfig
	Sandbox   SandboxConfig
	Runtime   RuntimeConfig
	Store     StoreConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// BundlerConfig holds build pipeline configuration.
type BundlerConfig struct {
	Preflight      bool `envconfig:"BUNDLER_PREFLIGHT" default:"true"`
	PreflightMaxKB int  `envconfig:"BUNDLER_PREFLIGHT_MAX_KB" default:"512"`
}

// SandboxConfig holds host<->sandbox bridge configuration.
type SandboxConfig struct {
	RequestTimeout time.Duration `envconfig:"SANDBOX_REQUEST_TIMEOUT" default:"30s"`
	ExpectedOrigin string        `envconfig:"SANDBOX_EXPECTED_ORIGIN" default:""`
}

// RuntimeConfig holds isolated environment pool configuration.
type RuntimeConfig struct {
	Image         string        `envconfig:"RUNTIME_IMAGE" default:"node:20-slim"`
	MemoryMB      int64         `envconfig:"RUNTIME_MEMORY_MB" default:"512"`
	CPUShares     int64         `envconfig:"RUNTIME_CPU_SHARES" default:"512"`
	ServicePort   int           `envconfig:"RUNTIME_SERVICE_PORT" default:"3000"`
	PoolMinSize   int           `envconfig:"RUNTIME_POOL_MIN" default:"2"`
	PoolMaxSize   int           `envconfig:"RUNTIME_POOL_MAX" default:"10"`
	MaxAge        time.Duration `envconfig:"RUNTIME_MAX_AGE" default:"30m"`
	SweepInterval time.Duration `envconfig:"RUNTIME_SWEEP_INTERVAL" default:"5m"`
	MaxRetries    int           `envconfig:"RUNTIME_MAX_RETRIES" default:"3"`
}

// StoreConfig holds AppRecord store configuration.
type StoreConfig struct {
	URL     string        `envconfig:"STORE_URL" default:""`
	Timeout time.Duration `envconfig:"STORE_TIMEOUT" default:"10s"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Bundler: BundlerConfig{
			Preflight:      true,
			PreflightMaxKB: 512,
		},
		Sandbox: SandboxConfig{
			RequestTimeout: 30 * time.Second,
		},
		Runtime: RuntimeConfig{
			Image:         "node:20-slim",
			MemoryMB:      512,
			CPUShares:     512,
			ServicePort:   3000,
			PoolMinSize:   2,
			PoolMaxSize:   10,
			MaxAge:        30 * time.Minute,
			SweepInterval: 5 * time.Minute,
			MaxRetries:    3,
		},
		Store: StoreConfig{
			Timeout: 10 * time.Second,
		},
	}
}
