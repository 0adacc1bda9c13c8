// Package config provides configuration management for querypilot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirror the limits the service ships with. Rate limits are
// deliberately generous; see ratelimit.Limiter for the windowing
// tradeoff.
const (
	DefaultListen             = ":3000"
	DefaultPerPrincipalLimit  = 10
	DefaultGlobalLimit        = 100
	DefaultRateWindow         = 60 * time.Second
	DefaultCacheTTL           = 30 * time.Minute
	DefaultSweepInterval      = 5 * time.Minute
	DefaultIdleThreshold      = 24 * time.Hour
	DefaultReapInterval       = 15 * time.Minute
	DefaultQueryTimeout       = 5 * time.Minute
	DefaultStoreTimeout       = 3 * time.Second
	DefaultMaxResultRows      = 10000
)

// DatabaseConfig selects and tunes the relational store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres" or "sqlite"
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

// RedisConfig tunes the shared counter store.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	DB          int           `yaml:"db"`
	MaxIdle     int           `yaml:"max_idle"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RateLimitConfig holds the per-principal and global window pairs.
type RateLimitConfig struct {
	PerPrincipal       int           `yaml:"per_principal"`
	PerPrincipalWindow time.Duration `yaml:"per_principal_window"`
	Global             int           `yaml:"global"`
	GlobalWindow       time.Duration `yaml:"global_window"`
}

// CacheConfig tunes the result cache.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SessionConfig tunes session expiry.
type SessionConfig struct {
	IdleThreshold time.Duration `yaml:"idle_threshold"`
	ReapInterval  time.Duration `yaml:"reap_interval"`
}

// AuthConfig selects the identity resolver.
type AuthConfig struct {
	Resolver         string        `yaml:"resolver"` // "local" or "directory"
	DirectoryURL     string        `yaml:"directory_url"`
	DirectoryAPIKey  string        `yaml:"directory_api_key"`
	DirectoryTimeout time.Duration `yaml:"directory_timeout"`
}

// QueryExpertConfig tunes the external query-generation service client.
type QueryExpertConfig struct {
	BaseURL      string        `yaml:"base_url"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	MockMode     bool          `yaml:"mock_mode"`
	MockDelay    time.Duration `yaml:"mock_delay"`
}

// WarehouseConfig names the default execution context.
type WarehouseConfig struct {
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Warehouse string `yaml:"warehouse"`
}

// Config is the full service configuration.
type Config struct {
	Listen        string            `yaml:"listen"`
	LogLevel      string            `yaml:"log_level"`
	Database      DatabaseConfig    `yaml:"database"`
	Redis         RedisConfig       `yaml:"redis"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit"`
	Cache         CacheConfig       `yaml:"cache"`
	Session       SessionConfig     `yaml:"session"`
	Auth          AuthConfig        `yaml:"auth"`
	QueryExpert   QueryExpertConfig `yaml:"query_expert"`
	Warehouse     WarehouseConfig   `yaml:"warehouse"`
	StoreTimeout  time.Duration     `yaml:"store_timeout"`
	MaxResultRows int               `yaml:"max_result_rows"`
}

// Default returns the configuration the service runs with when no file
// or environment overrides are present.
func Default() *Config {
	return &Config{
		Listen:   DefaultListen,
		LogLevel: "info",
		Database: DatabaseConfig{
			Driver:   "sqlite",
			DSN:      "querypilot.db",
			MaxConns: 4,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			MaxIdle:     5,
			DialTimeout: 2 * time.Second,
		},
		RateLimit: RateLimitConfig{
			PerPrincipal:       DefaultPerPrincipalLimit,
			PerPrincipalWindow: DefaultRateWindow,
			Global:             DefaultGlobalLimit,
			GlobalWindow:       DefaultRateWindow,
		},
		Cache: CacheConfig{
			TTL:           DefaultCacheTTL,
			SweepInterval: DefaultSweepInterval,
		},
		Session: SessionConfig{
			IdleThreshold: DefaultIdleThreshold,
			ReapInterval:  DefaultReapInterval,
		},
		Auth: AuthConfig{
			Resolver:         "local",
			DirectoryTimeout: 5 * time.Second,
		},
		QueryExpert: QueryExpertConfig{
			BaseURL:      "http://localhost:8000",
			QueryTimeout: DefaultQueryTimeout,
			MockDelay:    2 * time.Second,
		},
		Warehouse: WarehouseConfig{
			Database:  "ANALYTICS",
			Schema:    "PUBLIC",
			Warehouse: "COMPUTE_WH",
		},
		StoreTimeout:  DefaultStoreTimeout,
		MaxResultRows: DefaultMaxResultRows,
	}
}

// Load reads the config file at path (missing file is not an error),
// applies QUERYPILOT_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("QUERYPILOT_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("QUERYPILOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("QUERYPILOT_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("QUERYPILOT_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("QUERYPILOT_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("QUERYPILOT_QUERY_EXPERT_URL"); v != "" {
		cfg.QueryExpert.BaseURL = v
	}
	if v := os.Getenv("QUERYPILOT_AUTH_RESOLVER"); v != "" {
		cfg.Auth.Resolver = v
	}
	if v := os.Getenv("QUERYPILOT_DIRECTORY_URL"); v != "" {
		cfg.Auth.DirectoryURL = v
	}
	if v := os.Getenv("QUERYPILOT_DIRECTORY_API_KEY"); v != "" {
		cfg.Auth.DirectoryAPIKey = v
	}
	if v := os.Getenv("QUERYPILOT_RATE_LIMIT_PER_PRINCIPAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.PerPrincipal = n
		}
	}
	if v := os.Getenv("QUERYPILOT_RATE_LIMIT_GLOBAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.Global = n
		}
	}
	if v := os.Getenv("QUERYPILOT_MOCK_MODE"); v != "" {
		cfg.QueryExpert.MockMode = v == "1" || v == "true"
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	switch c.Auth.Resolver {
	case "local":
	case "directory":
		if c.Auth.DirectoryURL == "" {
			return fmt.Errorf("config: directory resolver requires directory_url")
		}
	default:
		return fmt.Errorf("config: unknown auth resolver %q", c.Auth.Resolver)
	}
	if c.RateLimit.PerPrincipal <= 0 || c.RateLimit.Global <= 0 {
		return fmt.Errorf("config: rate limits must be positive")
	}
	if c.RateLimit.PerPrincipalWindow <= 0 || c.RateLimit.GlobalWindow <= 0 {
		return fmt.Errorf("config: rate limit windows must be positive")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("config: cache ttl must be positive")
	}
	if c.QueryExpert.QueryTimeout <= 0 {
		return fmt.Errorf("config: query timeout must be positive")
	}
	return nil
}
