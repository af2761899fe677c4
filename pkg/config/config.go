package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment selects connection-pool sizing and defaults
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
)

// HubConfig describes one upstream hub endpoint. APIKey, when set, is
// injected into every request under APIKeyHeader (default "x-api-key").
type HubConfig struct {
	URL          string `yaml:"url"`
	APIKey       string `yaml:"apiKey,omitempty"`
	APIKeyHeader string `yaml:"apiKeyHeader,omitempty"`
}

// StrategyConfig seeds the target set and controls dynamic expansion
type StrategyConfig struct {
	RootTargets           []uint64 `yaml:"rootTargets"`
	TargetClients         []uint64 `yaml:"targetClients"`
	EnableClientDiscovery bool     `yaml:"enableClientDiscovery"`
}

// RedisConfig holds the distributed cache connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// PostgresConfig holds the relational store connection settings
type PostgresConfig struct {
	ConnectionString string `yaml:"connectionString"`
}

// AuthConfig is consumed by the admin HTTP facade; validated here so a
// misconfigured deployment fails before workers start.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwtSecret"`
	AdminPassword string `yaml:"adminPassword"`
}

// ConcurrencyConfig bounds worker parallelism per queue
type ConcurrencyConfig struct {
	Backfill int `yaml:"backfill"`
	Realtime int `yaml:"realtime"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full indexer configuration
type Config struct {
	Environment     Environment       `yaml:"environment"`
	Log             LogConfig         `yaml:"log"`
	Hubs            []HubConfig       `yaml:"hubs"`
	Strategy        StrategyConfig    `yaml:"strategy"`
	Redis           RedisConfig       `yaml:"redis"`
	Postgres        PostgresConfig    `yaml:"postgres"`
	Auth            AuthConfig        `yaml:"auth"`
	Concurrency     ConcurrencyConfig `yaml:"concurrency"`
	MetricsAddr     string            `yaml:"metricsAddr"`
	ShutdownTimeout time.Duration     `yaml:"shutdownTimeout"`
}

// Default returns a config with development defaults applied
func Default() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Log:         LogConfig{Level: "info"},
		Redis:       RedisConfig{Host: "localhost", Port: 6379},
		Concurrency: ConcurrencyConfig{
			Backfill: 5,
			Realtime: 1,
		},
		MetricsAddr:     ":9090",
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load reads the YAML file at path (if non-empty), applies environment
// variable overrides, then validates. Invalid configuration is an error the
// caller treats as fatal.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from GRAPHWATCH_* environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv("GRAPHWATCH_ENVIRONMENT"); v != "" {
		c.Environment = Environment(v)
	}
	if v := os.Getenv("GRAPHWATCH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("GRAPHWATCH_HUBS"); v != "" {
		c.Hubs = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.Hubs = append(c.Hubs, HubConfig{URL: u})
			}
		}
	}
	if v := os.Getenv("GRAPHWATCH_POSTGRES_URL"); v != "" {
		c.Postgres.ConnectionString = v
	}
	if v := os.Getenv("GRAPHWATCH_REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("GRAPHWATCH_REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = p
		}
	}
	if v := os.Getenv("GRAPHWATCH_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("GRAPHWATCH_REDIS_DB"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = d
		}
	}
	if v := os.Getenv("GRAPHWATCH_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("GRAPHWATCH_ADMIN_PASSWORD"); v != "" {
		c.Auth.AdminPassword = v
	}
	if v := os.Getenv("GRAPHWATCH_BACKFILL_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Concurrency.Backfill = n
		}
	}
	if v := os.Getenv("GRAPHWATCH_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
}

// Validate checks the configuration for startup-fatal problems
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvProduction, EnvDevelopment, EnvTest:
	default:
		return fmt.Errorf("invalid environment %q", c.Environment)
	}

	if len(c.Hubs) == 0 {
		return fmt.Errorf("at least one hub endpoint is required")
	}
	for i, h := range c.Hubs {
		u, err := url.Parse(h.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("hub %d: %q is not a valid URL", i, h.URL)
		}
	}

	if c.Postgres.ConnectionString == "" {
		return fmt.Errorf("postgres connection string is required")
	}
	if c.Redis.Host == "" || c.Redis.Port <= 0 {
		return fmt.Errorf("redis host and port are required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("jwtSecret must be at least 32 characters")
	}
	if c.Auth.AdminPassword != "" && len(c.Auth.AdminPassword) < 8 {
		return fmt.Errorf("adminPassword must be at least 8 characters")
	}

	if c.Concurrency.Backfill < 1 {
		return fmt.Errorf("backfill concurrency must be at least 1")
	}
	if c.Concurrency.Realtime != 1 {
		return fmt.Errorf("realtime concurrency must be exactly 1")
	}
	return nil
}
