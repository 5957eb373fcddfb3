// Package config loads service configuration from YAML with env overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the server and worker processes.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Quota     QuotaConfig     `yaml:"quota"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	AdminAPIKey     string        `yaml:"admin_api_key"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig holds the rate-limit counter store connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RateLimitConfig holds sliding-window rate limiter settings.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
	KeyPrefix   string        `yaml:"key_prefix"`
}

// QuotaConfig holds credit quota settings.
type QuotaConfig struct {
	DefaultMonthlyLimit int64 `yaml:"default_monthly_limit"`
}

// WorkerConfig holds generation worker settings.
type WorkerConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	BatchSize      int           `yaml:"batch_size"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
}

// Load reads configuration from path, applying env overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads config from path, falling back to defaults (plus env
// overrides) when the file does not exist.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		def := Default()
		def.applyEnv()
		return def
	}
	return cfg
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Redis:   RedisConfig{Addr: "localhost:6379"},
		Database: DatabaseConfig{
			DSN:          "postgres://localhost:5432/generation?sslmode=disable",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		RateLimit: RateLimitConfig{
			Window:      time.Minute,
			MaxRequests: 60,
			KeyPrefix:   "ratelimit",
		},
		Quota: QuotaConfig{DefaultMonthlyLimit: 500},
		Worker: WorkerConfig{
			PollInterval:   time.Second,
			BatchSize:      10,
			MaxAttempts:    3,
			RatePerSecond:  2,
			Burst:          4,
			StaleThreshold: 10 * time.Minute,
		},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("ADMIN_API_KEY"); v != "" {
		c.Server.AdminAPIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server port is required")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("rate_limit.max_requests must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	if c.Quota.DefaultMonthlyLimit <= 0 {
		return fmt.Errorf("quota.default_monthly_limit must be positive")
	}
	return nil
}
