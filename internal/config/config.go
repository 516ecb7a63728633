// Package config loads the relay configuration from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/crm-contact-relay/pkg/client"
	"github.com/Sternrassler/crm-contact-relay/pkg/pagination"
	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

// Config is the relay server configuration.
type Config struct {
	Port int `env:"PORT" envDefault:"8080"`

	UpstreamBaseURL string        `env:"UPSTREAM_BASE_URL"`
	UserAgent       string        `env:"USER_AGENT" envDefault:"crm-contact-relay/0.1.0"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`

	FetchStrategy string `env:"FETCH_STRATEGY" envDefault:"sequential"`
	PageSize      int    `env:"PAGE_SIZE" envDefault:"100"`
	BatchSize     int    `env:"BATCH_SIZE" envDefault:"5"`
	MaxPages      int    `env:"MAX_PAGES" envDefault:"10000"`

	// RedisURL enables the shared rate-limit store. Empty keeps state in memory.
	RedisURL string `env:"REDIS_URL"`

	StaticDir  string `env:"STATIC_DIR" envDefault:"."`
	CORSOrigin string `env:"CORS_ORIGIN" envDefault:"*"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads and validates the configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the environment parser cannot.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		return fmt.Errorf("USER_AGENT must not be empty")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive (got %s)", c.UpstreamTimeout)
	}
	if _, err := pagination.ParseStrategy(c.FetchStrategy); err != nil {
		return fmt.Errorf("FETCH_STRATEGY: %w", err)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive (got %d)", c.PageSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive (got %d)", c.BatchSize)
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("MAX_PAGES must be positive (got %d)", c.MaxPages)
	}
	if _, err := c.RedisOptions(); err != nil {
		return err
	}
	return nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// ClientConfig returns the upstream client configuration without a rate-limit observer.
func (c Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.UserAgent)
	if c.UpstreamBaseURL != "" {
		cfg.BaseURL = c.UpstreamBaseURL
	}
	cfg.Timeout = c.UpstreamTimeout
	return cfg
}

// PaginationConfig returns the fetcher configuration. Call Validate first.
func (c Config) PaginationConfig() pagination.Config {
	strategy, _ := pagination.ParseStrategy(c.FetchStrategy)
	return pagination.Config{
		Strategy:  strategy,
		PageSize:  c.PageSize,
		BatchSize: c.BatchSize,
		MaxPages:  c.MaxPages,
	}
}

// RedisOptions parses REDIS_URL. It accepts a redis:// URL or a bare host:port
// and returns nil when Redis is disabled.
func (c Config) RedisOptions() (*redis.Options, error) {
	raw := strings.TrimSpace(c.RedisURL)
	if raw == "" {
		return nil, nil
	}
	if !strings.Contains(raw, "://") {
		return &redis.Options{Addr: raw}, nil
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URL: %w", err)
	}
	return opts, nil
}
