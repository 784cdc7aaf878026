// Package config loads the daedra settings from DAEDRA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds the settings of a daedra process. Command line flags override the values
// loaded from the environment.
type Config struct {
	Transport string `env:"DAEDRA_TRANSPORT,default=stdio"`
	Host      string `env:"DAEDRA_HOST,default=127.0.0.1"`
	Port      int    `env:"DAEDRA_PORT,default=3000"`

	NoCache         bool   `env:"DAEDRA_NO_CACHE,default=false"`
	CacheTTLSeconds int    `env:"DAEDRA_CACHE_TTL,default=300"`
	CacheMaxEntries int    `env:"DAEDRA_CACHE_MAX_ENTRIES,default=1000"`
	CacheStore      string `env:"DAEDRA_CACHE_STORE,default=memory"`
	RedisAddr       string `env:"DAEDRA_REDIS_ADDR,default=localhost:6379"`
	RedisKeyPrefix  string `env:"DAEDRA_REDIS_KEY_PREFIX,default=daedra:cache:"`

	SearchEndpoint     string        `env:"DAEDRA_SEARCH_ENDPOINT,default=https://html.duckduckgo.com/html/"`
	MaxConcurrentCalls int           `env:"DAEDRA_MAX_CONCURRENT_CALLS,default=16"`
	ShutdownTimeout    time.Duration `env:"DAEDRA_SHUTDOWN_TIMEOUT,default=10s"`

	LogLevel string `env:"DAEDRA_LOG_LEVEL,default=info"`
}

// Transports.
const (
	TransportStdIO = "stdio"
	TransportSSE   = "sse"
)

// Cache stores.
const (
	CacheStoreMemory = "memory"
	CacheStoreRedis  = "redis"
)

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportStdIO, TransportSSE:
	default:
		errs = append(errs, fmt.Errorf("transport must be %s or %s, got %q", TransportStdIO, TransportSSE, c.Transport))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", c.Port))
	}
	if c.CacheTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("cache ttl must not be negative, got %d", c.CacheTTLSeconds))
	}
	if c.CacheMaxEntries < 1 {
		errs = append(errs, fmt.Errorf("cache max entries must be positive, got %d", c.CacheMaxEntries))
	}
	switch c.CacheStore {
	case CacheStoreMemory:
	case CacheStoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis address is required for the redis cache store"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache store must be %s or %s, got %q", CacheStoreMemory, CacheStoreRedis, c.CacheStore))
	}
	if c.SearchEndpoint == "" {
		errs = append(errs, errors.New("search endpoint is required"))
	}
	if c.MaxConcurrentCalls < 1 {
		errs = append(errs, fmt.Errorf("max concurrent calls must be positive, got %d", c.MaxConcurrentCalls))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// CacheTTL returns how long tool results are reused.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Addr returns the listen address of the SSE transport.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return level, nil
}
