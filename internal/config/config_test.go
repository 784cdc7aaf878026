package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/daedra/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.Config{
		Transport:          config.TransportStdIO,
		Host:               "127.0.0.1",
		Port:               3000,
		CacheTTLSeconds:    300,
		CacheMaxEntries:    1000,
		CacheStore:         config.CacheStoreMemory,
		RedisAddr:          "localhost:6379",
		RedisKeyPrefix:     "daedra:cache:",
		SearchEndpoint:     "https://html.duckduckgo.com/html/",
		MaxConcurrentCalls: 16,
		ShutdownTimeout:    10 * time.Second,
		LogLevel:           "info",
	}, cfg)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL())
	assert.Equal(t, "127.0.0.1:3000", cfg.Addr())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DAEDRA_TRANSPORT", "sse")
	t.Setenv("DAEDRA_HOST", "::1")
	t.Setenv("DAEDRA_PORT", "8080")
	t.Setenv("DAEDRA_NO_CACHE", "true")
	t.Setenv("DAEDRA_CACHE_TTL", "60")
	t.Setenv("DAEDRA_CACHE_STORE", "redis")
	t.Setenv("DAEDRA_REDIS_ADDR", "redis:6379")
	t.Setenv("DAEDRA_SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("DAEDRA_LOG_LEVEL", "DEBUG")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.TransportSSE, cfg.Transport)
	assert.Equal(t, "[::1]:8080", cfg.Addr())
	assert.True(t, cfg.NoCache)
	assert.Equal(t, time.Minute, cfg.CacheTTL())
	assert.Equal(t, config.CacheStoreRedis, cfg.CacheStore)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("DAEDRA_PORT", "not-a-number")

	_, err := config.Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		cfg, err := config.Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		errMsg string
	}{
		{"transport", func(c *config.Config) { c.Transport = "websocket" }, "transport"},
		{"port too low", func(c *config.Config) { c.Port = 0 }, "port"},
		{"port too high", func(c *config.Config) { c.Port = 70000 }, "port"},
		{"negative ttl", func(c *config.Config) { c.CacheTTLSeconds = -1 }, "cache ttl"},
		{"max entries", func(c *config.Config) { c.CacheMaxEntries = 0 }, "max entries"},
		{"cache store", func(c *config.Config) { c.CacheStore = "memcached" }, "cache store"},
		{"redis address", func(c *config.Config) { c.CacheStore = "redis"; c.RedisAddr = "" }, "redis address"},
		{"concurrency", func(c *config.Config) { c.MaxConcurrentCalls = 0 }, "concurrent"},
		{"shutdown timeout", func(c *config.Config) { c.ShutdownTimeout = 0 }, "shutdown"},
		{"log level", func(c *config.Config) { c.LogLevel = "chatty" }, "log level"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}

	cfg := valid()
	cfg.CacheTTLSeconds = 0
	assert.NoError(t, cfg.Validate(), "a zero ttl disables reuse")
}
