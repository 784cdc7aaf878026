package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/MegaGrindStone/daedra/cache"
	"github.com/MegaGrindStone/daedra/internal/config"
	"github.com/MegaGrindStone/daedra/servers/research"
)

const (
	cacheSweepInterval = time.Minute
	redisPingTimeout   = 5 * time.Second
)

// newCache builds the tool result cache selected by the configuration. The returned
// function releases the cache and its store.
func (a *app) newCache(ctx context.Context, reg prometheus.Registerer) (*cache.Cache, func(), error) {
	options := []cache.Option{
		cache.WithDisabled(a.cfg.NoCache),
		cache.WithMaxEntries(a.cfg.CacheMaxEntries),
		cache.WithSweepInterval(cacheSweepInterval),
		cache.WithLogger(a.logger),
	}
	if reg != nil {
		options = append(options, cache.WithMetrics(cache.NewMetrics(reg)))
	}

	var client *redis.Client
	if a.cfg.CacheStore == config.CacheStoreRedis && !a.cfg.NoCache {
		client = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})

		store, err := cache.NewRedisStore(client, cache.WithRedisKeyPrefix(a.cfg.RedisKeyPrefix))
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err = store.Ping(pingCtx)
		cancel()
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		options = append(options, cache.WithStore(store))
	}

	c, err := cache.New(options...)
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return nil, nil, fmt.Errorf("failed to create cache: %w", err)
	}

	release := func() {
		c.Close()
		if client != nil {
			if err := client.Close(); err != nil {
				a.logger.Warn("failed to close redis client", "err", err)
			}
		}
	}
	return c, release, nil
}

func (a *app) newDuckDuckGo() research.DuckDuckGo {
	return research.NewDuckDuckGo(
		research.WithDuckDuckGoEndpoint(a.cfg.SearchEndpoint),
		research.WithDuckDuckGoLogger(a.logger),
	)
}

func (a *app) newFetcher() research.Fetcher {
	return research.NewFetcher(research.WithFetcherLogger(a.logger))
}

func (a *app) newResearchServer(c *cache.Cache) (research.Server, error) {
	srv, err := research.NewServer(a.newDuckDuckGo(), a.newFetcher(), c,
		research.WithCacheTTL(a.cfg.CacheTTL()),
		research.WithLogger(a.logger),
	)
	if err != nil {
		return research.Server{}, fmt.Errorf("failed to create research server: %w", err)
	}
	return srv, nil
}
