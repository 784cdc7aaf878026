// Package cache provides a concurrency-safe result cache with per-entry expiry and at most
// one running computation per key.
//
// Callers asking for a key that is being computed wait for that computation instead of
// starting their own. A failed computation is reported to every waiter and never stored.
// The computation runs detached from the callers' contexts: a caller that gives up returns
// immediately, while the computation finishes and fills the cache for the next one.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is a time-bounded cache in front of an expensive computation. Create it with New and
// release it with Close. A Cache is safe for concurrent use.
type Cache struct {
	store          Store
	maxEntries     int
	disabled       bool
	clock          func() time.Time
	computeTimeout time.Duration
	sweepInterval  time.Duration

	logger  *slog.Logger
	metrics *Metrics

	group singleflight.Group

	hits     atomic.Int64
	misses   atomic.Int64
	shared   atomic.Int64
	computes atomic.Int64
	failures atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	closed    chan struct{}
}

// Option represents the options for the Cache.
type Option func(*Cache)

// ComputeFunc produces the value for a missing key.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Stats is a snapshot of the cache counters.
type Stats struct {
	Hits     int64
	Misses   int64
	Shared   int64
	Computes int64
	Failures int64
}

var (
	// ErrComputePanicked is returned to every waiter when the computation panics.
	ErrComputePanicked = errors.New("cache computation panicked")

	defaultComputeTimeout = 2 * time.Minute
)

// New creates a Cache. Without WithStore, entries live in a MemoryStore bounded by
// WithMaxEntries.
func New(options ...Option) (*Cache, error) {
	c := &Cache{
		maxEntries:     defaultMaxEntries,
		clock:          time.Now,
		computeTimeout: defaultComputeTimeout,
		logger:         slog.Default(),
		done:           make(chan struct{}),
		closed:         make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.store == nil {
		store, err := NewMemoryStore(c.maxEntries,
			WithMemoryStoreClock(c.clock),
			WithMemoryStoreOnEvict(func(key string) {
				c.logger.Debug("evicted live entry", slog.String("key", key))
				c.metrics.observeEviction()
			}))
		if err != nil {
			return nil, fmt.Errorf("failed to create memory store: %w", err)
		}
		c.store = store
	}

	if es, ok := c.store.(ExpiringStore); ok && c.sweepInterval > 0 && !c.disabled {
		go c.sweep(es)
	} else {
		close(c.closed)
	}

	return c, nil
}

// WithStore sets the backing store.
func WithStore(store Store) Option {
	return func(c *Cache) {
		c.store = store
	}
}

// WithMaxEntries bounds the default memory store. It has no effect together with WithStore.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithDisabled turns every lookup into a miss. Nothing is stored and concurrent identical
// requests are not deduplicated.
func WithDisabled(disabled bool) Option {
	return func(c *Cache) {
		c.disabled = disabled
	}
}

// WithClock sets the clock used for entry ages.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

// WithComputeTimeout bounds a single computation. Zero means no bound.
func WithComputeTimeout(timeout time.Duration) Option {
	return func(c *Cache) {
		c.computeTimeout = timeout
	}
}

// WithSweepInterval starts a janitor that drops expired entries at the given interval, for
// stores implementing ExpiringStore.
func WithSweepInterval(interval time.Duration) Option {
	return func(c *Cache) {
		c.sweepInterval = interval
	}
}

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger.With(
			slog.String("package", "cache"),
			slog.String("component", "cache"),
		)
	}
}

// WithMetrics exports the cache counters through m.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// GetOrCompute returns the live value stored under key, or computes, stores and returns it.
// Concurrent callers for the same key share a single computation. When ctx ends first the
// call returns ctx.Err(), the computation is left running and still stores its result.
// Errors from compute are returned to every waiting caller and are not stored.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	if c.disabled || ttl <= 0 {
		c.recordLookup("miss")
		return c.compute(ctx, compute)
	}

	if v, ok := c.lookup(ctx, key); ok {
		c.recordLookup("hit")
		return v, nil
	}
	c.recordLookup("miss")

	// The flight function runs with the first caller's context, detach it from that caller.
	detached := context.WithoutCancel(ctx)
	results := c.group.DoChan(key, func() (any, error) {
		return c.fill(detached, key, ttl, compute)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.Shared {
			c.shared.Add(1)
			c.metrics.observeLookup("shared")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Invalidate removes key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", key, err)
	}
	return nil
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Shared:   c.shared.Load(),
		Computes: c.computes.Load(),
		Failures: c.failures.Load(),
	}
}

// Enabled reports whether values are cached at all.
func (c *Cache) Enabled() bool {
	return !c.disabled
}

// Close stops the janitor. It does not close the store.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	<-c.closed
}

// fill runs inside the flight. Another flight for the same key may have stored the value
// between the caller's lookup and now, so the store is checked again first.
func (c *Cache) fill(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	if v, ok := c.lookup(ctx, key); ok {
		return v, nil
	}

	v, err := c.compute(ctx, compute)
	if err != nil {
		return nil, err
	}

	entry := Entry{
		Value:     v,
		CreatedAt: c.clock(),
		TTL:       ttl,
	}
	if err := c.store.Set(ctx, key, entry); err != nil {
		// The value is still good for the callers waiting on it.
		c.logger.Warn("failed to store entry", slog.String("key", key), slog.String("err", err.Error()))
	}
	return v, nil
}

// compute runs fn with the compute timeout and turns a panic into an error. DoChan would
// otherwise crash the process on a panic.
func (c *Cache) compute(ctx context.Context, fn ComputeFunc) (v []byte, err error) {
	if c.computeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.computeTimeout)
		defer cancel()
	}

	start := time.Now()
	c.computes.Add(1)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered from panic in cache computation", slog.Any("panic", r))
			v, err = nil, fmt.Errorf("%w: %v", ErrComputePanicked, r)
		}
		if err != nil {
			c.failures.Add(1)
		}
		c.metrics.observeCompute(time.Since(start).Seconds(), err != nil)
	}()

	return fn(ctx)
}

func (c *Cache) lookup(ctx context.Context, key string) ([]byte, bool) {
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		// A broken store degrades to a miss.
		c.logger.Warn("failed to read entry", slog.String("key", key), slog.String("err", err.Error()))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if entry.Expired(c.clock()) {
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("failed to delete expired entry", slog.String("key", key), slog.String("err", err.Error()))
		}
		return nil, false
	}
	return entry.Value, true
}

func (c *Cache) recordLookup(result string) {
	switch result {
	case "hit":
		c.hits.Add(1)
	case "miss":
		c.misses.Add(1)
	}
	c.metrics.observeLookup(result)
}

func (c *Cache) sweep(store ExpiringStore) {
	defer close(c.closed)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		n, err := store.DeleteExpired(context.Background())
		if err != nil {
			c.logger.Warn("failed to sweep expired entries", slog.String("err", err.Error()))
			continue
		}
		if n > 0 {
			c.logger.Debug("swept expired entries", slog.Int("count", n))
		}
	}
}
