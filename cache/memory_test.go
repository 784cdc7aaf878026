package cache_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/daedra/cache"
)

func TestMemoryStoreEvictsExpiredBeforeLive(t *testing.T) {
	clock := newFakeClock()
	var evicted []string
	store, err := cache.NewMemoryStore(3,
		cache.WithMemoryStoreClock(clock.Now),
		cache.WithMemoryStoreOnEvict(func(key string) { evicted = append(evicted, key) }))
	require.NoError(t, err)
	ctx := context.Background()

	// "old" is least recently used but still live, "stale" expires.
	require.NoError(t, store.Set(ctx, "old", cache.Entry{Value: []byte("1"), CreatedAt: clock.Now(), TTL: time.Hour}))
	require.NoError(t, store.Set(ctx, "stale", cache.Entry{Value: []byte("2"), CreatedAt: clock.Now(), TTL: time.Second}))
	require.NoError(t, store.Set(ctx, "fresh", cache.Entry{Value: []byte("3"), CreatedAt: clock.Now(), TTL: time.Hour}))

	clock.Advance(time.Minute)
	require.NoError(t, store.Set(ctx, "new", cache.Entry{Value: []byte("4"), CreatedAt: clock.Now(), TTL: time.Hour}))

	_, ok, err := store.Get(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, k := range []string{"old", "fresh", "new"} {
		_, ok, err := store.Get(ctx, k)
		require.NoError(t, err)
		assert.True(t, ok, k)
	}
	assert.Empty(t, evicted)
}

func TestMemoryStoreEvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	store, err := cache.NewMemoryStore(2,
		cache.WithMemoryStoreOnEvict(func(key string) { evicted = append(evicted, key) }))
	require.NoError(t, err)
	ctx := context.Background()

	entry := cache.Entry{Value: []byte("v"), CreatedAt: time.Now(), TTL: time.Hour}
	require.NoError(t, store.Set(ctx, "a", entry))
	require.NoError(t, store.Set(ctx, "b", entry))

	// Reading "a" makes "b" the least recently used.
	_, ok, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Set(ctx, "c", entry))

	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, 2, store.Len())
}

func TestMemoryStoreDeleteAndClear(t *testing.T) {
	var evicted []string
	store, err := cache.NewMemoryStore(0,
		cache.WithMemoryStoreOnEvict(func(key string) { evicted = append(evicted, key) }))
	require.NoError(t, err)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, store.Set(ctx, fmt.Sprintf("k%d", i), cache.Entry{CreatedAt: time.Now(), TTL: time.Hour}))
	}

	require.NoError(t, store.Delete(ctx, "k1"))
	require.NoError(t, store.Delete(ctx, "missing"))
	assert.Equal(t, 4, store.Len())

	require.NoError(t, store.Clear(ctx))
	assert.Equal(t, 0, store.Len())
	assert.Empty(t, evicted, "removals are not evictions")
}

func TestMemoryStoreDeleteExpired(t *testing.T) {
	clock := newFakeClock()
	store, err := cache.NewMemoryStore(10, cache.WithMemoryStoreClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", cache.Entry{CreatedAt: clock.Now(), TTL: time.Second}))
	require.NoError(t, store.Set(ctx, "b", cache.Entry{CreatedAt: clock.Now(), TTL: 2 * time.Second}))
	require.NoError(t, store.Set(ctx, "c", cache.Entry{CreatedAt: clock.Now(), TTL: time.Hour}))

	clock.Advance(2 * time.Second)
	n, err := store.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, store.Len())
}
