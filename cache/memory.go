package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// MemoryStore is an in-process Store bounded to a fixed number of entries. When it is full,
// expired entries are dropped first and then the least recently used live ones.
type MemoryStore struct {
	// mu makes the sweep-then-add sequence of Set atomic. The LRU itself is already safe for
	// concurrent use.
	mu    sync.Mutex
	lru   *lru.Cache
	size  int
	clock func() time.Time

	onEvict  func(key string)
	removing bool
}

// MemoryStoreOption represents the options for the MemoryStore.
type MemoryStoreOption func(*MemoryStore)

const defaultMaxEntries = 1000

// NewMemoryStore creates a MemoryStore holding at most maxEntries entries. A non-positive
// maxEntries selects the default of 1000.
func NewMemoryStore(maxEntries int, options ...MemoryStoreOption) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}

	m := &MemoryStore{
		size:  maxEntries,
		clock: time.Now,
	}
	for _, opt := range options {
		opt(m)
	}

	l, err := lru.NewWithEvict(maxEntries, func(key, _ any) {
		if !m.removing && m.onEvict != nil {
			m.onEvict(key.(string))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	m.lru = l

	return m, nil
}

// WithMemoryStoreClock sets the clock used to decide which entries are expired.
func WithMemoryStoreClock(clock func() time.Time) MemoryStoreOption {
	return func(m *MemoryStore) {
		m.clock = clock
	}
}

// WithMemoryStoreOnEvict sets a callback invoked for every entry pushed out to make room.
// It is not called for Delete, Clear or expired entries.
func WithMemoryStoreOnEvict(onEvict func(key string)) MemoryStoreOption {
	return func(m *MemoryStore) {
		m.onEvict = onEvict
	}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	v, ok := m.lru.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	return v.(Entry), true, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, key string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lru.Contains(key) && m.lru.Len() >= m.size {
		// Expired entries make room before any live entry is evicted.
		m.deleteExpiredLocked()
	}
	m.lru.Add(key, entry)
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(key)
	return nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range m.lru.Keys() {
		m.remove(k)
	}
	return nil
}

// DeleteExpired implements ExpiringStore.
func (m *MemoryStore) DeleteExpired(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.deleteExpiredLocked(), nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryStore) Len() int {
	return m.lru.Len()
}

func (m *MemoryStore) deleteExpiredLocked() int {
	now := m.clock()
	removed := 0
	// Keys are ordered oldest first. Peek keeps the recency order intact.
	for _, k := range m.lru.Keys() {
		v, ok := m.lru.Peek(k)
		if !ok {
			continue
		}
		if v.(Entry).Expired(now) {
			m.remove(k)
			removed++
		}
	}
	return removed
}

// remove deletes key without reporting it as an eviction. m.mu must be held.
func (m *MemoryStore) remove(key any) {
	m.removing = true
	m.lru.Remove(key)
	m.removing = false
}
