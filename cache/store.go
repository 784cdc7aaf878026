package cache

import (
	"context"
	"time"
)

// Entry is a stored value together with the moment it was created and how long it lives.
// Entries are never modified after they are stored.
type Entry struct {
	Value     []byte
	CreatedAt time.Time
	TTL       time.Duration
}

// Store holds cache entries. Implementations must be safe for concurrent use. A Store is
// not required to drop expired entries itself, the Cache checks every entry it reads.
type Store interface {
	// Get returns the entry for key. The boolean is false when the key is absent.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Set stores the entry under key, replacing any previous one.
	Set(ctx context.Context, key string, entry Entry) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// ExpiringStore is implemented by stores that can drop their expired entries in one pass.
// The Cache janitor uses it when a sweep interval is configured.
type ExpiringStore interface {
	Store

	// DeleteExpired removes every expired entry and reports how many were removed.
	DeleteExpired(ctx context.Context) (int, error)
}

// Expired reports whether the entry is no longer live at now.
func (e Entry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) >= e.TTL
}
