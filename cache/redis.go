package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by Redis, letting several server processes share one cache.
// Expiry is delegated to Redis through the TTL of every key.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// RedisStoreOption represents the options for the RedisStore.
type RedisStoreOption func(*RedisStore)

// storedEntry is the JSON document kept under every key.
type storedEntry struct {
	Value     []byte        `json:"value"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

const (
	defaultRedisKeyPrefix = "daedra:cache:"
	redisScanCount        = 100
)

// NewRedisStore creates a RedisStore using client. The client stays owned by the caller.
func NewRedisStore(client *redis.Client, options ...RedisStoreOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}

	s := &RedisStore{
		client:    client,
		keyPrefix: defaultRedisKeyPrefix,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// WithRedisKeyPrefix sets the prefix of every key written by the store. Clear only removes
// keys with this prefix.
func WithRedisKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	bs, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	var item storedEntry
	if err := json.Unmarshal(bs, &item); err != nil {
		return Entry{}, false, fmt.Errorf("failed to unmarshal entry %s: %w", key, err)
	}

	return Entry{
		Value:     item.Value,
		CreatedAt: item.CreatedAt,
		TTL:       item.TTL,
	}, true, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, entry Entry) error {
	if entry.TTL <= 0 {
		return nil
	}

	bs, err := json.Marshal(storedEntry{
		Value:     entry.Value,
		CreatedAt: entry.CreatedAt,
		TTL:       entry.TTL,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if err := s.client.Set(ctx, s.keyPrefix+key, bs, entry.TTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Clear implements Store by scanning for the store's key prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", redisScanCount).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete keys: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Ping checks that Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}
