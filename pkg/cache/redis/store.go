// Package redis is the Redis backend of the response cache. Entries are
// JSON envelopes under prefix:key with a native Redis expiry, so expired
// entries vanish without a sweeper.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pario-ai/promptgate/pkg/cache"
	"github.com/pario-ai/promptgate/pkg/models"
)

// DefaultPrefix namespaces cache keys.
const DefaultPrefix = "promptgate:cache"

// Store keeps cached responses in Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// New creates a Store on client. The client is owned by the caller.
func New(client goredis.UniversalClient, prefix string) *Store {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(k string) string {
	return s.prefix + ":" + k
}

// FindByKey implements cache.Store.
func (s *Store) FindByKey(ctx context.Context, key string) (models.CachedResponse, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return models.CachedResponse{}, cache.ErrNotFound
	}
	if err != nil {
		return models.CachedResponse{}, fmt.Errorf("cache get: %w", err)
	}
	var entry models.CachedResponse
	if err := json.Unmarshal(raw, &entry); err != nil {
		return models.CachedResponse{}, fmt.Errorf("decode cache entry: %w", err)
	}
	return entry, nil
}

// Insert implements cache.Store.
func (s *Store) Insert(ctx context.Context, entry models.CachedResponse) error {
	return s.set(ctx, entry, "NX", cache.ErrDuplicateKey)
}

// UpdateByKey implements cache.Store.
func (s *Store) UpdateByKey(ctx context.Context, entry models.CachedResponse) error {
	return s.set(ctx, entry, "XX", cache.ErrNotFound)
}

// set writes entry with a TTL of ExpiresAt-CreatedAt. Entries without a
// positive lifetime are not written. mode is "NX" or "XX"; conflict is
// returned when the mode condition fails.
func (s *Store) set(ctx context.Context, entry models.CachedResponse, mode string, conflict error) error {
	ttl := entry.ExpiresAt.Sub(entry.CreatedAt)
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	err = s.client.SetArgs(ctx, s.key(entry.Key), raw, goredis.SetArgs{Mode: mode, TTL: ttl}).Err()
	if errors.Is(err, goredis.Nil) {
		return conflict
	}
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// DeleteExpired implements cache.Store. Redis evicts expired keys on its
// own, there is never anything left to delete.
func (s *Store) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// Clear implements cache.Store.
func (s *Store) Clear(ctx context.Context) error {
	return s.scan(ctx, func(keys []string) error {
		return s.client.Del(ctx, keys...).Err()
	})
}

// Count implements cache.Store.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.scan(ctx, func(keys []string) error {
		n += int64(len(keys))
		return nil
	})
	return n, err
}

// Close implements cache.Store. The shared client is closed by its owner.
func (s *Store) Close() error {
	return nil
}

func (s *Store) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":*", 500).Result()
		if err != nil {
			return fmt.Errorf("cache scan: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
