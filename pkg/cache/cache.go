// Package cache stores provider responses keyed by a hash of the prompt.
//
// The Cache type owns key derivation, expiry and error absorption; the
// persistence itself is delegated to a Store backend (sqlite, redis or
// memory). A broken backend degrades to a cache that always misses.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/promptgate/pkg/metrics"
	"github.com/pario-ai/promptgate/pkg/models"
)

// DefaultTTL is how long a stored response stays valid.
const DefaultTTL = 7 * 24 * time.Hour

var (
	// ErrNotFound is returned by Store.FindByKey and Store.UpdateByKey when no
	// entry exists for the key.
	ErrNotFound = errors.New("cache entry not found")
	// ErrDuplicateKey is returned by Store.Insert when the key is taken.
	ErrDuplicateKey = errors.New("cache key already exists")
)

// Key identifies a cached response: the lowercase hex SHA-256 of the prompt.
type Key string

// MakeKey hashes the prompt exactly as given.
func MakeKey(prompt string) Key {
	sum := sha256.Sum256([]byte(prompt))
	return Key(hex.EncodeToString(sum[:]))
}

// MakeKeyNormalized hashes the prompt after trimming it and collapsing
// whitespace runs to a single space.
func MakeKeyNormalized(prompt string) Key {
	return MakeKey(strings.Join(strings.Fields(prompt), " "))
}

// Store is a persistence backend for cached responses.
type Store interface {
	// FindByKey returns the entry for key or ErrNotFound. Expired entries the
	// backend has not evicted yet may still be returned.
	FindByKey(ctx context.Context, key string) (models.CachedResponse, error)
	// Insert adds a new entry or fails with ErrDuplicateKey.
	Insert(ctx context.Context, entry models.CachedResponse) error
	// UpdateByKey replaces value and timestamps of an existing entry or fails
	// with ErrNotFound.
	UpdateByKey(ctx context.Context, entry models.CachedResponse) error
	// DeleteExpired removes entries with ExpiresAt at or before now and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// Count returns the number of stored entries.
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Cache is the response cache used by the gateway.
type Cache struct {
	store     Store
	backend   string
	ttl       time.Duration
	normalize bool
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithNormalize makes Key collapse whitespace before hashing.
func WithNormalize(on bool) Option {
	return func(c *Cache) { c.normalize = on }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithBackendName labels Stats output.
func WithBackendName(name string) Option {
	return func(c *Cache) { c.backend = name }
}

// New wraps store.
func New(store Store, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, errors.New("cache store is nil")
	}
	c := &Cache{
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", c.ttl)
	}
	return c, nil
}

// Key derives the cache key for prompt.
func (c *Cache) Key(prompt string) Key {
	if c.normalize {
		return MakeKeyNormalized(prompt)
	}
	return MakeKey(prompt)
}

// TTL returns the lifetime given to stored entries.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Lookup returns the stored value for key. Absent, expired and unreadable
// entries are all reported as a miss.
func (c *Cache) Lookup(ctx context.Context, key Key) ([]byte, bool) {
	entry, err := c.store.FindByKey(ctx, string(key))
	switch {
	case errors.Is(err, ErrNotFound):
		c.miss("miss")
		return nil, false
	case err != nil:
		c.fail("lookup", key, err)
		c.miss("error")
		return nil, false
	}

	if entry.Expired(c.now()) {
		c.miss("expired")
		return nil, false
	}
	c.hits.Add(1)
	c.metrics.ObserveCacheLookup("hit")
	return entry.Value, true
}

// Store saves value under key with a fresh expiry. When a concurrent miss
// already stored the key, its entry is overwritten: the last writer wins.
// Failures are logged and dropped; the caller's response does not depend on them.
func (c *Cache) Store(ctx context.Context, key Key, value []byte) {
	now := c.now()
	entry := models.CachedResponse{
		Key:       string(key),
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	err := c.store.Insert(ctx, entry)
	if errors.Is(err, ErrDuplicateKey) {
		err = c.store.UpdateByKey(ctx, entry)
		if errors.Is(err, ErrNotFound) {
			// evicted between the two calls
			err = c.store.Insert(ctx, entry)
		}
	}
	if err != nil {
		c.fail("store", key, err)
	}
}

// Stats reports the entry count and this process's lookup counters.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	n, err := c.store.Count(ctx)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Backend: c.backend,
		Entries: n,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Errors:  c.errors.Load(),
	}, nil
}

// Purge removes expired entries, or everything when expiredOnly is false.
// It returns the number of removed entries, -1 when the backend cannot tell.
func (c *Cache) Purge(ctx context.Context, expiredOnly bool) (int64, error) {
	if expiredOnly {
		n, err := c.store.DeleteExpired(ctx, c.now())
		if err != nil {
			return 0, fmt.Errorf("cache purge expired: %w", err)
		}
		return n, nil
	}
	before, err := c.store.Count(ctx)
	if err != nil {
		before = -1
	}
	if err := c.store.Clear(ctx); err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return before, nil
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.store.Close()
}

func (c *Cache) miss(result string) {
	c.misses.Add(1)
	c.metrics.ObserveCacheLookup(result)
}

func (c *Cache) fail(op string, key Key, err error) {
	c.errors.Add(1)
	c.metrics.ObserveCacheError(op)
	c.logger.Warn("cache "+op+" failed",
		zap.String("backend", c.backend),
		zap.String("key", string(key)),
		zap.Error(err),
	)
}
