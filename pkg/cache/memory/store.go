// Package memory is the in-process backend of the response cache, built on
// patrickmn/go-cache. Entries are lost on restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pario-ai/promptgate/pkg/cache"
	"github.com/pario-ai/promptgate/pkg/models"
)

// Store keeps cached responses in memory. Each item expires at its
// ExpiresAt; a sweeper removes them every sweep interval until Close.
type Store struct {
	items *gocache.Cache
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// New creates a Store swept every sweepInterval. A non-positive interval
// disables the sweeper.
func New(sweepInterval time.Duration) *Store {
	// go-cache's own janitor only stops on finalization
	s := &Store{
		items: gocache.New(gocache.NoExpiration, 0),
		done:  make(chan struct{}),
	}
	if sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(sweepInterval)
	}
	return s
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.items.DeleteExpired()
		}
	}
}

// FindByKey implements cache.Store.
func (s *Store) FindByKey(_ context.Context, key string) (models.CachedResponse, error) {
	v, ok := s.items.Get(key)
	if !ok {
		return models.CachedResponse{}, cache.ErrNotFound
	}
	entry, ok := v.(models.CachedResponse)
	if !ok {
		return models.CachedResponse{}, fmt.Errorf("unexpected cache item %T", v)
	}
	return entry, nil
}

// Insert implements cache.Store.
func (s *Store) Insert(_ context.Context, entry models.CachedResponse) error {
	ttl, ok := lifetime(entry)
	if !ok {
		return nil
	}
	if err := s.items.Add(entry.Key, entry, ttl); err != nil {
		return cache.ErrDuplicateKey
	}
	return nil
}

// UpdateByKey implements cache.Store.
func (s *Store) UpdateByKey(_ context.Context, entry models.CachedResponse) error {
	ttl, ok := lifetime(entry)
	if !ok {
		return nil
	}
	if err := s.items.Replace(entry.Key, entry, ttl); err != nil {
		return cache.ErrNotFound
	}
	return nil
}

// DeleteExpired implements cache.Store. go-cache judges expiry against the
// wall clock, so now is only used by the read-time guard in cache.Cache.
func (s *Store) DeleteExpired(context.Context, time.Time) (int64, error) {
	before := s.items.ItemCount()
	s.items.DeleteExpired()
	return int64(before - s.items.ItemCount()), nil
}

// Clear implements cache.Store.
func (s *Store) Clear(context.Context) error {
	s.items.Flush()
	return nil
}

// Count implements cache.Store. Expired items not yet swept are included.
func (s *Store) Count(context.Context) (int64, error) {
	return int64(s.items.ItemCount()), nil
}

// Close stops the sweeper and drops every item. It is safe to call twice.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.items.Flush()
	})
	return nil
}

func lifetime(entry models.CachedResponse) (time.Duration, bool) {
	ttl := entry.ExpiresAt.Sub(entry.CreatedAt)
	return ttl, ttl > 0
}
