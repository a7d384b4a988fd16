package ratelimit

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Usage is the state of one window after a Hit.
type Usage struct {
	// Count is the number of timestamps inside the window before this hit.
	Count int
	// Admitted reports whether the hit was recorded.
	Admitted bool
	// Oldest is the oldest retained timestamp, zero when the window is empty.
	Oldest time.Time
}

// WindowStore keeps the per-key timestamp logs.
//
// Implementations must make Hit atomic per key: prune, count and the
// conditional append happen as one step.
type WindowStore interface {
	// Hit drops timestamps at or before now-window, then appends now when
	// record is set and fewer than max timestamps remain.
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, max int, record bool) (Usage, error)
	// Delete forgets the window for key.
	Delete(ctx context.Context, key string) error
	// Sweep drops timestamps older than horizon(key) and deletes empty windows.
	// It returns the number of windows deleted.
	Sweep(ctx context.Context, now time.Time, horizon func(key string) time.Duration) (int, error)
	// Keys lists the keys of all retained windows.
	Keys(ctx context.Context) ([]string, error)
}

// MemoryStore is a process-local WindowStore. Each process enforces its own
// limits; use RedisStore to share windows between instances.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

// Hit implements WindowStore.
func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, window time.Duration, max int, record bool) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := prune(s.windows[key], now.Add(-window))
	u := Usage{Count: len(ts)}
	if record && u.Count < max {
		// concurrent callers may read the clock out of order
		i := sort.Search(len(ts), func(i int) bool { return ts[i].After(now) })
		ts = slices.Insert(ts, i, now)
		u.Admitted = true
	}
	if len(ts) > 0 {
		u.Oldest = ts[0]
	}

	if len(ts) == 0 {
		delete(s.windows, key)
		return u, nil
	}
	s.windows[key] = ts
	return u, nil
}

// Delete implements WindowStore.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
	return nil
}

// Sweep implements WindowStore.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time, horizon func(key string) time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, ts := range s.windows {
		ts = prune(ts, now.Add(-horizon(key)))
		if len(ts) == 0 {
			delete(s.windows, key)
			removed++
			continue
		}
		s.windows[key] = ts
	}
	return removed, nil
}

// Keys implements WindowStore.
func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.windows))
	for k := range s.windows {
		keys = append(keys, k)
	}
	return keys, nil
}

// prune drops the leading timestamps at or before cutoff. Hit keeps the log sorted.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(ts), func(i int) bool { return ts[i].After(cutoff) })
	if i == 0 {
		return ts
	}
	out := make([]time.Time, len(ts)-i)
	copy(out, ts[i:])
	return out
}
