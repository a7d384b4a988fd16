package models

import "time"

// CachedResponse is a stored completion keyed by prompt hash.
// Value is opaque to the cache; the gateway stores the JSON it serves.
type CachedResponse struct {
	Key       string    `json:"cache_key"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry must be treated as absent at now.
func (c CachedResponse) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Backend string `json:"backend"`
	Entries int64  `json:"entries"`
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	Errors  int64  `json:"errors"`
}
