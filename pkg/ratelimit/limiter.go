// Package ratelimit implements an exact sliding-log rate limiter over a table
// of named policies.
//
// Every (category, identifier) pair owns a log of admitted request timestamps.
// A check drops timestamps that fell out of the window and admits the request
// only if fewer than MaxRequests remain. Windows with no recent timestamps are
// removed lazily by a probabilistic GC pass instead of per-key timers.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/promptgate/pkg/metrics"
)

// DefaultGCProbability is the share of checks that trigger a GC pass.
const DefaultGCProbability = 0.01

// Decision is the outcome of a Check or Peek.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Current counts the timestamps in the window including this request when admitted.
	Current int
	ResetAt time.Time
}

// RetryAfter returns the whole seconds until ResetAt, at least 1.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// ResetUnix returns ResetAt as unix seconds, rounded up.
func (d Decision) ResetUnix() int64 {
	ms := d.ResetAt.UnixMilli()
	return (ms + 999) / 1000
}

// Stats summarizes the retained windows.
type Stats struct {
	TotalIdentifiers int              `json:"totalIdentifiers"`
	ByCategory       map[Category]int `json:"byCategory"`
}

// Limiter admits or rejects requests per (category, identifier).
type Limiter struct {
	policies      Policies
	store         WindowStore
	now           func() time.Time
	random        func() float64
	gcProbability float64
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithStore replaces the default MemoryStore.
func WithStore(s WindowStore) Option {
	return func(l *Limiter) { l.store = s }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithGCProbability sets the share of checks that run GC first. Zero disables it.
func WithGCProbability(p float64) Option {
	return func(l *Limiter) { l.gcProbability = p }
}

// WithRandom sets the source used for the GC coin flip.
func WithRandom(f func() float64) Option {
	return func(l *Limiter) { l.random = f }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Limiter) { l.logger = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a Limiter. All policies are validated up front.
func New(policies Policies, opts ...Option) (*Limiter, error) {
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		policies:      policies,
		store:         NewMemoryStore(),
		now:           time.Now,
		random:        rand.Float64,
		gcProbability: DefaultGCProbability,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Policy returns the effective policy for c.
func (l *Limiter) Policy(c Category) (Policy, error) {
	return l.policies.Lookup(c)
}

// Policies returns a copy of the effective policy table.
func (l *Limiter) Policies() Policies {
	out := make(Policies, len(l.policies))
	for k, v := range l.policies {
		out[k] = v
	}
	return out
}

// Check records a request for identifier under category if the window has room.
// A rejected request does not consume a slot.
func (l *Limiter) Check(ctx context.Context, identifier string, category Category) (Decision, error) {
	if l.gcProbability > 0 && l.random() < l.gcProbability {
		if _, err := l.GC(ctx); err != nil {
			l.logger.Warn("rate limit gc failed", zap.Error(err))
		}
	}
	d, err := l.evaluate(ctx, identifier, category, true)
	if err != nil {
		return Decision{}, err
	}
	l.metrics.ObserveRateLimit(string(category), d.Allowed)
	if !d.Allowed {
		l.logger.Debug("rate limit exceeded",
			zap.String("category", string(category)),
			zap.String("identifier", identifier),
			zap.Int("limit", d.Limit),
		)
	}
	return d, nil
}

// Peek reports what Check would decide without recording anything.
func (l *Limiter) Peek(ctx context.Context, identifier string, category Category) (Decision, error) {
	return l.evaluate(ctx, identifier, category, false)
}

func (l *Limiter) evaluate(ctx context.Context, identifier string, category Category, record bool) (Decision, error) {
	pol, err := l.policies.Lookup(category)
	if err != nil {
		return Decision{}, err
	}

	now := l.now()
	u, err := l.store.Hit(ctx, windowKey(category, identifier), now, pol.Window, pol.MaxRequests, record)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit store: %w", err)
	}

	d := Decision{
		Allowed: u.Admitted,
		Limit:   pol.MaxRequests,
		Current: u.Count,
		ResetAt: now.Add(pol.Window),
	}
	if !record {
		d.Allowed = u.Count < pol.MaxRequests
	}
	used := u.Count
	if u.Admitted {
		used++
		d.Current++
	}
	d.Remaining = max(0, pol.MaxRequests-used)
	if !u.Oldest.IsZero() {
		d.ResetAt = u.Oldest.Add(pol.Window)
	}
	return d, nil
}

// Reset forgets the window of identifier under category.
func (l *Limiter) Reset(ctx context.Context, identifier string, category Category) error {
	if _, err := l.policies.Lookup(category); err != nil {
		return err
	}
	return l.store.Delete(ctx, windowKey(category, identifier))
}

// GC drops timestamps older than twice the window of each key's category and
// deletes windows left empty. It returns the number of windows removed.
func (l *Limiter) GC(ctx context.Context) (int, error) {
	removed, err := l.store.Sweep(ctx, l.now(), l.horizon)
	if err != nil {
		return 0, fmt.Errorf("rate limit sweep: %w", err)
	}
	if l.metrics != nil {
		if keys, err := l.store.Keys(ctx); err == nil {
			l.metrics.SetRateLimitWindows(len(keys))
		}
	}
	if removed > 0 {
		l.logger.Debug("rate limit windows collected", zap.Int("removed", removed))
	}
	return removed, nil
}

// Stats counts retained windows per category.
func (l *Limiter) Stats(ctx context.Context) (Stats, error) {
	keys, err := l.store.Keys(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("rate limit stats: %w", err)
	}
	st := Stats{TotalIdentifiers: len(keys), ByCategory: make(map[Category]int)}
	for _, k := range keys {
		c, _ := splitWindowKey(k)
		st.ByCategory[c]++
	}
	return st, nil
}

// horizon is the GC retention for a window key: twice its category window.
// Keys of unknown categories use the longest configured window.
func (l *Limiter) horizon(key string) time.Duration {
	c, _ := splitWindowKey(key)
	if pol, ok := l.policies[c]; ok {
		return 2 * pol.Window
	}
	var longest time.Duration
	for _, pol := range l.policies {
		longest = max(longest, pol.Window)
	}
	return 2 * longest
}

func windowKey(c Category, identifier string) string {
	return string(c) + ":" + identifier
}

func splitWindowKey(key string) (Category, string) {
	c, id, _ := strings.Cut(key, ":")
	return Category(c), id
}
