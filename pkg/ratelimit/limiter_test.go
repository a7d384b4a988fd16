package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, clock *fakeClock, opts ...Option) *Limiter {
	t.Helper()
	base := []Option{WithClock(clock.Now), WithGCProbability(0)}
	l, err := New(DefaultPolicies(), append(base, opts...)...)
	require.NoError(t, err)
	return l
}

func TestDefaultPolicies(t *testing.T) {
	p := DefaultPolicies()
	want := map[Category]int{
		CategoryExpensiveExternalCall: 30,
		CategoryStandardAPI:           60,
		CategoryAdminAPI:              30,
		CategoryReadAPI:               120,
	}
	require.Len(t, p, len(want))
	for c, max := range want {
		assert.Equal(t, time.Minute, p[c].Window, c)
		assert.Equal(t, max, p[c].MaxRequests, c)
		assert.NotEmpty(t, p[c].Message, c)
	}
}

func TestCheckAdmitsUpToMaxForEveryCategory(t *testing.T) {
	ctx := context.Background()
	for c, pol := range DefaultPolicies() {
		t.Run(string(c), func(t *testing.T) {
			clock := newFakeClock()
			l := newTestLimiter(t, clock)

			for i := 0; i < pol.MaxRequests; i++ {
				d, err := l.Check(ctx, "10.0.0.1", c)
				require.NoError(t, err)
				require.True(t, d.Allowed, "request %d should be admitted", i+1)
				clock.Advance(10 * time.Millisecond)
			}

			d, err := l.Check(ctx, "10.0.0.1", c)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, 0, d.Remaining)
			assert.Equal(t, pol.MaxRequests, d.Current)
		})
	}
}

func TestRemainingDecreasesByOne(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)
	ctx := context.Background()

	prev := 30
	for i := 0; i < 30; i++ {
		d, err := l.Check(ctx, "client", CategoryExpensiveExternalCall)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Equal(t, prev-1, d.Remaining)
		prev = d.Remaining
	}
	assert.Equal(t, 0, prev)
}

func TestWindowSlides(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)
	ctx := context.Background()
	start := clock.Now()

	for i := 0; i < 30; i++ {
		_, err := l.Check(ctx, "client", CategoryAdminAPI)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	d, err := l.Check(ctx, "client", CategoryAdminAPI)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, start.Add(time.Minute), d.ResetAt)

	// the first timestamp leaves the window exactly one window after it was taken
	clock.Advance(start.Add(time.Minute).Sub(clock.Now()))
	d, err = l.Check(ctx, "client", CategoryAdminAPI)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// only one slot freed up
	d, err = l.Check(ctx, "client", CategoryAdminAPI)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRejectedRequestIsNotCounted(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		_, _ = l.Check(ctx, "client", CategoryExpensiveExternalCall)
	}
	for i := 0; i < 5; i++ {
		d, err := l.Check(ctx, "client", CategoryExpensiveExternalCall)
		require.NoError(t, err)
		require.False(t, d.Allowed)
		assert.Equal(t, 30, d.Current)
	}

	clock.Advance(time.Minute)
	d, err := l.Check(ctx, "client", CategoryExpensiveExternalCall)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Current)
	assert.Equal(t, 29, d.Remaining)
}

func TestResetAtEmptyWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)

	d, err := l.Peek(context.Background(), "nobody", CategoryReadAPI)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 120, d.Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute), d.ResetAt)
}

func TestPeekDoesNotRecord(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.Peek(ctx, "client", CategoryStandardAPI)
		require.NoError(t, err)
	}
	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.TotalIdentifiers)

	d, err := l.Check(ctx, "client", CategoryStandardAPI)
	require.NoError(t, err)
	assert.Equal(t, 59, d.Remaining)

	d, err = l.Peek(ctx, "client", CategoryStandardAPI)
	require.NoError(t, err)
	assert.Equal(t, 59, d.Remaining)
	assert.Equal(t, 1, d.Current)
}

func TestIdentifiersAndCategoriesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		_, _ = l.Check(ctx, "a", CategoryAdminAPI)
	}
	d, _ := l.Check(ctx, "a", CategoryAdminAPI)
	require.False(t, d.Allowed)

	d, err := l.Check(ctx, "b", CategoryAdminAPI)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Check(ctx, "a", CategoryReadAPI)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestUnknownCategory(t *testing.T) {
	l := newTestLimiter(t, newFakeClock())

	_, err := l.Check(context.Background(), "client", Category("games"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownCategory))

	err = l.Reset(context.Background(), "client", Category("games"))
	assert.True(t, errors.Is(err, ErrUnknownCategory))
}

func TestNewRejectsInvalidPolicies(t *testing.T) {
	_, err := New(Policies{CategoryReadAPI: {Window: 0, MaxRequests: 1}})
	assert.Error(t, err)

	_, err = New(Policies{})
	assert.Error(t, err)
}

func TestGCRemovesStaleWindows(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)
	ctx := context.Background()

	_, _ = l.Check(ctx, "old", CategoryReadAPI)
	clock.Advance(90 * time.Second)
	_, _ = l.Check(ctx, "recent", CategoryReadAPI)

	// "old" is 90s old: outside its window but inside the 2x GC horizon
	removed, err := l.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	clock.Advance(31 * time.Second)
	removed, err = l.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalIdentifiers)
	assert.Equal(t, 1, st.ByCategory[CategoryReadAPI])
}

func TestCheckRunsProbabilisticGC(t *testing.T) {
	clock := newFakeClock()
	var flips atomic.Int32
	l := newTestLimiter(t, clock,
		WithGCProbability(0.5),
		WithRandom(func() float64 {
			// first call skips GC, later calls run it
			if flips.Add(1) == 1 {
				return 0.9
			}
			return 0.1
		}),
	)
	ctx := context.Background()

	_, _ = l.Check(ctx, "stale", CategoryStandardAPI)
	clock.Advance(3 * time.Minute)
	_, _ = l.Check(ctx, "fresh", CategoryStandardAPI)

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalIdentifiers)
}

func TestResetClearsWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		_, _ = l.Check(ctx, "client", CategoryAdminAPI)
	}
	require.NoError(t, l.Reset(ctx, "client", CategoryAdminAPI))

	d, err := l.Check(ctx, "client", CategoryAdminAPI)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 29, d.Remaining)
}

func TestConcurrentChecksNeverOveradmit(t *testing.T) {
	l := newTestLimiter(t, newFakeClock())
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Check(ctx, "shared", CategoryExpensiveExternalCall)
			if err == nil && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(30), admitted.Load())
}

func TestDecisionRetryAfterAndResetUnix(t *testing.T) {
	now := time.Unix(1000, 0)
	d := Decision{ResetAt: now.Add(1500 * time.Millisecond)}
	assert.Equal(t, 2, d.RetryAfter(now))
	assert.Equal(t, int64(1002), d.ResetUnix())

	d = Decision{ResetAt: now}
	assert.Equal(t, 1, d.RetryAfter(now))
	assert.Equal(t, int64(1000), d.ResetUnix())
}

func TestPoliciesWithOverride(t *testing.T) {
	ten := 10
	p, err := DefaultPolicies().With(CategoryExpensiveExternalCall, Override{MaxRequests: &ten})
	require.NoError(t, err)
	assert.Equal(t, 10, p[CategoryExpensiveExternalCall].MaxRequests)
	assert.Equal(t, time.Minute, p[CategoryExpensiveExternalCall].Window)
	assert.Equal(t, DefaultPolicies()[CategoryExpensiveExternalCall].Message, p[CategoryExpensiveExternalCall].Message)

	// the source table is untouched
	assert.Equal(t, 30, DefaultPolicies()[CategoryExpensiveExternalCall].MaxRequests)

	zero := 0
	_, err = DefaultPolicies().With(CategoryReadAPI, Override{MaxRequests: &zero})
	assert.Error(t, err)

	_, err = DefaultPolicies().With(Category("nope"), Override{})
	assert.True(t, errors.Is(err, ErrUnknownCategory))
}

func TestMemoryStoreOrdersLateTimestamps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Hit(ctx, "k", t0.Add(10*time.Millisecond), time.Second, 10, true)
	require.NoError(t, err)
	// a caller that read the clock earlier but got the lock later
	u, err := s.Hit(ctx, "k", t0.Add(5*time.Millisecond), time.Second, 10, true)
	require.NoError(t, err)
	assert.True(t, u.Admitted)
	assert.Equal(t, t0.Add(5*time.Millisecond), u.Oldest)

	u, err = s.Hit(ctx, "k", t0.Add(7*time.Millisecond+time.Second), time.Second, 10, false)
	require.NoError(t, err)
	assert.Equal(t, 1, u.Count)
	assert.Equal(t, t0.Add(10*time.Millisecond), u.Oldest)
}

func TestOverrideMerge(t *testing.T) {
	ten := 10
	msg := "slow down"
	base := Override{MaxRequests: &ten}

	got := Override{Message: &msg}.Merge(base)
	require.NotNil(t, got.MaxRequests)
	assert.Equal(t, 10, *got.MaxRequests)
	assert.Equal(t, "slow down", *got.Message)
	assert.Nil(t, got.Window)

	five := 5
	got = Override{MaxRequests: &five}.Merge(base)
	assert.Equal(t, 5, *got.MaxRequests)
}
