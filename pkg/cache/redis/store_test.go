package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/promptgate/pkg/cache"
	"github.com/pario-ai/promptgate/pkg/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "t:cache"), mr
}

func entry(key, value string, ttl time.Duration) models.CachedResponse {
	return models.CachedResponse{Key: key, Value: []byte(value), CreatedAt: base, ExpiresAt: base.Add(ttl)}
}

func TestInsertFindAndTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, entry("k1", `"hi"`, time.Hour)))
	assert.Equal(t, time.Hour, mr.TTL("t:cache:k1"))

	got, err := s.FindByKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, `"hi"`, string(got.Value))
	assert.True(t, base.Equal(got.CreatedAt))
	assert.True(t, base.Add(time.Hour).Equal(got.ExpiresAt))

	err = s.Insert(ctx, entry("k1", `"other"`, time.Hour))
	assert.True(t, errors.Is(err, cache.ErrDuplicateKey))

	mr.FastForward(time.Hour)
	_, err = s.FindByKey(ctx, "k1")
	assert.True(t, errors.Is(err, cache.ErrNotFound))
}

func TestUpdateByKey(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	err := s.UpdateByKey(ctx, entry("k", "a", time.Hour))
	assert.True(t, errors.Is(err, cache.ErrNotFound))
	assert.False(t, mr.Exists("t:cache:k"))

	require.NoError(t, s.Insert(ctx, entry("k", "a", time.Minute)))
	require.NoError(t, s.UpdateByKey(ctx, entry("k", "b", time.Hour)))
	assert.Equal(t, time.Hour, mr.TTL("t:cache:k"))

	got, err := s.FindByKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "b", string(got.Value))
}

func TestNonPositiveTTLIsNotStored(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, s.Insert(context.Background(), entry("k", "a", 0)))
	assert.False(t, mr.Exists("t:cache:k"))
}

func TestCountAndClear(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("unrelated", "x"))
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Insert(ctx, entry(k, "v", time.Hour)))
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	removed, err := s.DeleteExpired(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	require.NoError(t, s.Clear(ctx))
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.True(t, mr.Exists("unrelated"))
}

func TestCacheSurvivesRedisOutage(t *testing.T) {
	s, mr := newTestStore(t)
	c, err := cache.New(s, cache.WithBackendName("redis"))
	require.NoError(t, err)
	ctx := context.Background()

	mr.Close()

	key := c.Key("prompt")
	c.Store(ctx, key, []byte(`"x"`))
	_, ok := c.Lookup(ctx, key)
	assert.False(t, ok)

	// Stats needs the backend for the entry count
	_, err = c.Stats(ctx)
	assert.Error(t, err)
}
