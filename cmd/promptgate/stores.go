package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pario-ai/promptgate/pkg/cache"
	"github.com/pario-ai/promptgate/pkg/cache/memory"
	rediscache "github.com/pario-ai/promptgate/pkg/cache/redis"
	"github.com/pario-ai/promptgate/pkg/cache/sqlite"
	"github.com/pario-ai/promptgate/pkg/config"
	"github.com/pario-ai/promptgate/pkg/metrics"
	"github.com/pario-ai/promptgate/pkg/ratelimit"
)

const redisConnectAttempts = 5

// connectRedis opens a client and pings it with exponential backoff.
func connectRedis(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(eb, redisConnectAttempts-1), ctx)

	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return client.Ping(pctx).Err()
	}
	notify := func(err error, d time.Duration) {
		log.Warn("redis not ready, retrying", zap.String("addr", cfg.Addr), zap.Duration("in", d), zap.Error(err))
	}
	if err := backoff.RetryNotify(ping, b, notify); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func redisPrefix(cfg config.RedisConfig, suffix string) string {
	if cfg.KeyPrefix == "" {
		return ""
	}
	return cfg.KeyPrefix + ":" + suffix
}

// openCacheStore opens the configured cache backend. client is only used
// by the redis backend.
func openCacheStore(cfg *config.Config, client goredis.UniversalClient, log *zap.Logger) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case config.BackendSQLite:
		s, err := sqlite.New(cfg.DBPath,
			sqlite.WithSweepInterval(cfg.Cache.SweepInterval),
			sqlite.WithLogger(log.Named("cache")),
		)
		if err != nil {
			return nil, fmt.Errorf("init cache: %w", err)
		}
		return s, nil
	case config.BackendRedis:
		return rediscache.New(client, redisPrefix(cfg.Redis, "cache")), nil
	case config.BackendMemory:
		return memory.New(cfg.Cache.SweepInterval), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

func openCache(cfg *config.Config, client goredis.UniversalClient, log *zap.Logger, m *metrics.Metrics) (*cache.Cache, error) {
	store, err := openCacheStore(cfg, client, log)
	if err != nil {
		return nil, err
	}
	c, err := cache.New(store,
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithNormalize(cfg.Cache.Normalize),
		cache.WithLogger(log.Named("cache")),
		cache.WithMetrics(m),
		cache.WithBackendName(cfg.Cache.Backend),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}
	return c, nil
}

func newLimiter(cfg *config.Config, client goredis.UniversalClient, log *zap.Logger, m *metrics.Metrics) (*ratelimit.Limiter, error) {
	policies, err := cfg.RateLimit.Policies()
	if err != nil {
		return nil, err
	}
	opts := []ratelimit.Option{
		ratelimit.WithGCProbability(cfg.RateLimit.GCProbability),
		ratelimit.WithLogger(log.Named("ratelimit")),
		ratelimit.WithMetrics(m),
	}
	if cfg.RateLimit.Backend == config.BackendRedis {
		opts = append(opts, ratelimit.WithStore(ratelimit.NewRedisStore(client, redisPrefix(cfg.Redis, "ratelimit"))))
	}
	return ratelimit.New(policies, opts...)
}
