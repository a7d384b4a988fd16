package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/promptgate/pkg/cache"
	"github.com/pario-ai/promptgate/pkg/config"
	"github.com/pario-ai/promptgate/pkg/gateway"
	"github.com/pario-ai/promptgate/pkg/logging"
	"github.com/pario-ai/promptgate/pkg/metrics"
	"github.com/pario-ai/promptgate/pkg/provider"
	"github.com/pario-ai/promptgate/pkg/ratelimit"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"proxy"},
		Short:   "Start the completion gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log, closeLog, err := logging.New(cfg.Log)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = closeLog() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m := metrics.New()

			var client *goredis.Client
			if cfg.UsesRedis() {
				client, err = connectRedis(ctx, cfg.Redis, log)
				if err != nil {
					return err
				}
				defer func() { _ = client.Close() }()
			}

			limiter, err := newLimiter(cfg, client, log, m)
			if err != nil {
				return fmt.Errorf("init rate limiter: %w", err)
			}
			logPolicies(log, limiter)

			var c *cache.Cache
			if cfg.Cache.Enabled {
				c, err = openCache(cfg, client, log, m)
				if err != nil {
					return err
				}
				defer func() { _ = c.Close() }()
			}

			if cfg.Provider.APIKey == "" {
				log.Warn("provider.api_key is empty, upstream calls will be rejected")
			}

			srv, err := gateway.New(cfg, gateway.Deps{
				Limiter:   limiter,
				Cache:     c,
				Completer: provider.NewAnthropic(cfg.Provider, provider.WithMetrics(m)),
				Logger:    log,
				Metrics:   m,
			})
			if err != nil {
				return err
			}

			log.Info("starting promptgate",
				zap.String("version", version),
				zap.String("config", configPath),
				zap.Bool("cache", cfg.Cache.Enabled),
				zap.String("cache_backend", cfg.Cache.Backend),
				zap.String("rate_limit_backend", cfg.RateLimit.Backend),
			)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file, empty for defaults")
	return cmd
}

func logPolicies(log *zap.Logger, l *ratelimit.Limiter) {
	base := ratelimit.DefaultPolicies()
	for c, p := range l.Policies() {
		if d, ok := base[c]; ok && d == p {
			continue
		}
		log.Info("rate limit policy overridden",
			zap.String("category", string(c)),
			zap.Duration("window", p.Window),
			zap.Int("max_requests", p.MaxRequests),
		)
	}
}
