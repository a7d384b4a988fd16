package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/promptgate/pkg/cache"
	"github.com/pario-ai/promptgate/pkg/config"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, cleanup, err := openCacheForCLI(ctx, configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Backend:\t%s\n", stats.Backend)
			fmt.Fprintf(w, "Entries:\t%d\n", stats.Entries)
			fmt.Fprintf(w, "TTL:\t%s\n", c.TTL())
			return w.Flush()
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, cleanup, err := openCacheForCLI(ctx, configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := c.Purge(ctx, expiredOnly)
			if err != nil {
				return err
			}
			if expiredOnly {
				fmt.Printf("%d expired cache entries cleared.\n", n)
			} else {
				fmt.Printf("%d cache entries cleared.\n", n)
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file, empty for defaults")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

// openCacheForCLI opens the configured cache without the background sweeper.
func openCacheForCLI(ctx context.Context, configPath string) (*cache.Cache, func(), error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg.Cache.SweepInterval = 0
	log := zap.NewNop()

	var client *goredis.Client
	if cfg.Cache.Backend == config.BackendRedis {
		client, err = connectRedis(ctx, cfg.Redis, log)
		if err != nil {
			return nil, nil, err
		}
	}
	c, err := openCache(cfg, client, log, nil)
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return nil, nil, err
	}
	return c, func() {
		_ = c.Close()
		if client != nil {
			_ = client.Close()
		}
	}, nil
}
