package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pario-ai/promptgate/pkg/config"
)

func newRateLimitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect rate limit policies",
	}

	policiesCmd := &cobra.Command{
		Use:   "policies",
		Short: "Show the effective policy per category",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return err
			}
			policies, err := cfg.RateLimit.Policies()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CATEGORY\tWINDOW\tMAX\tMESSAGE")
			for _, c := range policies.Categories() {
				p := policies[c]
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c, p.Window, p.MaxRequests, p.Message)
			}
			return w.Flush()
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file, empty for defaults")
	cmd.AddCommand(policiesCmd)
	return cmd
}
