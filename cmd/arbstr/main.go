// Command arbstr is an LLM cost-arbitrage reverse proxy. It exposes an
// OpenAI-compatible /v1/chat/completions endpoint and routes each request
// to the cheapest configured upstream provider.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arbstr/arbstr/internal/app"
	"github.com/arbstr/arbstr/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "arbstr",
		Short:        "Cost-arbitrage proxy for OpenAI-compatible LLM providers",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newCheckCmd(), newProvidersCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sources, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config %s: %w", configPath, err)
			}
			srv, err := app.NewServer(cfg, sources)
			if err != nil {
				return err
			}
			defer srv.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "arbstr.toml", "path to the TOML config file")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <config>",
		Short: "Validate a config file and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d providers, listen %s)\n",
				args[0], len(cfg.Providers), cfg.Server.Listen)
			return nil
		},
	}
}

func newProvidersCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List configured providers, their rates, and API key sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sources, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config %s: %w", configPath, err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tURL\tMODELS\tIN/1K\tOUT/1K\tFEE\tKEY")
			for _, p := range cfg.Providers {
				models := "*"
				if len(p.Models) > 0 {
					models = strings.Join(p.Models, ",")
				}
				key := "none"
				if src, ok := sources[p.Name]; ok {
					key = src.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					p.Name, p.URL, models, p.InputRate, p.OutputRate, p.BaseFee, key)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "arbstr.toml", "path to the TOML config file")
	return cmd
}
