// Command rawserve is the CLI entrypoint: a root cobra.Command exposing
// `serve` (boots the listener) and `routes validate` (parses and prints
// the resolved rewrite/redirect table without starting a listener). The
// root command owns a persistent --config flag; each subcommand's RunE
// loads the config from that path and uses it explicitly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rawserve/core/internal/config"
	"github.com/rawserve/core/internal/rlog"
	"github.com/rawserve/core/internal/server"
	"github.com/rawserve/core/internal/vhost"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "rawserve",
		Short: "A self-contained HTTP/1.1, HTTP/2, WebSocket and SSE runtime",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the server configuration file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newRoutesCommand(&configPath))
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Boot the listener and serve connections until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := rlog.New(rlog.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			srv := server.New(cfg, log)
			return srv.ListenAndServe(ctx)
		},
	}
}

func newRoutesCommand(configPath *string) *cobra.Command {
	routes := &cobra.Command{
		Use:   "routes",
		Short: "Inspect the resolved virtual-host and routing-rule table",
	}
	routes.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Parse the routing rules file and print the resolved table without starting a listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			table := vhost.NewTable(cfg.Vhosts.DefaultWebroot, cfg.Vhosts.Hosts)
			if cfg.Routing.RulesFile == "" {
				fmt.Println("no routing.rules_file configured; table has no rules")
				return nil
			}
			rules, err := vhost.LoadRulesFile(cfg.Routing.RulesFile)
			if err != nil {
				return err
			}
			table.SetRules(rules)
			for _, r := range rules {
				if r.Kind == vhost.KindRedirect {
					fmt.Printf("redirect %d: %s -> %s\n", r.Status, r.From, r.To)
				} else {
					fmt.Printf("rewrite: %s -> %s\n", r.From, r.To)
				}
			}
			return nil
		},
	})
	return routes
}

