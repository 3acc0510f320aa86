package main

import (
	"fmt"
	"runtime"

	"docsync/cmd/internal/app"

	"github.com/spf13/cobra"
)

// Set at build time: -ldflags "-X main.version=v1.2.3 -X main.commit=abc123".
var (
	version = "dev"
	commit  = "none"
)

func newRootCmd() *cobra.Command {
	var opts app.Options

	serve := func(cmd *cobra.Command, _ []string) error {
		return app.Run(opts)
	}

	rootCmd := &cobra.Command{
		Use:   "docsync",
		Short: "Collaborative document sync server",
		Long: `docsync serves named text documents to multiple clients at once.

Clients connect over framed TCP (default :5000) or WebSocket (/ws on the HTTP
address, default :8080). Every edit is broadcast in full to the other clients
viewing the same document, and the last 10 prior versions can be restored.

If no subcommand is specified, the server is started.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}

	rootCmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "Configuration file (YAML); defaults to ./docsync.yaml when present")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the document sync server",
		Long: `Run the TCP listener and the HTTP server (health, metrics, WebSocket and
read-only document introspection) until SIGINT or SIGTERM.

Examples:
  # Defaults: TCP :5000, HTTP :8080
  docsync serve

  # Custom config with debug logging
  docsync serve --config /etc/docsync.yaml --log-level debug

  # Environment overrides
  DOCSYNC_TCP_ADDR=127.0.0.1:6000 DOCSYNC_LOG_FORMAT=text docsync serve`,
		Args: cobra.NoArgs,
		RunE: serve,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "docsync %s (commit %s, %s)\n", version, commit, runtime.Version())
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	return rootCmd
}
