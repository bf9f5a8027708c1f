package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the agent server.
// This is the primary command for running runloop in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the runloop agent server",
		Long: `Start the runloop agent server with the configured providers and stores.

The server will:
1. Load configuration from the specified file (or runloop.yaml)
2. Open the conversation and credential stores
3. Initialize the configured model providers
4. Register agents from the config and the agents file
5. Serve the HTTP boundary (chat, approvals, auth callback, metrics)

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  runloop serve

  # Start with custom config
  runloop serve --config /etc/runloop/production.yaml

  # Start with debug logging
  runloop serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}
