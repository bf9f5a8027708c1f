// Package main provides the CLI entry point for the runloop agent server.
//
// runloop serves LLM agents over HTTP: a /chat endpoint with optional SSE
// streaming, human-in-the-loop approval inspection, an auth callback for
// resuming authorization-suspended runs, and a WebSocket event feed.
//
// # Basic Usage
//
// Start the server:
//
//	runloop serve --config runloop.yaml
//
// Inspect the configured agents:
//
//	runloop agents list
//	runloop agents show support
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - RUNLOOP_CONFIG: Path to configuration file (default: runloop.yaml)
//   - RUNLOOP_ANTHROPIC_API_KEY: Anthropic API key
//   - RUNLOOP_OPENAI_API_KEY: OpenAI API key
//   - RUNLOOP_GOOGLE_API_KEY: Google Gemini API key
//   - RUNLOOP_BEDROCK_REGION: AWS region for Bedrock
//   - RUNLOOP_MEMORY_DRIVER: Conversation store driver (memory/postgres/sqlite)
//   - RUNLOOP_AUTH_DRIVER: Credential store driver (memory/redis)
//
// The full override table is documented in internal/config.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// defaultConfigName is the config file probed in the working directory when
// neither --config nor RUNLOOP_CONFIG names one.
const defaultConfigName = "runloop.yaml"

// main is the entry point for the runloop CLI.
func main() {
	// Configure structured logging with JSON output for production parsing.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "runloop",
		Short: "runloop - LLM agent run engine",
		Long: `runloop serves LLM agents over HTTP with tool execution, human-in-the-loop
approvals, and OAuth-backed tool authorization.

Supported model providers: Anthropic, OpenAI, Google Gemini, AWS Bedrock
Conversation stores: in-memory, PostgreSQL, SQLite
Credential stores: in-memory, Redis

Documentation: https://github.com/haasonsaas/runloop`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildAgentsCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the RUNLOOP_CONFIG override when the flag was
// left at its default.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) == "" || path == defaultConfigName {
		if env := strings.TrimSpace(os.Getenv("RUNLOOP_CONFIG")); env != "" {
			return env
		}
		return defaultConfigName
	}
	return path
}
