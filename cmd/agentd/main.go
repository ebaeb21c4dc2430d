// Package main provides the agentd CLI: the KohTravel agent runtime server
// and its operator commands.
//
// # Basic Usage
//
// Start the server:
//
//	agentd serve --config agentd.yaml
//
// Run one turn from the terminal:
//
//	agentd chat "What is on my itinerary for Chiang Mai?"
//
// # Environment Variables
//
//   - AGENTD_CONFIG: path to the configuration file (default: agentd.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY: provider keys used
//     when the file sets none
//   - KOHTRAVEL_TOOLS_URL: the collaborator tools endpoint
//   - DATABASE_URL: the PostgreSQL DSN for the postgres session store
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
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
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentd",
		Short: "agentd - KohTravel LLM agent runtime",
		Long: `agentd runs tool-using LLM agents for KohTravel projects.

It streams turns over SSE and WebSocket, executes KohTravel tools through the
collaborator API, and keeps per-session conversation history.

Supported LLM providers: Anthropic, OpenAI, Google Gemini, AWS Bedrock`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file (or set AGENTD_CONFIG)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildToolsCmd(),
		buildModelsCmd(),
		buildConfigCmd(),
		buildMigrateCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
