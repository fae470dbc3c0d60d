// Package main provides the CLI entry point for Lucy, an AI coworker
// control plane.
//
// Lucy connects a chat workspace to LLM providers (Anthropic, OpenAI)
// with rate-limited, circuit-protected tool execution: requests are
// routed by intent, queued by priority, and risky tool calls are held
// for explicit approval.
//
// # Basic Usage
//
// Start the server:
//
//	lucy serve --config lucy.yaml
//
// Inspect configuration:
//
//	lucy config validate --config lucy.yaml
//	lucy config schema
//
// # Environment Variables
//
// Configuration values expand ${VAR} references, so secrets can stay in
// the environment:
//
//   - LUCY_CONFIG: Path to configuration file (default: lucy.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - SLACK_BOT_TOKEN: Bot OAuth token for Web API calls
//   - SLACK_APP_TOKEN: App-level token for Socket Mode
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse --short HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lucy",
		Short: "Lucy - AI coworker control plane",
		Long: `Lucy connects a chat workspace to LLM providers with gated tool execution.

Inbound messages are deduplicated, routed by intent to a model tier,
queued by priority, and answered by an agent loop whose tool calls pass
through per-API rate limits, per-app circuit breakers, and a
confirmation gate for risky actions.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("lucy %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// defaultConfigPath honors LUCY_CONFIG before falling back to the
// working directory.
func defaultConfigPath() string {
	if p := os.Getenv("LUCY_CONFIG"); p != "" {
		return p
	}
	return "lucy.yaml"
}
