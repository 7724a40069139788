// Package main provides the CLI entry point for the agui server and its
// reference client.
//
// # Basic Usage
//
// Start the server:
//
//	agui serve --config agui.yaml
//
// Chat with a running server, executing client-side tools locally:
//
//	agui chat
//	agui chat --message "What's the weather like in Seattle?"
//	agui chat --demo
//
// Inspect conversations:
//
//	agui threads
//	agui threads show <id>
//
// # Environment Variables
//
//   - AGUI_CONFIG: Path to configuration file (default: agui.yaml)
//   - AGUI_SERVER_URL: Server URL used by the client commands
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY: provider credentials
//   - AZURE_AI_PROJECT_ENDPOINT, AZURE_AI_MODEL_DEPLOYMENT_NAME: Azure OpenAI
//   - CORS_ORIGINS: comma separated browser origins
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/haasonsaas/agui/internal/remote"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "agui.yaml"

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
		Use:   "agui",
		Short: "agui - streaming chat agent with hybrid tool execution",
		Long: `agui runs a conversational agent over HTTP. Turns stream back as
server-sent events; some tools run on the server, others are delegated to
the connected client and their results posted back.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildThreadsCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

func defaultConfig() string {
	if path := strings.TrimSpace(os.Getenv("AGUI_CONFIG")); path != "" {
		return path
	}
	return defaultConfigPath
}

func defaultServerURL() string {
	if url := strings.TrimSpace(os.Getenv("AGUI_SERVER_URL")); url != "" {
		return url
	}
	return remote.DefaultServerURL
}
