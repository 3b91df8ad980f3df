// Package main is the CLI entry point for the Seekapa Copilot gateway.
//
// The gateway fronts the DS-Axia dataset with a conversational analytics
// surface: cost-routed model calls, a Redis response cache, websocket
// streaming, workflow automation, and a hash-chained audit log.
//
// # Basic Usage
//
// Start the server:
//
//	copilot serve --config copilot.yaml
//
// Validate a configuration file without starting:
//
//	copilot check --config copilot.yaml
//
// # Environment Variables
//
//   - COPILOT_CONFIG: Path to configuration file (default: copilot.yaml)
//   - JWT_SECRET: HMAC secret for access and refresh tokens
//   - REDIS_ADDR: Redis address (default: localhost:6379)
//   - AZURE_OPENAI_ENDPOINT / AZURE_OPENAI_API_KEY: model deployment access
//   - POWERBI_TENANT_ID / POWERBI_CLIENT_ID / POWERBI_CLIENT_SECRET:
//     service principal for dataset queries
//   - WORKFLOW_SERVICE_URL / WORKFLOW_WEBHOOK_SECRET: workflow dispatch
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "copilot",
		Short:         "Seekapa Copilot analytics gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		buildServeCmd(),
		buildCheckCmd(),
		buildVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("copilot %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// resolveConfigPath applies the COPILOT_CONFIG fallback when no flag is set.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("COPILOT_CONFIG"); env != "" {
		return env
	}
	return ""
}
