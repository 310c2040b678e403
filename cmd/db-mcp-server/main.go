// Package main provides the CLI entry point for the DB analysis MCP gateway.
//
// The server exposes multi-tenant SQL analytics over the Model Context
// Protocol: MCP clients connect to /sse?db=<name>, where <name> selects a
// destination database from the db_mapping table, and call the data_agent
// tool with natural-language questions.
//
// # Basic Usage
//
// Start the server:
//
//	db-mcp-server serve --config config.yaml
//
// Inspect the destination inventory:
//
//	db-mcp-server databases
//	db-mcp-server ping orders
//
// Create the control-plane tables:
//
//	db-mcp-server migrate
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - MCP_HOST / MCP_PORT: listen address (default 0.0.0.0:8000)
//   - DB_host / DB_port / DB_username / DB_password / DB_name: control database
//   - LLM_PROVIDER: "openai" or "anthropic"
//   - LLM_API_KEY / LLM_MODEL / LLM_BASE_URL: model access
//   - LIGHTRAG_API_URL / LIGHTRAG_API_KEY: knowledge graph service
//   - ANALYTICS_ENABLED: usage logging toggle (default true)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v2.3.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
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
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "db-mcp-server",
		Short: "MCP gateway for multi-tenant SQL analytics",
		Long: `DB Analysis MCP Server exposes mapped databases to MCP clients.

Clients connect to /sse?db=<database_name> and call the data_agent tool
with natural-language questions; a plan-and-execute agent answers them
by inspecting schemas, running read-only SQL, and consulting the
knowledge graph.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildDatabasesCmd(),
		buildPingCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}
