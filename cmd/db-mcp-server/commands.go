package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the gateway.
// This is the primary command for running the server in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		host       string
		port       int
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP gateway server",
		Long: `Start the MCP gateway server.

The server will:
1. Load configuration from the environment and the optional YAML file
2. Connect to the control database and ensure the analytics tables exist
3. Load the db_mapping destination inventory
4. Initialize the LLM provider and the data_agent tool chain
5. Serve MCP over SSE plus the /health, /refresh, and /metrics endpoints

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start from environment variables alone
  db-mcp-server serve

  # Start with a config file
  db-mcp-server serve --config /etc/db-mcp/config.yaml

  # Override the listen address
  db-mcp-server serve --host 127.0.0.1 --port 9000

  # Start with debug logging
  db-mcp-server serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, host, port, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file (optional)")
	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides MCP_HOST)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides MCP_PORT)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "db-mcp-server %s (commit: %s, built: %s)\n",
				version, commit, date)
		},
	}
}

// buildMigrateCmd creates the "migrate" command that prepares the control
// database.
func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the control-plane tables",
		Long: `Ensure the control database carries the tables the server needs:
the db_mapping destination inventory and the analytics logs
(user_session_log, agent_execution_log, tool_call_log, sql_query_log,
knowledge_graph_log, error_log).

The serve command runs the same step on startup; this command exists for
provisioning pipelines that prepare the database ahead of deployment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (optional)")

	return cmd
}

// buildDatabasesCmd creates the "databases" command listing the mapping
// inventory.
func buildDatabasesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "databases",
		Short: "List db_mapping destinations",
		Long: `List every row of the db_mapping table, inactive ones included.

Clients can only reach destinations marked active; inactive rows are shown
so operators can spot retired or misconfigured entries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDatabases(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (optional)")

	return cmd
}

// buildPingCmd creates the "ping" command testing reachability.
func buildPingCmd() *cobra.Command {
	var (
		configPath string
		dbName     string
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check control database and destination connectivity",
		Long: `Verify that the control database accepts connections. With --db, also
resolve the named destination through db_mapping and run SELECT 1
against it.`,
		Example: `  # Check the control database
  db-mcp-server ping

  # Also check the orders destination
  db-mcp-server ping --db orders`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPing(cmd, configPath, dbName)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (optional)")
	cmd.Flags().StringVar(&dbName, "db", "", "Destination name to test through db_mapping")

	return cmd
}
