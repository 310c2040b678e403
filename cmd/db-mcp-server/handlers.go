package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/beiningY/DB-MCP-server/internal/config"
	"github.com/beiningY/DB-MCP-server/internal/controldb"
	"github.com/beiningY/DB-MCP-server/internal/dbpool"
	"github.com/beiningY/DB-MCP-server/internal/gateway"
	"github.com/beiningY/DB-MCP-server/internal/mapping"
)

// loadConfig builds the runtime configuration: environment variables alone
// when no file is given, file plus environment overrides otherwise.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

func controlSettings(cfg *config.Config) controldb.Settings {
	return controldb.Settings{
		Host:     cfg.ControlDB.Host,
		Port:     cfg.ControlDB.Port,
		Username: cfg.ControlDB.Username,
		Password: cfg.ControlDB.Password,
		Name:     cfg.ControlDB.Name,
	}
}

// runServe implements the serve command logic.
func runServe(ctx context.Context, configPath, host string, port int, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := gateway.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}

	return server.Run(ctx)
}

// runMigrate handles the migrate command.
func runMigrate(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := cmd.Context()
	db, dialect, err := controldb.Open(ctx, controlSettings(cfg))
	if err != nil {
		return fmt.Errorf("open control db: %w", err)
	}
	defer db.Close()

	if err := controldb.EnsureSchema(ctx, db, dialect); err != nil {
		return fmt.Errorf("ensure control db schema: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Control-plane schema is up to date.")
	return nil
}

// runDatabases handles the databases command.
func runDatabases(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := cmd.Context()
	db, _, err := controldb.Open(ctx, controlSettings(cfg))
	if err != nil {
		return fmt.Errorf("open control db: %w", err)
	}
	defer db.Close()

	records, err := mapping.NewStore(db).List(ctx)
	if err != nil {
		return fmt.Errorf("list mappings: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No database mappings found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tHOST\tDATABASE\tTYPE\tSTATUS\tDESCRIPTION")
	for _, rec := range records {
		status := "active"
		if !rec.Active {
			status = "inactive"
		}
		fmt.Fprintf(w, "%s\t%s:%d\t%s\t%s\t%s\t%s\n",
			rec.Name, rec.Host, rec.Port, rec.Database, rec.Type, status, rec.Description)
	}
	return w.Flush()
}

// runPing handles the ping command. The control database is always
// checked; a destination only when --db names one.
func runPing(cmd *cobra.Command, configPath, name string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	start := time.Now()
	db, _, err := controldb.Open(ctx, controlSettings(cfg))
	if err != nil {
		return fmt.Errorf("control db: %w", err)
	}
	defer db.Close()
	fmt.Fprintf(out, "control db: ok [%s]\n", time.Since(start).Round(time.Millisecond))

	if name == "" {
		return nil
	}

	dest, err := mapping.NewStore(db).Get(ctx, name)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", name, err)
	}

	pools := dbpool.NewRegistry(dbpool.Config{
		Size:        1,
		MaxOverflow: 0,
		Timeout:     time.Duration(cfg.Pool.TimeoutSeconds) * time.Second,
		Recycle:     time.Duration(cfg.Pool.RecycleSeconds) * time.Second,
		MaxPools:    1,
	})
	defer pools.CloseAll()

	start = time.Now()
	ok, msg := pools.TestConnection(ctx, dest)
	if !ok {
		return fmt.Errorf("%s (%s:%d/%s): %s", name, dest.Host, dest.Port, dest.Database, msg)
	}

	fmt.Fprintf(out, "%s (%s:%d/%s): %s [%s]\n",
		name, dest.Host, dest.Port, dest.Database, msg, time.Since(start).Round(time.Millisecond))
	return nil
}
