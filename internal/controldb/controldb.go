// Package controldb opens the control database (destination mapping plus
// telemetry tables) and applies its schema. MySQL is the production target;
// an embedded SQLite file serves local runs when no DB_host is configured.
package controldb

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Dialect selects the DDL spelling for the control database.
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// Settings carries the connection parameters for the control database. An
// empty Host selects the SQLite fallback, with Name reused as the file path.
type Settings struct {
	Host     string
	Port     int
	Username string
	Password string
	Name     string
}

// Open connects to the control database and verifies the connection with a
// ping. The returned dialect tells EnsureSchema which DDL spelling to use.
func Open(ctx context.Context, s Settings) (*sql.DB, Dialect, error) {
	if s.Host != "" {
		return openMySQL(ctx, s)
	}
	return openSQLite(ctx, s)
}

func openMySQL(ctx context.Context, s Settings) (*sql.DB, Dialect, error) {
	mc := mysql.NewConfig()
	mc.User = s.Username
	mc.Passwd = s.Password
	mc.Net = "tcp"
	port := s.Port
	if port == 0 {
		port = 3306
	}
	mc.Addr = net.JoinHostPort(s.Host, strconv.Itoa(port))
	mc.DBName = s.Name
	mc.Timeout = time.Minute
	mc.ParseTime = true

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, "", fmt.Errorf("open control database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("ping control database: %w", err)
	}
	return db, DialectMySQL, nil
}

func openSQLite(ctx context.Context, s Settings) (*sql.DB, Dialect, error) {
	path := s.Name
	if path == "" {
		path = "db_mcp.db"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, "", fmt.Errorf("open control database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY under
	// concurrent telemetry inserts.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("ping control database: %w", err)
	}
	return db, DialectSQLite, nil
}

// EnsureSchema creates the mapping and telemetry tables if they do not
// exist. Safe to run on every startup; also backs the migrate subcommand.
func EnsureSchema(ctx context.Context, db *sql.DB, dialect Dialect) error {
	for _, stmt := range SchemaStatements(dialect) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// tableDef is one control-DB table: portable column DDL (minus the id
// primary key, which is dialect-specific) and the columns to index.
type tableDef struct {
	name    string
	columns string
	indexes []string
}

var tables = []tableDef{
	{
		name: "db_mapping",
		columns: "db_name VARCHAR(128) NOT NULL UNIQUE,\n" +
			"    host VARCHAR(255) NOT NULL,\n" +
			"    port INT NOT NULL,\n" +
			"    username VARCHAR(128) NOT NULL,\n" +
			"    password VARCHAR(255),\n" +
			"    `database` VARCHAR(128) NOT NULL,\n" +
			"    db_type VARCHAR(32) DEFAULT 'mysql',\n" +
			"    description VARCHAR(500),\n" +
			"    is_active BOOLEAN DEFAULT TRUE,\n" +
			"    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,\n" +
			"    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP",
		indexes: []string{"is_active"},
	},
	{
		name: "user_session_log",
		columns: "session_id VARCHAR(64) NOT NULL UNIQUE,\n" +
			"    client_ip VARCHAR(64),\n" +
			"    user_agent VARCHAR(512),\n" +
			"    db_key VARCHAR(128),\n" +
			"    db_keys_used TEXT,\n" +
			"    start_time DATETIME,\n" +
			"    end_time DATETIME,\n" +
			"    last_activity DATETIME,\n" +
			"    request_count INT DEFAULT 0,\n" +
			"    success_count INT DEFAULT 0,\n" +
			"    error_count INT DEFAULT 0,\n" +
			"    created_at DATETIME DEFAULT CURRENT_TIMESTAMP",
		indexes: []string{"client_ip", "start_time"},
	},
	{
		name: "agent_execution_log",
		columns: "session_id VARCHAR(64),\n" +
			"    request_id VARCHAR(64) NOT NULL UNIQUE,\n" +
			"    db_key VARCHAR(128),\n" +
			"    user_query TEXT,\n" +
			"    query_length INT,\n" +
			"    agent_type VARCHAR(32),\n" +
			"    agent_version VARCHAR(16),\n" +
			"    plan_steps INT,\n" +
			"    executed_steps INT,\n" +
			"    iterations INT,\n" +
			"    tools_called TEXT,\n" +
			"    tool_call_count INT,\n" +
			"    sql_executed INT,\n" +
			"    knowledge_searched INT,\n" +
			"    start_time DATETIME,\n" +
			"    end_time DATETIME,\n" +
			"    duration_ms DOUBLE,\n" +
			"    status VARCHAR(16),\n" +
			"    error_code VARCHAR(32),\n" +
			"    error_message TEXT,\n" +
			"    response_length INT,\n" +
			"    has_data BOOLEAN,\n" +
			"    client_ip VARCHAR(64),\n" +
			"    user_agent VARCHAR(256),\n" +
			"    created_at DATETIME DEFAULT CURRENT_TIMESTAMP",
		indexes: []string{"session_id", "db_key", "status", "created_at"},
	},
	{
		name: "tool_call_log",
		columns: "request_id VARCHAR(64),\n" +
			"    session_id VARCHAR(64),\n" +
			"    tool_name VARCHAR(64),\n" +
			"    tool_type VARCHAR(32),\n" +
			"    parameters TEXT,\n" +
			"    start_time DATETIME,\n" +
			"    end_time DATETIME,\n" +
			"    duration_ms DOUBLE,\n" +
			"    status VARCHAR(16),\n" +
			"    error_message TEXT,\n" +
			"    result_row_count INT,\n" +
			"    result_size_bytes INT,\n" +
			"    result_summary TEXT,\n" +
			"    sql_executed TEXT,\n" +
			"    sql_execution_time_ms DOUBLE,\n" +
			"    database_name VARCHAR(128),\n" +
			"    created_at DATETIME DEFAULT CURRENT_TIMESTAMP",
		indexes: []string{"request_id", "tool_name", "status", "created_at"},
	},
	{
		name: "sql_query_log",
		columns: "request_id VARCHAR(64),\n" +
			"    session_id VARCHAR(64),\n" +
			"    sql_hash VARCHAR(64),\n" +
			"    sql_executed TEXT,\n" +
			"    query_type VARCHAR(32),\n" +
			"    tables_accessed TEXT,\n" +
			"    columns_accessed TEXT,\n" +
			"    execution_time_ms DOUBLE,\n" +
			"    rows_returned INT,\n" +
			"    status VARCHAR(16),\n" +
			"    error_message TEXT,\n" +
			"    db_key VARCHAR(128),\n" +
			"    database_name VARCHAR(128),\n" +
			"    created_at DATETIME DEFAULT CURRENT_TIMESTAMP",
		indexes: []string{"sql_hash", "request_id", "query_type", "created_at"},
	},
	{
		name: "error_log",
		columns: "request_id VARCHAR(64),\n" +
			"    session_id VARCHAR(64),\n" +
			"    error_code VARCHAR(32),\n" +
			"    error_type VARCHAR(64),\n" +
			"    error_message TEXT,\n" +
			"    component VARCHAR(64),\n" +
			"    function_name VARCHAR(128),\n" +
			"    created_at DATETIME DEFAULT CURRENT_TIMESTAMP",
		indexes: []string{"error_code", "component", "created_at"},
	},
	{
		name: "knowledge_graph_log",
		columns: "request_id VARCHAR(64),\n" +
			"    session_id VARCHAR(64),\n" +
			"    query TEXT,\n" +
			"    search_mode VARCHAR(32),\n" +
			"    start_time DATETIME,\n" +
			"    end_time DATETIME,\n" +
			"    duration_ms DOUBLE,\n" +
			"    status VARCHAR(16),\n" +
			"    result_length INT,\n" +
			"    has_result BOOLEAN,\n" +
			"    created_at DATETIME DEFAULT CURRENT_TIMESTAMP",
		indexes: []string{"request_id", "search_mode", "created_at"},
	},
}

// SchemaStatements returns the DDL for the given dialect. MySQL declares
// indexes inline (it has no CREATE INDEX IF NOT EXISTS); SQLite emits them
// as separate statements because its index namespace is database-wide.
func SchemaStatements(dialect Dialect) []string {
	stmts := make([]string, 0, len(tables)*4)

	for _, t := range tables {
		var b strings.Builder
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.name)
		if dialect == DialectMySQL {
			b.WriteString("    id INT AUTO_INCREMENT PRIMARY KEY,\n")
		} else {
			b.WriteString("    id INTEGER PRIMARY KEY AUTOINCREMENT,\n")
		}
		b.WriteString("    ")
		b.WriteString(t.columns)
		if dialect == DialectMySQL {
			for _, col := range t.indexes {
				fmt.Fprintf(&b, ",\n    INDEX idx_%s_%s (%s)", t.name, col, col)
			}
		}
		b.WriteString("\n)")
		stmts = append(stmts, b.String())

		if dialect == DialectSQLite {
			for _, col := range t.indexes {
				stmts = append(stmts, fmt.Sprintf(
					"CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)", t.name, col, t.name, col))
			}
		}
	}
	return stmts
}

// TableNames lists the control-DB tables in creation order.
func TableNames() []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.name
	}
	return names
}
