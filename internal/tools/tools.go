// Package tools implements the three capabilities the tool-calling sub-agent
// may invoke: live table-structure lookup (get_table_schema), guarded SQL
// execution (execute_sql_query), and knowledge-graph search
// (search_knowledge_graph).
//
// Every tool returns a JSON envelope string in ToolResult.Content, using the
// same shape for success and failure, so the model can always parse what it
// gets back. Connection parameters are optional on the wire: when a tool call
// omits them, the destination resolved by the gateway middleware is pulled
// from the request context.
package tools

import (
	"context"
	"math"

	"github.com/beiningY/DB-MCP-server/internal/agent"
	"github.com/beiningY/DB-MCP-server/internal/dbpool"
	"github.com/beiningY/DB-MCP-server/internal/errcode"
	"github.com/beiningY/DB-MCP-server/internal/mapping"
)

// QueryExecutor runs one statement against a destination and collects the
// result set. *dbpool.Registry satisfies it; tests substitute canned rows.
type QueryExecutor interface {
	Execute(ctx context.Context, dest *mapping.Destination, query string, args ...any) (*dbpool.QueryResult, error)
}

// ConnParams is the optional connection tuple accepted by the database
// tools. Explicit values win; anything left empty is back-filled from the
// request-scoped destination.
type ConnParams struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Database string `json:"database,omitempty"`
}

// destination resolves the effective connection tuple. The boolean is false
// when neither the parameters nor the context supply a host.
func (p ConnParams) destination(ctx context.Context) (*mapping.Destination, bool) {
	if p.Host != "" {
		port := p.Port
		if port == 0 {
			port = 3306
		}
		return &mapping.Destination{
			Host:     p.Host,
			Port:     port,
			Username: p.Username,
			Password: p.Password,
			Database: p.Database,
		}, true
	}
	dest, ok := mapping.DestinationFromContext(ctx)
	if !ok || dest.Host == "" {
		return nil, false
	}
	return dest, true
}

// connSchema is the shared JSON-schema fragment for the connection tuple.
func connSchema() map[string]any {
	return map[string]any{
		"host": map[string]any{
			"type":        "string",
			"description": "数据库主机地址（默认使用当前会话的数据库配置）",
		},
		"port": map[string]any{
			"type":        "integer",
			"description": "数据库端口，默认 3306",
		},
		"username": map[string]any{
			"type":        "string",
			"description": "数据库用户名",
		},
		"password": map[string]any{
			"type":        "string",
			"description": "数据库密码",
		},
		"database": map[string]any{
			"type":        "string",
			"description": "目标数据库名称（默认使用当前会话的数据库配置）",
		},
	}
}

// errorResult wraps an error envelope as a soft tool failure. The envelope
// JSON is the content so the model sees the code and message.
func errorResult(env errcode.Envelope) *agent.ToolResult {
	return &agent.ToolResult{Content: env.JSON(), IsError: true}
}

// roundMS rounds a millisecond duration to two decimals, the precision
// stored on telemetry rows and echoed in envelopes.
func roundMS(ms float64) float64 {
	return math.Round(ms*100) / 100
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
