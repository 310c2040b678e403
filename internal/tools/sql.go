package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/beiningY/DB-MCP-server/internal/agent"
	"github.com/beiningY/DB-MCP-server/internal/analytics"
	"github.com/beiningY/DB-MCP-server/internal/dbpool"
	"github.com/beiningY/DB-MCP-server/internal/errcode"
	"github.com/beiningY/DB-MCP-server/internal/observability"
	"github.com/beiningY/DB-MCP-server/internal/sqlguard"
)

// SQLToolName is the wire name the sub-agent calls to run a query.
const SQLToolName = "execute_sql_query"

const sqlToolDescription = `执行 SQL 查询并返回结果（仅支持 SELECT 查询）。

- 仅允许 SELECT / WITH 开头的只读查询，写操作会被安全检查拒绝
- 自动添加 LIMIT 保护（默认最多 100 行）
- 返回 JSON 格式：success、data、columns、row_count、execution_time`

// SQLTool runs validated read-only queries against the session's destination
// database and records every execution on the telemetry tables.
type SQLTool struct {
	cfg SQLToolConfig
}

// SQLToolConfig wires the SQL tool.
type SQLToolConfig struct {
	Pools    QueryExecutor
	Recorder *analytics.Recorder
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
}

func NewSQLTool(cfg SQLToolConfig) *SQLTool {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{Level: "warn"})
	}
	return &SQLTool{cfg: cfg}
}

func (t *SQLTool) Name() string { return SQLToolName }

func (t *SQLTool) Description() string { return sqlToolDescription }

func (t *SQLTool) Schema() json.RawMessage {
	props := connSchema()
	props["sql"] = map[string]any{
		"type":        "string",
		"description": "要执行的 SQL 查询语句（仅支持 SELECT）",
	}
	props["limit"] = map[string]any{
		"type":        "integer",
		"description": "最大返回行数，默认 100。如果 SQL 中已有 LIMIT 则不追加",
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
		"required":   []string{"sql"},
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

// Execute validates, caps, runs and records one query. The returned envelope
// is always parseable JSON; IsError marks envelope-level failures so the
// sub-agent loop can report them without retrying blindly.
func (t *SQLTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args struct {
		SQL   string `json:"sql"`
		Limit int    `json:"limit"`
		ConnParams
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return errorResult(errcode.Error(errcode.InvalidParams, fmt.Sprintf("参数解析失败: %v", err), nil)), nil
	}

	query := strings.TrimSpace(args.SQL)
	if query == "" {
		t.cfg.Logger.Warn(ctx, "empty sql query rejected")
		return errorResult(errcode.Error(errcode.InvalidParams, "SQL 查询不能为空", nil)), nil
	}

	dest, ok := args.ConnParams.destination(ctx)
	if !ok {
		t.cfg.Logger.Warn(ctx, "sql query missing destination")
		return errorResult(errcode.Error(errcode.MissingRequiredParam,
			"数据库主机地址 (host) 不能为空，且未从上下文获取到配置", nil)), nil
	}

	t.cfg.Logger.Info(ctx, "sql query received",
		"host", dest.Host, "database", dest.Database, "sql_preview", truncateRunes(query, 100))

	if valid, reason := sqlguard.Validate(query, true); !valid {
		t.cfg.Logger.Warn(ctx, "sql validation failed",
			"database", dest.Database, "reason", reason, "sql", truncateRunes(query, 200))
		return errorResult(errcode.Error(errcode.SQLValidationError, "SQL 安全检查失败: "+reason, nil)), nil
	}

	limit := sqlguard.SanitizeLimit(args.Limit)
	if !sqlguard.ContainsLimit(query) {
		query = fmt.Sprintf("%s LIMIT %d", strings.TrimRight(query, ";"), limit)
	}

	if t.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = t.cfg.Tracer.TraceDatabaseQuery(ctx, dest.Database)
		defer span.End()
	}

	start := time.Now()
	res, err := t.cfg.Pools.Execute(ctx, dest, query)
	elapsed := time.Since(start)
	elapsedMS := roundMS(float64(elapsed) / float64(time.Millisecond))

	if err != nil {
		return t.failure(ctx, dest.Name, dest.Database, query, err, elapsed, elapsedMS), nil
	}

	env := errcode.Success(res.Rows, res.Columns,
		fmt.Sprintf("查询成功，返回 %d 行数据", res.RowCount), elapsedMS)
	content := env.JSON()

	if t.cfg.Metrics != nil {
		t.cfg.Metrics.RecordSQLQuery("success", elapsed.Seconds())
	}
	t.cfg.Logger.Info(ctx, "sql query done",
		"database", dest.Database, "rows", res.RowCount, "duration_ms", elapsedMS)

	t.emitSQLTelemetry(ctx, sqlTelemetry{
		dbKey:      dest.Name,
		database:   dest.Database,
		query:      query,
		status:     "success",
		durationMS: elapsedMS,
		rows:       res.RowCount,
		summary:    content,
	})

	return &agent.ToolResult{Content: content}, nil
}

// failure maps a database error onto the catalogue, records it, and returns
// the error envelope.
func (t *SQLTool) failure(ctx context.Context, dbKey, database, query string, err error, elapsed time.Duration, elapsedMS float64) *agent.ToolResult {
	env := sqlErrorEnvelope(err)

	if t.cfg.Metrics != nil {
		t.cfg.Metrics.RecordSQLQuery("error", elapsed.Seconds())
	}
	t.cfg.Logger.Error(ctx, "sql query failed",
		"database", database, "error", err, "duration_ms", elapsedMS)

	t.emitSQLTelemetry(ctx, sqlTelemetry{
		dbKey:      dbKey,
		database:   database,
		query:      query,
		status:     "error",
		durationMS: elapsedMS,
		errMsg:     truncateRunes(err.Error(), 500),
		errCode:    env.Error.CodeName,
		summary:    env.JSON(),
	})

	return errorResult(env)
}

// sqlErrorEnvelope classifies a database failure. Deadline expiry and
// timeout wording map to DB_TIMEOUT, connection wording to
// DB_CONNECTION_ERROR, unsupported engines to DB_ENGINE_ERROR, anything else
// to DB_QUERY_ERROR.
func sqlErrorEnvelope(err error) errcode.Envelope {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(lower, "timeout"):
		return errcode.Error(errcode.DBTimeout, "查询超时: "+msg, nil)
	case strings.Contains(lower, "connection"):
		return errcode.Error(errcode.DBConnectionError, "数据库连接错误: "+msg, nil)
	case errors.Is(err, dbpool.ErrUnsupportedType):
		return errcode.Error(errcode.DBEngineError, "数据库引擎不支持: "+msg, nil)
	default:
		return errcode.Error(errcode.DBQueryError, "SQL 执行错误: "+msg, nil)
	}
}

type sqlTelemetry struct {
	dbKey      string
	database   string
	query      string
	status     string
	durationMS float64
	rows       int
	errMsg     string
	errCode    string
	summary    string
}

// emitSQLTelemetry writes the tool-call row, the SQL row and, on failure,
// the error row. All writes are best-effort inside the recorder.
func (t *SQLTool) emitSQLTelemetry(ctx context.Context, rec sqlTelemetry) {
	if t.cfg.Recorder == nil {
		return
	}

	requestID := observability.RequestID(ctx)
	sessionID := observability.SessionID(ctx)

	sqlTimeMS := rec.durationMS
	if rec.status != "success" {
		sqlTimeMS = 0
	}
	t.cfg.Recorder.LogToolCall(ctx, analytics.ToolCall{
		RequestID:          requestID,
		SessionID:          sessionID,
		ToolName:           SQLToolName,
		ToolType:           "sql",
		Parameters:         map[string]any{"sql": truncateRunes(rec.query, 500), "database": rec.database},
		DurationMS:         rec.durationMS,
		Status:             rec.status,
		ErrorMessage:       rec.errMsg,
		ResultRowCount:     rec.rows,
		ResultSizeBytes:    len(rec.summary),
		ResultSummary:      rec.summary,
		SQLExecuted:        rec.query,
		SQLExecutionTimeMS: sqlTimeMS,
		DatabaseName:       rec.database,
	})

	t.cfg.Recorder.LogSQLQuery(ctx, analytics.SQLQuery{
		RequestID:       requestID,
		SessionID:       sessionID,
		SQLExecuted:     rec.query,
		QueryType:       classifyQuery(rec.query),
		TablesAccessed:  tablesAccessed(rec.query),
		ExecutionTimeMS: sqlTimeMS,
		RowsReturned:    rec.rows,
		Status:          rec.status,
		ErrorMessage:    rec.errMsg,
		DBKey:           rec.dbKey,
		DatabaseName:    rec.database,
	})

	if rec.status != "success" {
		t.cfg.Recorder.LogError(ctx, analytics.ErrorEntry{
			RequestID:    requestID,
			SessionID:    sessionID,
			ErrorCode:    rec.errCode,
			ErrorType:    "DatabaseError",
			ErrorMessage: rec.errMsg,
			Component:    SQLToolName,
			FunctionName: "Execute",
		})
	}
}

// classifyQuery buckets a statement for the sql_query_log row: join beats
// aggregation beats subquery beats simple.
func classifyQuery(sql string) string {
	upper := strings.ToUpper(sql)
	switch {
	case strings.Contains(upper, " JOIN "):
		return "join"
	case strings.Contains(upper, " GROUP BY "):
		return "aggregation"
	case strings.Count(upper, "SELECT") > 1:
		return "subquery"
	default:
		return "simple"
	}
}

var tableRefPattern = regexp.MustCompile("(?i)\\b(?:FROM|JOIN)\\s+`?([a-zA-Z_][a-zA-Z0-9_$.]*)`?")

// tablesAccessed pulls identifiers following FROM and JOIN. A heuristic, not
// a parser: subqueries contribute their inner tables, derived-table aliases
// are not chased.
func tablesAccessed(sql string) []string {
	matches := tableRefPattern.FindAllStringSubmatch(sql, -1)
	seen := make(map[string]bool, len(matches))
	var tables []string
	for _, m := range matches {
		name := strings.Trim(m[1], "`")
		key := strings.ToLower(name)
		if !seen[key] {
			seen[key] = true
			tables = append(tables, name)
		}
	}
	return tables
}
