// Package analytics records usage telemetry (sessions, agent runs, tool
// calls, SQL queries, knowledge searches, errors) into the control database.
//
// Recording is strictly best-effort: every method swallows its own failures
// and logs them at warn level, so telemetry can never fail a request. A
// Recorder built without a database is a no-op.
package analytics

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/beiningY/DB-MCP-server/internal/observability"
)

// Recorder writes telemetry rows. Safe for concurrent use.
type Recorder struct {
	db      *sql.DB
	enabled bool
	log     *observability.Logger
}

// NewRecorder builds a Recorder. Passing a nil db disables recording
// regardless of the enabled flag.
func NewRecorder(db *sql.DB, enabled bool, log *observability.Logger) *Recorder {
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{Level: "warn"})
	}
	return &Recorder{
		db:      db,
		enabled: enabled && db != nil,
		log:     log,
	}
}

// Enabled reports whether telemetry rows are being written.
func (r *Recorder) Enabled() bool {
	return r != nil && r.enabled
}

// StartSession inserts a user_session_log row and returns its session ID.
// Returns "" when recording is disabled or the insert fails.
func (r *Recorder) StartSession(ctx context.Context, clientIP, userAgent, dbKey string) string {
	if !r.Enabled() {
		return ""
	}

	sessionID := uuid.New().String()
	var keysUsed any
	if dbKey != "" {
		keysUsed = mustJSON([]string{dbKey})
	}

	now := time.Now()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_session_log
		(session_id, client_ip, user_agent, db_key, db_keys_used, start_time, last_activity, request_count, success_count, error_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0)`,
		sessionID, nullStr(clientIP), nullStr(userAgent), nullStr(dbKey), keysUsed, now, now)
	if err != nil {
		r.log.Warn(ctx, "record session start", "error", err)
		return ""
	}
	return sessionID
}

// TouchSession bumps the session's activity timestamp and request counters,
// and records the destination in its db_keys_used list.
func (r *Recorder) TouchSession(ctx context.Context, sessionID, dbKey string, success bool) {
	if !r.Enabled() || sessionID == "" {
		return
	}

	counter := "error_count"
	if success {
		counter = "success_count"
	}

	keysUsed := r.mergeSessionKey(ctx, sessionID, dbKey)
	_, err := r.db.ExecContext(ctx,
		`UPDATE user_session_log
		SET last_activity = ?, request_count = request_count + 1, `+counter+` = `+counter+` + 1, db_keys_used = ?
		WHERE session_id = ?`,
		time.Now(), keysUsed, sessionID)
	if err != nil {
		r.log.Warn(ctx, "record session activity", "error", err, "session_id", sessionID)
	}
}

// mergeSessionKey returns the session's db_keys_used JSON list with dbKey
// appended when missing. A broken stored value starts a fresh list.
func (r *Recorder) mergeSessionKey(ctx context.Context, sessionID, dbKey string) string {
	var stored sql.NullString
	err := r.db.QueryRowContext(ctx,
		"SELECT db_keys_used FROM user_session_log WHERE session_id = ?", sessionID).Scan(&stored)
	if err != nil {
		if dbKey == "" {
			return "[]"
		}
		return mustJSON([]string{dbKey})
	}

	var keys []string
	if stored.Valid {
		if err := json.Unmarshal([]byte(stored.String), &keys); err != nil {
			keys = nil
		}
	}
	if dbKey != "" {
		found := false
		for _, k := range keys {
			if k == dbKey {
				found = true
				break
			}
		}
		if !found {
			keys = append(keys, dbKey)
		}
	}
	if keys == nil {
		keys = []string{}
	}
	return mustJSON(keys)
}

// CloseSession stamps the session's end time.
func (r *Recorder) CloseSession(ctx context.Context, sessionID string) {
	if !r.Enabled() || sessionID == "" {
		return
	}
	_, err := r.db.ExecContext(ctx,
		"UPDATE user_session_log SET end_time = ? WHERE session_id = ?",
		time.Now(), sessionID)
	if err != nil {
		r.log.Warn(ctx, "record session close", "error", err, "session_id", sessionID)
	}
}

// AgentExecution describes one finished data_agent run.
type AgentExecution struct {
	RequestID string
	SessionID string
	DBKey     string
	UserQuery string
	AgentType string
	Status    string

	PlanSteps     int
	ExecutedSteps int
	Iterations    int

	// Fallback counters, replaced by tool_call_log aggregation when the
	// aggregation query succeeds.
	ToolsCalled       []string
	ToolCallCount     int
	SQLExecuted       int
	KnowledgeSearched int

	DurationMS     float64
	ErrorCode      string
	ErrorMessage   string
	ResponseLength int
	HasData        bool
	ClientIP       string
	UserAgent      string
}

// LogAgentExecution inserts an agent_execution_log row. Tool counters are
// recomputed from tool_call_log so they stay accurate even when in-memory
// counters were lost across goroutines.
func (r *Recorder) LogAgentExecution(ctx context.Context, rec AgentExecution) {
	if !r.Enabled() || rec.RequestID == "" {
		return
	}

	tools, toolCount, sqlCount, kgCount, err := r.countToolCalls(ctx, rec.RequestID)
	if err != nil {
		r.log.Warn(ctx, "aggregate tool calls", "error", err, "request_id", rec.RequestID)
		tools, toolCount, sqlCount, kgCount = rec.ToolsCalled, rec.ToolCallCount, rec.SQLExecuted, rec.KnowledgeSearched
	}

	query := truncate(rec.UserQuery, 500)
	end := time.Now()
	start := end.Add(-time.Duration(rec.DurationMS * float64(time.Millisecond)))

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO agent_execution_log
		(session_id, request_id, db_key, user_query, query_length, agent_type, agent_version,
		 plan_steps, executed_steps, iterations, tools_called, tool_call_count, sql_executed, knowledge_searched,
		 start_time, end_time, duration_ms, status, error_code, error_message, response_length, has_data,
		 client_ip, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullStr(rec.SessionID), rec.RequestID, nullStr(rec.DBKey), query, len([]rune(query)),
		rec.AgentType, agentVersion,
		rec.PlanSteps, rec.ExecutedSteps, rec.Iterations, mustJSON(tools), toolCount, sqlCount, kgCount,
		start, end, rec.DurationMS, rec.Status, nullStr(rec.ErrorCode), nullStr(rec.ErrorMessage),
		rec.ResponseLength, rec.HasData, nullStr(rec.ClientIP), nullStr(rec.UserAgent))
	if err != nil {
		r.log.Warn(ctx, "record agent execution", "error", err, "request_id", rec.RequestID)
	}
}

// agentVersion tags rows written by the plan-and-execute controller.
const agentVersion = "2.0"

func (r *Recorder) countToolCalls(ctx context.Context, requestID string) (tools []string, total, sqlCount, kgCount int, err error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tool_name, tool_type, COUNT(*) FROM tool_call_log
		WHERE request_id = ? GROUP BY tool_name, tool_type`, requestID)
	if err != nil {
		return nil, 0, 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var name, toolType string
		var n int
		if err := rows.Scan(&name, &toolType, &n); err != nil {
			return nil, 0, 0, 0, err
		}
		tools = append(tools, name)
		total += n
		switch toolType {
		case "sql":
			sqlCount += n
		case "knowledge":
			kgCount += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, 0, err
	}
	return tools, total, sqlCount, kgCount, nil
}

// ToolCall describes one tool invocation by the agent.
type ToolCall struct {
	RequestID string
	SessionID string
	ToolName  string
	ToolType  string

	// Parameters are sanitized before storage: values under keys such as
	// password or token become "***".
	Parameters map[string]any

	DurationMS         float64
	Status             string
	ErrorMessage       string
	ResultRowCount     int
	ResultSizeBytes    int
	ResultSummary      string
	SQLExecuted        string
	SQLExecutionTimeMS float64
	DatabaseName       string
}

// LogToolCall inserts a tool_call_log row.
func (r *Recorder) LogToolCall(ctx context.Context, rec ToolCall) {
	if !r.Enabled() || rec.RequestID == "" {
		return
	}

	params := mustJSON(SanitizeParams(rec.Parameters))
	end := time.Now()
	start := end.Add(-time.Duration(rec.DurationMS * float64(time.Millisecond)))

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tool_call_log
		(request_id, session_id, tool_name, tool_type, parameters, start_time, end_time, duration_ms,
		 status, error_message, result_row_count, result_size_bytes, result_summary,
		 sql_executed, sql_execution_time_ms, database_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, nullStr(rec.SessionID), rec.ToolName, rec.ToolType, params, start, end, rec.DurationMS,
		rec.Status, nullStr(rec.ErrorMessage), rec.ResultRowCount, rec.ResultSizeBytes,
		nullStr(truncate(rec.ResultSummary, 1000)),
		nullStr(rec.SQLExecuted), rec.SQLExecutionTimeMS, nullStr(rec.DatabaseName))
	if err != nil {
		r.log.Warn(ctx, "record tool call", "error", err, "request_id", rec.RequestID, "tool", rec.ToolName)
	}
}

// SQLQuery describes one SQL statement run against a business database.
type SQLQuery struct {
	RequestID       string
	SessionID       string
	SQLExecuted     string
	QueryType       string
	TablesAccessed  []string
	ColumnsAccessed []string
	ExecutionTimeMS float64
	RowsReturned    int
	Status          string
	ErrorMessage    string
	DBKey           string
	DatabaseName    string
}

// LogSQLQuery inserts a sql_query_log row keyed by the statement's md5 hash.
func (r *Recorder) LogSQLQuery(ctx context.Context, rec SQLQuery) {
	if !r.Enabled() || rec.RequestID == "" {
		return
	}

	sum := md5.Sum([]byte(rec.SQLExecuted))
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sql_query_log
		(request_id, session_id, sql_hash, sql_executed, query_type, tables_accessed, columns_accessed,
		 execution_time_ms, rows_returned, status, error_message, db_key, database_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, nullStr(rec.SessionID), hex.EncodeToString(sum[:]), rec.SQLExecuted,
		rec.QueryType, mustJSON(rec.TablesAccessed), mustJSON(rec.ColumnsAccessed),
		rec.ExecutionTimeMS, rec.RowsReturned, rec.Status, nullStr(rec.ErrorMessage),
		nullStr(rec.DBKey), nullStr(rec.DatabaseName))
	if err != nil {
		r.log.Warn(ctx, "record sql query", "error", err, "request_id", rec.RequestID)
	}
}

// KnowledgeSearch describes one knowledge base lookup.
type KnowledgeSearch struct {
	RequestID    string
	SessionID    string
	Query        string
	SearchMode   string
	DurationMS   float64
	Status       string
	ResultLength int
	HasResult    bool
}

// LogKnowledge inserts a knowledge_graph_log row.
func (r *Recorder) LogKnowledge(ctx context.Context, rec KnowledgeSearch) {
	if !r.Enabled() || rec.RequestID == "" {
		return
	}

	end := time.Now()
	start := end.Add(-time.Duration(rec.DurationMS * float64(time.Millisecond)))
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO knowledge_graph_log
		(request_id, session_id, query, search_mode, start_time, end_time, duration_ms, status, result_length, has_result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, nullStr(rec.SessionID), rec.Query, rec.SearchMode, start, end,
		rec.DurationMS, rec.Status, rec.ResultLength, rec.HasResult)
	if err != nil {
		r.log.Warn(ctx, "record knowledge search", "error", err, "request_id", rec.RequestID)
	}
}

// ErrorEntry describes one classified failure.
type ErrorEntry struct {
	RequestID    string
	SessionID    string
	ErrorCode    string
	ErrorType    string
	ErrorMessage string
	Component    string
	FunctionName string
}

// LogError inserts an error_log row.
func (r *Recorder) LogError(ctx context.Context, rec ErrorEntry) {
	if !r.Enabled() {
		return
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO error_log
		(request_id, session_id, error_code, error_type, error_message, component, function_name)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullStr(rec.RequestID), nullStr(rec.SessionID), rec.ErrorCode, rec.ErrorType,
		rec.ErrorMessage, nullStr(rec.Component), nullStr(rec.FunctionName))
	if err != nil {
		r.log.Warn(ctx, "record error entry", "error", err, "code", rec.ErrorCode)
	}
}

// SanitizeParams masks values stored under credential-like keys, recursing
// into nested maps and slices.
func SanitizeParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch strings.ToLower(k) {
		case "password", "pwd", "secret", "token", "key":
			out[k] = "***"
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return SanitizeParams(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// mustJSON marshals v, mapping nil slices to "[]". Marshal failure cannot
// happen for the string/number shapes stored here.
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
