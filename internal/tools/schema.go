package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/beiningY/DB-MCP-server/internal/agent"
	"github.com/beiningY/DB-MCP-server/internal/analytics"
	"github.com/beiningY/DB-MCP-server/internal/errcode"
	"github.com/beiningY/DB-MCP-server/internal/mapping"
	"github.com/beiningY/DB-MCP-server/internal/observability"
)

// SchemaToolName is the wire name the sub-agent calls to inspect tables.
const SchemaToolName = "get_table_schema"

const schemaToolDescription = `获取数据库表的结构信息（字段、类型、注释等），返回易读的文本格式。
实时从 MySQL information_schema 查询，支持动态数据库连接。

- 不指定 table_name：返回所有表的摘要列表（表名、注释、引擎、估算行数）
- 指定 table_name：返回该表的详细结构（字段、类型、主键、非空、注释）
- 表名大小写不敏感，不存在时给出相近表名建议`

// SchemaTool answers table-structure questions from information_schema so
// the model never has to guess column names.
type SchemaTool struct {
	cfg SchemaToolConfig
}

// SchemaToolConfig wires the catalog tool.
type SchemaToolConfig struct {
	Pools    QueryExecutor
	Recorder *analytics.Recorder
	Logger   *observability.Logger
	Tracer   *observability.Tracer
}

func NewSchemaTool(cfg SchemaToolConfig) *SchemaTool {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{Level: "warn"})
	}
	return &SchemaTool{cfg: cfg}
}

func (t *SchemaTool) Name() string { return SchemaToolName }

func (t *SchemaTool) Description() string { return schemaToolDescription }

func (t *SchemaTool) Schema() json.RawMessage {
	props := connSchema()
	props["table_name"] = map[string]any{
		"type":        "string",
		"description": "表名。留空返回所有表的摘要列表；指定表名返回详细结构",
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

// Execute looks up either the all-tables summary or one table's detail.
// Successful lookups return plain text; failures return an error envelope.
func (t *SchemaTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args struct {
		TableName string `json:"table_name"`
		ConnParams
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return errorResult(errcode.Error(errcode.InvalidParams, fmt.Sprintf("参数解析失败: %v", err), nil)), nil
	}

	dest, ok := args.ConnParams.destination(ctx)
	if !ok {
		t.cfg.Logger.Warn(ctx, "table schema request missing host")
		return errorResult(errcode.Error(errcode.MissingRequiredParam, "数据库主机地址 (host) 不能为空", nil)), nil
	}

	target := dest.Database
	if target == "" {
		target = "information_schema"
	}

	t.cfg.Logger.Info(ctx, "table schema request",
		"host", dest.Host, "database", target, "table", args.TableName)

	if t.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = t.cfg.Tracer.TraceDatabaseQuery(ctx, target)
		defer span.End()
	}

	// Metadata lives in information_schema; the engine connects there and
	// every query filters on the real database name.
	meta := *dest
	meta.Database = "information_schema"

	start := time.Now()
	var (
		text string
		err  error
	)
	if strings.TrimSpace(args.TableName) == "" {
		text, err = t.allTablesSummary(ctx, &meta, target)
	} else {
		text, err = t.tableDetail(ctx, &meta, strings.TrimSpace(args.TableName), target)
	}
	elapsed := roundMS(float64(time.Since(start)) / float64(time.Millisecond))

	if err != nil {
		env := schemaErrorEnvelope(err)
		t.cfg.Logger.Error(ctx, "table schema lookup failed",
			"host", dest.Host, "database", target, "table", args.TableName, "error", err)
		t.emitToolCall(ctx, args.TableName, target, elapsed, "error", err.Error(), env.JSON())
		return errorResult(env), nil
	}

	t.emitToolCall(ctx, args.TableName, target, elapsed, "success", "", text)
	return &agent.ToolResult{Content: text}, nil
}

// schemaErrorEnvelope maps a lookup failure onto the stable catalogue the
// same way every database error is surfaced: connection problems and
// everything else get distinct codes.
func schemaErrorEnvelope(err error) errcode.Envelope {
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "connection") {
		return errcode.Error(errcode.DBConnectionError, "数据库连接错误: "+msg, nil)
	}
	return errcode.Error(errcode.DBQueryError, "数据库查询错误: "+msg, nil)
}

func (t *SchemaTool) emitToolCall(ctx context.Context, tableName, database string, durationMS float64, status, errMsg, summary string) {
	if t.cfg.Recorder == nil {
		return
	}
	table := tableName
	if table == "" {
		table = "（所有表）"
	}
	t.cfg.Recorder.LogToolCall(ctx, analytics.ToolCall{
		RequestID:       observability.RequestID(ctx),
		SessionID:       observability.SessionID(ctx),
		ToolName:        SchemaToolName,
		ToolType:        "schema",
		Parameters:      map[string]any{"table_name": table, "database": database},
		DurationMS:      durationMS,
		Status:          status,
		ErrorMessage:    truncateRunes(errMsg, 500),
		ResultSizeBytes: len(summary),
		ResultSummary:   summary,
		DatabaseName:    database,
	})
}

// allTablesSummary renders the base-table inventory of one database.
func (t *SchemaTool) allTablesSummary(ctx context.Context, meta *mapping.Destination, database string) (string, error) {
	res, err := t.cfg.Pools.Execute(ctx, meta,
		`SELECT TABLE_NAME, TABLE_COMMENT, ENGINE, TABLE_ROWS
		FROM TABLES
		WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME`, database)
	if err != nil {
		return "", err
	}

	t.cfg.Logger.Info(ctx, "table inventory loaded", "database", database, "tables", res.RowCount)

	lines := []string{
		fmt.Sprintf("数据库 %s 表结构摘要", database),
		fmt.Sprintf("共 %d 个表", res.RowCount),
		strings.Repeat("=", 60),
		"",
	}

	if res.RowCount == 0 {
		lines = append(lines, "数据库中没有表", "")
	}
	for _, row := range res.Rows {
		lines = append(lines, fmt.Sprintf("  • %s", asString(row["TABLE_NAME"])))
		if comment := asString(row["TABLE_COMMENT"]); comment != "" {
			lines = append(lines, fmt.Sprintf("    注释: %s", comment))
		}
		if engine := asString(row["ENGINE"]); engine != "" {
			lines = append(lines, fmt.Sprintf("    引擎: %s, 估算行数: %d", engine, asInt64(row["TABLE_ROWS"])))
		}
		lines = append(lines, "")
	}

	lines = append(lines,
		strings.Repeat("=", 60),
		"提示: 使用 get_table_schema('表名') 查看具体表的详细结构")
	return strings.Join(lines, "\n"), nil
}

// tableDetail renders one table's column list, or a did-you-mean message
// when the name does not match case-insensitively.
func (t *SchemaTool) tableDetail(ctx context.Context, meta *mapping.Destination, tableName, database string) (string, error) {
	lower := strings.ToLower(tableName)

	check, err := t.cfg.Pools.Execute(ctx, meta,
		`SELECT TABLE_NAME, TABLE_COMMENT
		FROM TABLES
		WHERE TABLE_SCHEMA = ? AND LOWER(TABLE_NAME) = ?`, database, lower)
	if err != nil {
		return "", err
	}

	if check.RowCount == 0 {
		t.cfg.Logger.Warn(ctx, "table not found", "database", database, "table", tableName)
		similar, err := t.cfg.Pools.Execute(ctx, meta,
			`SELECT TABLE_NAME
			FROM TABLES
			WHERE TABLE_SCHEMA = ? AND LOWER(TABLE_NAME) LIKE ?
			ORDER BY TABLE_NAME
			LIMIT 10`, database, "%"+lower+"%")
		if err != nil {
			return "", err
		}

		var b strings.Builder
		fmt.Fprintf(&b, "表 '%s' 在数据库 '%s' 中不存在\n", tableName, database)
		if similar.RowCount > 0 {
			b.WriteString("\n你可能想查找以下表：\n")
			for _, row := range similar.Rows {
				fmt.Fprintf(&b, "  • %s\n", asString(row["TABLE_NAME"]))
			}
		}
		return b.String(), nil
	}

	actual := asString(check.Rows[0]["TABLE_NAME"])
	comment := asString(check.Rows[0]["TABLE_COMMENT"])

	columns, err := t.cfg.Pools.Execute(ctx, meta,
		`SELECT COLUMN_NAME, DATA_TYPE, COLUMN_TYPE, IS_NULLABLE, COLUMN_DEFAULT, COLUMN_COMMENT, EXTRA, ORDINAL_POSITION
		FROM COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, database, actual)
	if err != nil {
		return "", err
	}

	indexes, err := t.cfg.Pools.Execute(ctx, meta,
		`SELECT INDEX_NAME, COLUMN_NAME, INDEX_TYPE, NON_UNIQUE
		FROM STATISTICS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY INDEX_NAME, SEQ_IN_INDEX`, database, actual)
	if err != nil {
		return "", err
	}

	primary := make(map[string]bool)
	for _, row := range indexes.Rows {
		if asString(row["INDEX_NAME"]) == "PRIMARY" {
			primary[asString(row["COLUMN_NAME"])] = true
		}
	}

	t.cfg.Logger.Info(ctx, "table detail loaded",
		"table", actual, "columns", columns.RowCount, "indexes", indexes.RowCount)

	lines := []string{fmt.Sprintf("【表名】%s", actual)}
	if comment != "" {
		lines = append(lines, fmt.Sprintf("【表注释】%s", comment))
	}
	lines = append(lines, "【字段列表】")

	for _, row := range columns.Rows {
		name := asString(row["COLUMN_NAME"])
		desc := fmt.Sprintf("  - %s (%s)", name, asString(row["COLUMN_TYPE"]))

		var marks []string
		if primary[name] {
			marks = append(marks, "主键")
		}
		if asString(row["IS_NULLABLE"]) != "YES" {
			marks = append(marks, "非空")
		}
		if extra := asString(row["EXTRA"]); extra != "" {
			marks = append(marks, extra)
		}
		if len(marks) > 0 {
			desc += fmt.Sprintf(" [%s]", strings.Join(marks, ", "))
		}
		if colComment := asString(row["COLUMN_COMMENT"]); colComment != "" {
			desc += ": " + colComment
		}
		lines = append(lines, desc)
	}

	return strings.Join(lines, "\n") + fmt.Sprintf("\n\n 共 %d 个字段", columns.RowCount), nil
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case string:
		var out int64
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}
