package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/beiningY/DB-MCP-server/internal/analytics"
	"github.com/beiningY/DB-MCP-server/internal/errcode"
	"github.com/beiningY/DB-MCP-server/internal/mapping"
	"github.com/beiningY/DB-MCP-server/internal/observability"
)

// DataAgentName is the wire name of the single tool the gateway exposes.
const DataAgentName = "data_agent"

const dataAgentDescription = `数据分析智能体 - 可以回答数据分析相关问题

功能：
- 理解自然语言的数据分析需求
- 自动查询数据库表结构
- 搜索历史 SQL 和业务知识
- 生成并执行 SQL 查询
- 整理分析结果

适用场景：
- 数据查询："查询最近7天的订单数量"
- 指标分析："计算用户留存率"
- 业务问题："还款率是如何计算的"
- 数据探索："有哪些用户相关的表"`

var dataAgentSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {
			"type": "string",
			"description": "用户的数据分析问题或查询需求"
		}
	},
	"required": ["query"]
}`)

// DataAgentConfig wires the dispatcher.
type DataAgentConfig struct {
	Controller *Controller
	Recorder   *analytics.Recorder
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
	Logger     *observability.Logger

	// Workers caps concurrent dispatches; zero means unbounded.
	Workers int
}

// DataAgent is the dispatcher behind the data_agent tool: it binds a fresh
// request id, gates concurrency, runs the controller, and emits the
// per-request telemetry row no matter how the run ends.
type DataAgent struct {
	cfg DataAgentConfig
	sem *semaphore.Weighted
}

func NewDataAgent(cfg DataAgentConfig) *DataAgent {
	d := &DataAgent{cfg: cfg}
	if cfg.Workers > 0 {
		d.sem = semaphore.NewWeighted(int64(cfg.Workers))
	}
	return d
}

func (d *DataAgent) Name() string { return DataAgentName }

func (d *DataAgent) Description() string { return dataAgentDescription }

func (d *DataAgent) Schema() json.RawMessage { return dataAgentSchema }

// Execute runs one data_agent request.
func (d *DataAgent) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return &ToolResult{Content: fmt.Sprintf("错误：参数解析失败: %v", err), IsError: true}, nil
	}

	query := strings.TrimSpace(args.Query)
	if query == "" {
		return &ToolResult{Content: "错误：查询内容不能为空", IsError: true}, nil
	}

	dest, ok := mapping.DestinationFromContext(ctx)
	if !ok {
		return &ToolResult{
			Content: "错误：未找到数据库配置。请在 SSE 连接地址中通过 ?db=<database_name> 指定目标数据库，例如 http://localhost:8000/sse?db=mydb。",
			IsError: true,
		}, nil
	}

	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer d.sem.Release(1)
	}

	requestID := uuid.NewString()
	ctx = observability.WithRequestID(ctx, requestID)

	return d.run(ctx, requestID, dest.Name, query)
}

func (d *DataAgent) run(ctx context.Context, requestID, destName, query string) (*ToolResult, error) {
	if d.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = d.cfg.Tracer.TraceAgentRun(ctx, requestID, destName)
		defer span.End()
	}

	if d.cfg.Logger != nil {
		fields := []any{"request_id", requestID, "db", destName, "query_preview", preview(query, 100)}
		if traceID := observability.TraceID(ctx); traceID != "" {
			fields = append(fields, "trace_id", traceID)
		}
		d.cfg.Logger.Info(ctx, "data_agent request start", fields...)
	}

	start := time.Now()
	res, err := d.cfg.Controller.Run(ctx, query)
	elapsed := time.Since(start)

	// Telemetry must outlive a cancelled request context.
	logCtx := context.WithoutCancel(ctx)

	switch {
	case err != nil && isCancellation(err):
		d.emitExecution(logCtx, requestID, destName, query, "error", errcode.EventClientCancelled,
			err.Error(), elapsed, res)
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.RecordRequest("cancelled", elapsed.Seconds())
		}
		if d.cfg.Logger != nil {
			d.cfg.Logger.Warn(logCtx, "data_agent request cancelled",
				"request_id", requestID, "duration_ms", elapsed.Milliseconds())
		}
		return nil, err

	case err != nil:
		d.emitExecution(logCtx, requestID, destName, query, "error", errcode.AgentError.Name(),
			err.Error(), elapsed, res)
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.RecordRequest("error", elapsed.Seconds())
		}
		if d.cfg.Logger != nil {
			d.cfg.Logger.Error(logCtx, "data_agent request failed",
				"request_id", requestID, "error", err)
		}
		return &ToolResult{Content: fmt.Sprintf("Agent 调用失败: %v", err), IsError: true}, nil
	}

	d.emitExecution(logCtx, requestID, destName, query, "success", "", "", elapsed, res)
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.RecordRequest("success", elapsed.Seconds())
	}
	if d.cfg.Logger != nil {
		d.cfg.Logger.Info(logCtx, "data_agent request done",
			"request_id", requestID,
			"duration_ms", elapsed.Milliseconds(),
			"executed_steps", res.ExecutedSteps,
			"response_length", len([]rune(res.Response)))
	}

	return &ToolResult{Content: res.Response}, nil
}

// emitExecution writes the agent_execution_log row and bumps the session
// counters. res may be nil when the run was cancelled before finishing.
func (d *DataAgent) emitExecution(ctx context.Context, requestID, destName, query, status, errorCode, errorMessage string, elapsed time.Duration, res *RunResult) {
	if d.cfg.Recorder == nil {
		return
	}

	rec := analytics.AgentExecution{
		RequestID:    requestID,
		SessionID:    observability.SessionID(ctx),
		DBKey:        destName,
		UserQuery:    query,
		AgentType:    "plan_execute",
		Status:       status,
		DurationMS:   float64(elapsed) / float64(time.Millisecond),
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
		ClientIP:     observability.ClientIP(ctx),
	}
	if res != nil {
		rec.PlanSteps = res.PlanSteps
		rec.ExecutedSteps = res.ExecutedSteps
		rec.Iterations = res.Iterations
		rec.ResponseLength = len([]rune(res.Response))
		rec.HasData = res.ExecutedSteps > 0
	}
	d.cfg.Recorder.LogAgentExecution(ctx, rec)

	if sessionID := observability.SessionID(ctx); sessionID != "" {
		d.cfg.Recorder.TouchSession(ctx, sessionID, destName, status == "success")
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
