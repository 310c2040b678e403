package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beiningY/DB-MCP-server/internal/agent"
	"github.com/beiningY/DB-MCP-server/internal/analytics"
	"github.com/beiningY/DB-MCP-server/internal/errcode"
	"github.com/beiningY/DB-MCP-server/internal/observability"
)

// KnowledgeToolName is the wire name the sub-agent calls to search the
// knowledge graph.
const KnowledgeToolName = "search_knowledge_graph"

const knowledgeToolDescription = `在知识图谱中搜索相关信息（历史 SQL 查询、表字段说明、业务逻辑）。

查询支持自然语言描述，例如：
- "如何计算放款金额"
- "temp_rc_model_daily 表的用途"
- "machine_status 字段的含义"

mode 取值：naive（向量相似度）、local（实体关系）、global（全局模式）、
hybrid（local+global）、mix（图谱+向量，推荐）、bypass（直接 LLM）`

// knowledgeModes are the retrieval strategies the backing service accepts.
var knowledgeModes = []string{"naive", "local", "global", "hybrid", "mix", "bypass"}

// KnowledgeTool forwards searches to the LightRAG HTTP service and wraps the
// synthesized answer in the standard envelope.
type KnowledgeTool struct {
	cfg    KnowledgeToolConfig
	client *http.Client
}

// KnowledgeToolConfig wires the knowledge tool.
type KnowledgeToolConfig struct {
	// APIURL is the service base URL; the tool posts to APIURL + "/query".
	APIURL string
	// APIKey, when set, rides as a bearer token.
	APIKey string
	// Timeout bounds the whole HTTP exchange. Zero means 30 seconds.
	Timeout  time.Duration
	Recorder *analytics.Recorder
	Logger   *observability.Logger
}

func NewKnowledgeTool(cfg KnowledgeToolConfig) *KnowledgeTool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{Level: "warn"})
	}
	return &KnowledgeTool{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (t *KnowledgeTool) Name() string { return KnowledgeToolName }

func (t *KnowledgeTool) Description() string { return knowledgeToolDescription }

func (t *KnowledgeTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "搜索查询，支持自然语言描述",
			},
			"mode": map[string]any{
				"type":        "string",
				"enum":        knowledgeModes,
				"description": "搜索模式，默认 mix（推荐）",
			},
			"top_k": map[string]any{
				"type":        "integer",
				"description": "返回的结果数量，默认 5",
			},
		},
		"required": []string{"query"},
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

// Execute performs one search. Service unavailability is a soft failure
// with an actionable message, never a hard error.
func (t *KnowledgeTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args struct {
		Query string `json:"query"`
		Mode  string `json:"mode"`
		TopK  int    `json:"top_k"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return errorResult(errcode.Error(errcode.InvalidParams, fmt.Sprintf("参数解析失败: %v", err), nil)), nil
	}

	query := strings.TrimSpace(args.Query)
	if query == "" {
		return errorResult(errcode.Error(errcode.InvalidParams, "查询内容不能为空", nil)), nil
	}
	mode := args.Mode
	if mode == "" {
		mode = "mix"
	}
	topK := args.TopK
	if topK <= 0 {
		topK = 5
	}

	t.cfg.Logger.Info(ctx, "knowledge search", "mode", mode, "query_preview", truncateRunes(query, 100))

	start := time.Now()
	content, env := t.search(ctx, query, mode, topK)
	elapsedMS := roundMS(float64(time.Since(start)) / float64(time.Millisecond))

	if env != nil {
		t.cfg.Logger.Warn(ctx, "knowledge search failed", "mode", mode, "error", env.Error.Message)
		t.emitTelemetry(ctx, query, mode, elapsedMS, "error", env.Error.Message, "")
		return errorResult(*env), nil
	}

	success := errcode.Success(
		[]map[string]any{{"results": content, "mode": mode, "top_k": topK}},
		[]string{"results", "mode", "top_k"},
		"搜索成功", elapsedMS)

	t.cfg.Logger.Info(ctx, "knowledge search done",
		"mode", mode, "duration_ms", elapsedMS, "result_length", len([]rune(content)))
	t.emitTelemetry(ctx, query, mode, elapsedMS, "success", "", content)

	return &agent.ToolResult{Content: success.JSON()}, nil
}

// search runs the HTTP exchange. It returns either the extracted answer or
// an error envelope.
func (t *KnowledgeTool) search(ctx context.Context, query, mode string, topK int) (string, *errcode.Envelope) {
	endpoint := strings.TrimRight(t.cfg.APIURL, "/") + "/query"
	payload, err := json.Marshal(map[string]any{
		"query": query,
		"mode":  mode,
		"top_k": topK,
	})
	if err != nil {
		return "", envelopePtr(errcode.Error(errcode.UnknownError, fmt.Sprintf("查询失败：%v", err), nil))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", envelopePtr(errcode.Error(errcode.UnknownError, fmt.Sprintf("查询失败：%v", err), nil))
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", envelopePtr(errcode.Error(errcode.TimeoutError,
				fmt.Sprintf("LightRAG 查询超时（%d秒），请稍后重试", int(t.cfg.Timeout.Seconds())), nil))
		}
		return "", envelopePtr(errcode.Error(errcode.ToolExecutionError,
			fmt.Sprintf("无法连接到 LightRAG 服务（%s），请确认服务是否启动", t.cfg.APIURL), nil))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", envelopePtr(errcode.Error(errcode.UnknownError, fmt.Sprintf("查询失败：%v", err), nil))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to extraction below.
	case resp.StatusCode == http.StatusNotFound:
		return "", envelopePtr(errcode.Error(errcode.ToolExecutionError,
			fmt.Sprintf("LightRAG 服务未找到，请检查服务地址：%s", t.cfg.APIURL), nil))
	default:
		return "", envelopePtr(errcode.Error(errcode.ToolExecutionError,
			fmt.Sprintf("LightRAG API 返回错误：%d - %s", resp.StatusCode, truncateRunes(string(body), 200)), nil))
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", envelopePtr(errcode.Error(errcode.UnknownError, fmt.Sprintf("查询失败：%v", err), nil))
	}
	return extractAnswer(decoded), nil
}

// extractAnswer pulls the synthesized text out of the service reply. The
// API returns {"response": "..."} today; "result" and raw shapes are kept
// for older deployments.
func extractAnswer(decoded any) string {
	switch v := decoded.(type) {
	case map[string]any:
		if s, ok := v["response"]; ok {
			return asText(s)
		}
		if s, ok := v["result"]; ok {
			return asText(s)
		}
		return asText(v)
	default:
		return asText(v)
	}
}

func asText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func (t *KnowledgeTool) emitTelemetry(ctx context.Context, query, mode string, durationMS float64, status, errMsg, content string) {
	if t.cfg.Recorder == nil {
		return
	}

	requestID := observability.RequestID(ctx)
	sessionID := observability.SessionID(ctx)

	t.cfg.Recorder.LogToolCall(ctx, analytics.ToolCall{
		RequestID:       requestID,
		SessionID:       sessionID,
		ToolName:        KnowledgeToolName,
		ToolType:        "knowledge",
		Parameters:      map[string]any{"query": truncateRunes(query, 500), "mode": mode},
		DurationMS:      durationMS,
		Status:          status,
		ErrorMessage:    truncateRunes(errMsg, 500),
		ResultSizeBytes: len(content),
		ResultSummary:   content,
	})

	t.cfg.Recorder.LogKnowledge(ctx, analytics.KnowledgeSearch{
		RequestID:    requestID,
		SessionID:    sessionID,
		Query:        query,
		SearchMode:   mode,
		DurationMS:   durationMS,
		Status:       status,
		ResultLength: len([]rune(content)),
		HasResult:    content != "",
	})
}

func envelopePtr(env errcode.Envelope) *errcode.Envelope { return &env }

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var uerr *url.Error
	return errors.As(err, &uerr) && uerr.Timeout()
}
