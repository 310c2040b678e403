package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/beiningY/DB-MCP-server/internal/analytics"
	"github.com/beiningY/DB-MCP-server/internal/errcode"
	"github.com/beiningY/DB-MCP-server/internal/observability"
)

func TestKnowledgeTool_Success(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"response": "还款率 = 实收金额 / 应收金额"})
	}))
	defer srv.Close()

	tool := NewKnowledgeTool(KnowledgeToolConfig{
		APIURL: srv.URL,
		APIKey: "rag-key-1",
		Logger: quietLogger(),
	})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"如何计算还款率"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}

	if gotPath != "/query" {
		t.Errorf("path = %q, want /query", gotPath)
	}
	if gotAuth != "Bearer rag-key-1" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotBody["query"] != "如何计算还款率" || gotBody["mode"] != "mix" || gotBody["top_k"] != float64(5) {
		t.Errorf("request body = %v", gotBody)
	}

	env := decodeEnvelope(t, res.Content)
	if !env.Success || env.Message != "搜索成功" {
		t.Fatalf("envelope = %s", res.Content)
	}
	if got := env.Data[0]["results"]; got != "还款率 = 实收金额 / 应收金额" {
		t.Errorf("results = %v", got)
	}
	if got := env.Data[0]["mode"]; got != "mix" {
		t.Errorf("mode = %v", got)
	}
}

func TestKnowledgeTool_ModePassthrough(t *testing.T) {
	var gotBody map[string]any
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]string{"response": "ok"})
	}))
	defer srv.Close()

	tool := NewKnowledgeTool(KnowledgeToolConfig{APIURL: srv.URL, Logger: quietLogger()})
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"q","mode":"local","top_k":3}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if gotBody["mode"] != "local" || gotBody["top_k"] != float64(3) {
		t.Errorf("request body = %v", gotBody)
	}
	if gotAuth != "" {
		t.Errorf("no API key configured but Authorization = %q", gotAuth)
	}
}

func TestKnowledgeTool_EmptyQuery(t *testing.T) {
	tool := NewKnowledgeTool(KnowledgeToolConfig{APIURL: "http://localhost:9621", Logger: quietLogger()})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"  "}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	env := decodeEnvelope(t, res.Content)
	if env.Error == nil || env.Error.Code != errcode.InvalidParams {
		t.Fatalf("expected INVALID_PARAMS: %s", res.Content)
	}
	if env.Error.Message != "查询内容不能为空" {
		t.Errorf("message = %q", env.Error.Message)
	}
}

func TestKnowledgeTool_ServiceErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{
			name:    "not found",
			status:  http.StatusNotFound,
			body:    "not here",
			wantMsg: "LightRAG 服务未找到，请检查服务地址：",
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    "boom",
			wantMsg: "LightRAG API 返回错误：500 - boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			tool := NewKnowledgeTool(KnowledgeToolConfig{APIURL: srv.URL, Logger: quietLogger()})
			res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"q"}`))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !res.IsError {
				t.Fatal("expected error result")
			}
			env := decodeEnvelope(t, res.Content)
			if !strings.Contains(env.Error.Message, tt.wantMsg) {
				t.Errorf("message = %q, want %q", env.Error.Message, tt.wantMsg)
			}
		})
	}
}

func TestKnowledgeTool_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	tool := NewKnowledgeTool(KnowledgeToolConfig{APIURL: url, Logger: quietLogger()})
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"q"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	env := decodeEnvelope(t, res.Content)
	if env.Error == nil || !strings.Contains(env.Error.Message, "无法连接到 LightRAG 服务") {
		t.Fatalf("envelope = %s", res.Content)
	}
}

func TestKnowledgeTool_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]string{"response": "late"})
	}))
	defer srv.Close()

	tool := NewKnowledgeTool(KnowledgeToolConfig{
		APIURL:  srv.URL,
		Timeout: 20 * time.Millisecond,
		Logger:  quietLogger(),
	})
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"q"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	env := decodeEnvelope(t, res.Content)
	if env.Error == nil || env.Error.Code != errcode.TimeoutError {
		t.Fatalf("envelope = %s", res.Content)
	}
	if !strings.Contains(env.Error.Message, "LightRAG 查询超时") {
		t.Errorf("message = %q", env.Error.Message)
	}
}

func TestExtractAnswer(t *testing.T) {
	tests := []struct {
		name    string
		decoded any
		want    string
	}{
		{
			name:    "response key",
			decoded: map[string]any{"response": "答案A"},
			want:    "答案A",
		},
		{
			name:    "result key fallback",
			decoded: map[string]any{"result": "答案B"},
			want:    "答案B",
		},
		{
			name:    "unknown map stringified",
			decoded: map[string]any{"payload": "x"},
			want:    `{"payload":"x"}`,
		},
		{
			name:    "bare string",
			decoded: "plain answer",
			want:    "plain answer",
		},
		{
			name:    "non-string response value",
			decoded: map[string]any{"response": map[string]any{"text": "嵌套"}},
			want:    `{"text":"嵌套"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractAnswer(tt.decoded); got != tt.want {
				t.Errorf("extractAnswer() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKnowledgeTool_TelemetryRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()
	recorder := analytics.NewRecorder(db, true, quietLogger())

	mock.ExpectExec("INSERT INTO tool_call_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO knowledge_graph_log").WillReturnResult(sqlmock.NewResult(1, 1))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"response": "知识点"})
	}))
	defer srv.Close()

	tool := NewKnowledgeTool(KnowledgeToolConfig{APIURL: srv.URL, Recorder: recorder, Logger: quietLogger()})

	ctx := observability.WithRequestID(context.Background(), "req-9")
	if _, err := tool.Execute(ctx, json.RawMessage(`{"query":"还款率"}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
