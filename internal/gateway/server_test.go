package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/beiningY/DB-MCP-server/internal/agent"
	"github.com/beiningY/DB-MCP-server/internal/analytics"
	"github.com/beiningY/DB-MCP-server/internal/config"
	"github.com/beiningY/DB-MCP-server/internal/dbpool"
	"github.com/beiningY/DB-MCP-server/internal/mapping"
	"github.com/beiningY/DB-MCP-server/internal/mcp"
	"github.com/beiningY/DB-MCP-server/internal/observability"
)

// captureTool stands in for the data_agent and records the context values
// the transport is expected to deliver to tool executions.
type captureTool struct {
	mu        sync.Mutex
	dbName    string
	clientIP  string
	sessionID string
}

func (c *captureTool) Name() string { return "data_agent" }

func (c *captureTool) Description() string { return "智能数据分析" }

func (c *captureTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)
}

func (c *captureTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dbName, _ = mapping.NameFromContext(ctx)
	c.clientIP = observability.ClientIP(ctx)
	c.sessionID = observability.SessionID(ctx)

	var req struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	return &agent.ToolResult{Content: "answered: " + req.Query}, nil
}

func (c *captureTool) snapshot() (dbName, clientIP, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dbName, c.clientIP, c.sessionID
}

// newWiredServer assembles a Server the way New does, minus the pieces a
// test cannot run: the LLM provider, the cron schedule, and the tracer.
func newWiredServer(t *testing.T) (*Server, sqlmock.Sqlmock, *captureTool) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := quietLogger()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	store := mapping.NewStore(db)

	tool := &captureTool{}
	outer := agent.NewToolRegistry()
	if err := outer.Register(tool); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	mcpServer := mcp.NewServer(mcp.ServerConfig{
		Name:    ServiceName,
		Version: ServiceVersion,
		Tools:   outer,
		Logger:  logger,
	})
	sse := mcp.NewSSEServer(mcp.SSEServerConfig{Server: mcpServer, Logger: logger})

	s := &Server{
		logger:   logger,
		metrics:  metrics,
		promReg:  reg,
		mappings: store,
		sessions: NewSessionTracker(analytics.NewRecorder(db, true, logger), metrics, logger),
		sse:      sse,
	}
	return s, mock, tool
}

func readEventFrame(t *testing.T, sc *bufio.Scanner) (event, data string) {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "" || strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			return event, strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended before a full frame: %v", sc.Err())
	return "", ""
}

// TestGatewayEndToEnd drives the complete client flow through the mux:
// open the stream, initialize, list tools, call the data agent, and
// disconnect.
func TestGatewayEndToEnd(t *testing.T) {
	s, mock, tool := newWiredServer(t)

	mock.ExpectQuery("SELECT (.+) FROM db_mapping WHERE is_active = 1").
		WillReturnRows(mappingRows("sales"))
	if _, err := s.mappings.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	mock.ExpectExec("INSERT INTO user_session_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE user_session_log SET end_time").WillReturnResult(sqlmock.NewResult(0, 1))

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(s.sse.Close)

	resp, err := http.Get(ts.URL + "/sse?db=sales")
	if err != nil {
		t.Fatalf("GET /sse: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /sse status = %d, want 200", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	event, data := readEventFrame(t, sc)
	if event != "endpoint" {
		t.Fatalf("first frame event = %q, want endpoint", event)
	}
	if !strings.HasPrefix(data, "/messages?session_id=") {
		t.Fatalf("endpoint frame = %q", data)
	}
	messageURL := ts.URL + data

	post := func(body string) {
		t.Helper()
		resp, err := http.Post(messageURL, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST message: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("POST status = %d, want 202", resp.StatusCode)
		}
	}

	post(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"inspector","version":"0.4"}}}`)
	_, data = readEventFrame(t, sc)
	var initResp struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(data), &initResp); err != nil {
		t.Fatalf("decode initialize response: %v", err)
	}
	if initResp.Result.ProtocolVersion != mcp.ProtocolVersion {
		t.Errorf("protocol version = %q", initResp.Result.ProtocolVersion)
	}
	if initResp.Result.ServerInfo.Name != ServiceName || initResp.Result.ServerInfo.Version != ServiceVersion {
		t.Errorf("serverInfo = %+v", initResp.Result.ServerInfo)
	}

	post(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	_, data = readEventFrame(t, sc)
	var listResp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(data), &listResp); err != nil {
		t.Fatalf("decode tools/list response: %v", err)
	}
	if len(listResp.Result.Tools) != 1 || listResp.Result.Tools[0].Name != "data_agent" {
		t.Errorf("tools = %+v", listResp.Result.Tools)
	}

	post(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"data_agent","arguments":{"query":"昨天的销售额"}}}`)
	_, data = readEventFrame(t, sc)
	var callResp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(data), &callResp); err != nil {
		t.Fatalf("decode tools/call response: %v", err)
	}
	if callResp.Result.IsError {
		t.Error("tool call flagged as error")
	}
	if len(callResp.Result.Content) != 1 || callResp.Result.Content[0].Text != "answered: 昨天的销售额" {
		t.Errorf("content = %+v", callResp.Result.Content)
	}

	// The tool must see what the middleware put on the stream context.
	dbName, clientIP, sessionID := tool.snapshot()
	if dbName != "sales" {
		t.Errorf("tool saw destination %q, want sales", dbName)
	}
	if clientIP == "" {
		t.Error("tool saw no client ip")
	}
	if len(sessionID) != 36 {
		t.Errorf("tool saw session id %q, want uuid", sessionID)
	}

	// Disconnecting closes the analytics session.
	resp.Body.Close()
	deadline := time.Now().Add(2 * time.Second)
	for s.sessions.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session still open after disconnect, Len() = %d", s.sessions.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestHandlerRoutes(t *testing.T) {
	s, mock, _ := newWiredServer(t)

	mock.ExpectQuery("SELECT (.+) FROM db_mapping WHERE is_active = 1").
		WillReturnRows(mappingRows("orders"))
	if _, err := s.mappings.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(s.sse.Close)

	checks := []struct {
		path       string
		wantStatus int
	}{
		{"/", http.StatusOK},
		{"/health", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/unknown", http.StatusNotFound},
	}
	for _, c := range checks {
		resp, err := http.Get(ts.URL + c.path)
		if err != nil {
			t.Fatalf("GET %s: %v", c.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != c.wantStatus {
			t.Errorf("GET %s status = %d, want %d", c.path, resp.StatusCode, c.wantStatus)
		}
	}
}

func TestServerRun_GracefulShutdown(t *testing.T) {
	s, _, _ := newWiredServer(t)
	s.cfg = &config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: 0}}
	s.pools = dbpool.NewRegistry(dbpool.Config{Size: 1, MaxPools: 4, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}
