package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/beiningY/DB-MCP-server/internal/analytics"
	"github.com/beiningY/DB-MCP-server/internal/mapping"
	"github.com/beiningY/DB-MCP-server/internal/observability"
)

func newTestDispatcher(ctrl, loop *fakeProvider, rec *analytics.Recorder) *DataAgent {
	return NewDataAgent(DataAgentConfig{
		Controller: newTestController(ctrl, loop),
		Recorder:   rec,
		Logger:     testLogger(),
		Workers:    1,
	})
}

func destinationContext(name string) context.Context {
	return mapping.WithDestination(context.Background(), &mapping.Destination{
		Name:     name,
		Host:     "db.internal",
		Port:     3306,
		Username: "reader",
		Database: name,
		Type:     "mysql",
	})
}

func TestDataAgent_EmptyQuery(t *testing.T) {
	d := newTestDispatcher(nil, nil, nil)

	for _, params := range []string{`{"query": ""}`, `{"query": "   "}`, `{}`} {
		res, err := d.Execute(destinationContext("orders"), json.RawMessage(params))
		if err != nil {
			t.Fatalf("Execute(%s) error = %v", params, err)
		}
		if !res.IsError || res.Content != "错误：查询内容不能为空" {
			t.Errorf("Execute(%s) = %+v", params, res)
		}
	}
}

func TestDataAgent_MalformedParams(t *testing.T) {
	d := newTestDispatcher(nil, nil, nil)

	res, err := d.Execute(destinationContext("orders"), json.RawMessage(`{"query": 42}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "错误：参数解析失败") {
		t.Errorf("result = %+v", res)
	}
}

func TestDataAgent_MissingDestination(t *testing.T) {
	ctrl := &fakeProvider{fn: func(call int, req *CompletionRequest) (*Completion, error) {
		t.Fatal("controller must not run without a destination")
		return nil, nil
	}}
	d := newTestDispatcher(ctrl, ctrl, nil)

	res, err := d.Execute(context.Background(), json.RawMessage(`{"query": "查一下"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError {
		t.Fatal("missing destination must be an error result")
	}
	if !strings.Contains(res.Content, "?db=") {
		t.Errorf("message should explain the ?db= parameter: %q", res.Content)
	}
}

func TestDataAgent_Success(t *testing.T) {
	ctrl := &fakeProvider{fn: func(call int, req *CompletionRequest) (*Completion, error) {
		if call == 1 {
			return &Completion{Text: `{"steps": ["查订单数"]}`}, nil
		}
		return &Completion{Text: `{"action": {"response": "一共 7 单"}}`}, nil
	}}
	loop := &fakeProvider{fn: func(call int, req *CompletionRequest) (*Completion, error) {
		return &Completion{Text: "订单数是 7"}, nil
	}}

	log := testLogger()
	d := newTestDispatcher(ctrl, loop, analytics.NewRecorder(nil, false, log))

	res, err := d.Execute(destinationContext("orders"), json.RawMessage(`{"query": "有多少订单"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
	if res.Content != "一共 7 单" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestDataAgent_TelemetryFailureDoesNotFailRequest(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	// No expectations are registered, so every telemetry statement errors.
	rec := analytics.NewRecorder(db, true, testLogger())

	ctrl := &fakeProvider{fn: func(call int, req *CompletionRequest) (*Completion, error) {
		if call == 1 {
			return &Completion{Text: `{"steps": ["查订单数"]}`}, nil
		}
		return &Completion{Text: `{"action": {"response": "一共 7 单"}}`}, nil
	}}
	loop := &fakeProvider{fn: func(call int, req *CompletionRequest) (*Completion, error) {
		return &Completion{Text: "订单数是 7"}, nil
	}}
	d := newTestDispatcher(ctrl, loop, rec)

	res, err := d.Execute(destinationContext("orders"), json.RawMessage(`{"query": "有多少订单"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
	if res.Content != "一共 7 单" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestDataAgent_CancellationTelemetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	rec := analytics.NewRecorder(db, true, testLogger())

	ctx, cancel := context.WithCancel(destinationContext("orders"))
	ctx = observability.WithSessionID(ctx, "sess-9")

	ctrl := &fakeProvider{fn: func(call int, req *CompletionRequest) (*Completion, error) {
		return &Completion{Text: `{"steps": ["慢查询"]}`}, nil
	}}
	loop := &fakeProvider{fn: func(call int, req *CompletionRequest) (*Completion, error) {
		cancel()
		return nil, ctx.Err()
	}}
	d := newTestDispatcher(ctrl, loop, rec)

	// The execution row is written with a cancelled request context, so
	// emission must survive cancellation.
	mock.ExpectQuery("SELECT tool_name, tool_type, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"tool_name", "tool_type", "count"}))
	mock.ExpectExec("INSERT INTO agent_execution_log").
		WithArgs("sess-9", sqlmock.AnyArg(), "orders", "查一下订单", sqlmock.AnyArg(),
			"plan_execute", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"error", "CLIENT_CANCELLED", sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT db_keys_used FROM user_session_log").
		WillReturnRows(sqlmock.NewRows([]string{"db_keys_used"}).AddRow(`["orders"]`))
	mock.ExpectExec("UPDATE user_session_log").
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err = d.Execute(ctx, json.RawMessage(`{"query": "查一下订单"}`))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("telemetry expectations: %v", err)
	}
}

func TestDataAgent_Identity(t *testing.T) {
	d := newTestDispatcher(nil, nil, nil)

	if d.Name() != "data_agent" {
		t.Errorf("Name() = %q", d.Name())
	}
	if !strings.Contains(d.Description(), "数据分析智能体") {
		t.Errorf("Description() = %q", d.Description())
	}

	var schema struct {
		Type     string   `json:"type"`
		Required []string `json:"required"`
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(d.Schema(), &schema); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if schema.Type != "object" || len(schema.Required) != 1 || schema.Required[0] != "query" {
		t.Errorf("schema = %+v", schema)
	}
	if schema.Properties["query"].Type != "string" {
		t.Errorf("query property = %+v", schema.Properties)
	}
}
