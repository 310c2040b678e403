package agent

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/beiningY/DB-MCP-server/internal/observability"
)

// maxToolRounds bounds how many completion/tool-execution exchanges a
// single plan step may consume before the step is declared failed.
const maxToolRounds = 10

// ToolLoopConfig configures a ToolLoop.
type ToolLoopConfig struct {
	Provider LLMProvider
	Registry *ToolRegistry
	Model    string

	// MaxRounds caps the inner exchanges; zero selects maxToolRounds.
	MaxRounds int

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

func sanitizeToolLoopConfig(cfg ToolLoopConfig) ToolLoopConfig {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = maxToolRounds
	}
	return cfg
}

// ToolLoop is the tool-calling sub-agent: it feeds a task to the model,
// executes the tool calls the model requests, appends the results, and
// repeats until the model answers with plain text.
type ToolLoop struct {
	cfg ToolLoopConfig
}

func NewToolLoop(cfg ToolLoopConfig) *ToolLoop {
	return &ToolLoop{cfg: sanitizeToolLoopConfig(cfg)}
}

// Run executes one task to completion and returns the model's final text.
func (l *ToolLoop) Run(ctx context.Context, task string) (string, error) {
	messages := []CompletionMessage{{Role: "user", Content: task}}

	for round := 0; round < l.cfg.MaxRounds; round++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		comp, err := l.cfg.Provider.Complete(ctx, &CompletionRequest{
			Model:    l.cfg.Model,
			System:   executorSystemPrompt,
			Messages: messages,
			Tools:    l.cfg.Registry.List(),
		})
		if err != nil {
			return "", err
		}

		if len(comp.ToolCalls) == 0 {
			return comp.Text, nil
		}

		messages = append(messages, CompletionMessage{
			Role:      "assistant",
			Content:   comp.Text,
			ToolCalls: comp.ToolCalls,
		})

		results := make([]ToolResult, 0, len(comp.ToolCalls))
		for _, call := range comp.ToolCalls {
			results = append(results, l.executeCall(ctx, call))
			if err := ctx.Err(); err != nil {
				return "", err
			}
		}
		messages = append(messages, CompletionMessage{Role: "tool", ToolResults: results})
	}

	return "", fmt.Errorf("reached max tool rounds: %d", l.cfg.MaxRounds)
}

// executeCall runs a single tool call. Hard tool failures become soft error
// results so the model can react to them on the next round.
func (l *ToolLoop) executeCall(ctx context.Context, call ToolCall) ToolResult {
	toolCtx := ctx
	var span trace.Span
	if l.cfg.Tracer != nil {
		toolCtx, span = l.cfg.Tracer.TraceToolExecution(ctx, call.Name)
		defer span.End()
	}

	start := time.Now()
	res, err := l.cfg.Registry.Execute(toolCtx, call.Name, call.Input)
	elapsed := time.Since(start)

	if err != nil {
		if l.cfg.Tracer != nil {
			l.cfg.Tracer.RecordError(span, err)
		}
		if l.cfg.Logger != nil {
			l.cfg.Logger.Warn(ctx, "tool execution failed", "tool", call.Name, "error", err)
		}
		res = &ToolResult{
			Content: fmt.Sprintf("tool execution failed: %v", err),
			IsError: true,
		}
	}
	res.ToolCallID = call.ID

	status := "success"
	if res.IsError {
		status = "error"
	}
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.RecordToolCall(call.Name, status, elapsed.Seconds())
	}
	if l.cfg.Logger != nil {
		l.cfg.Logger.Debug(ctx, "tool call finished",
			"tool", call.Name,
			"status", status,
			"duration_ms", elapsed.Milliseconds())
	}

	return *res
}
