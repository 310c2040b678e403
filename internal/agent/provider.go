// Package agent implements the plan-execute-replan controller behind the
// data_agent tool: a planner turns a natural-language question into an
// ordered step list, a tool-calling sub-agent executes one step at a time,
// and a replanner decides after every step whether to answer or continue.
package agent

import (
	"context"
	"encoding/json"
)

// Tool is a capability the model may invoke during a completion exchange.
// Execute returns a soft failure as ToolResult.IsError; a non-nil error
// means the tool itself broke.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult carries a tool outcome back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// CompletionMessage is one turn in the conversation sent to a provider.
// Role is "user", "assistant", or "tool"; tool messages carry only
// ToolResults.
type CompletionMessage struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// CompletionRequest describes a single chat completion.
type CompletionRequest struct {
	Model    string
	System   string
	Messages []CompletionMessage
	Tools    []Tool
	// JSONMode asks the provider for a single JSON object response where
	// the backend supports it; the prompt carries the contract regardless.
	JSONMode  bool
	MaxTokens int
}

// Completion is a finished model response.
type Completion struct {
	Text         string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
}

// LLMProvider is a chat-completion backend. Implementations retry
// transient failures internally and honor ctx cancellation.
type LLMProvider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}
