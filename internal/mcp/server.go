package mcp

import (
	"context"
	"encoding/json"

	"github.com/beiningY/DB-MCP-server/internal/agent"
	"github.com/beiningY/DB-MCP-server/internal/observability"
)

// ToolBackend is the tool surface the server dispatches to. It is
// satisfied by *agent.ToolRegistry; tests substitute fakes.
type ToolBackend interface {
	List() []agent.Tool
	Execute(ctx context.Context, name string, params json.RawMessage) (*agent.ToolResult, error)
}

// ServerConfig wires the protocol core.
type ServerConfig struct {
	Name    string
	Version string
	Tools   ToolBackend
	Logger  *observability.Logger
}

// Server is the MCP protocol core. It is transport-agnostic: Handle takes
// one raw JSON-RPC frame and returns the response frame, if any.
type Server struct {
	name    string
	version string
	tools   ToolBackend
	logger  *observability.Logger
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		name:    cfg.Name,
		version: cfg.Version,
		tools:   cfg.Tools,
		logger:  cfg.Logger,
	}
}

// Handle processes one JSON-RPC frame and returns the response to send
// back, or nil when the frame was a notification.
func (s *Server) Handle(ctx context.Context, raw []byte) *JSONRPCResponse {
	var req JSONRPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, ErrCodeParseError, "parse error: "+err.Error())
	}

	if req.ID == nil {
		s.handleNotification(ctx, req.Method)
		return nil
	}

	if req.Method == "" {
		return errorResponse(req.ID, ErrCodeInvalidRequest, "method is required")
	}

	if s.logger != nil {
		s.logger.Debug(ctx, "MCP request", "method", req.Method)
	}

	switch req.Method {
	case MethodInitialize:
		return s.handleInitialize(ctx, &req)
	case MethodPing:
		return resultResponse(req.ID, struct{}{})
	case MethodToolsList:
		return s.handleToolsList(ctx, &req)
	case MethodToolsCall:
		return s.handleToolsCall(ctx, &req)
	default:
		return errorResponse(req.ID, ErrCodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleInitialize(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, ErrCodeInvalidParams, "invalid initialize params: "+err.Error())
		}
	}

	if s.logger != nil {
		s.logger.Info(ctx, "MCP client connected",
			"client", params.ClientInfo.Name,
			"client_version", params.ClientInfo.Version,
			"protocol_version", params.ProtocolVersion)
	}

	return resultResponse(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capabilities{Tools: &ToolsCapability{}},
		ServerInfo:      ServerInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) handleToolsList(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	tools := s.tools.List()
	out := make([]*MCPTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, &MCPTool{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}

	if s.logger != nil {
		s.logger.Debug(ctx, "served tool list", "tools", len(out))
	}

	return resultResponse(req.ID, ListToolsResult{Tools: out})
}

// handleToolsCall runs the named tool. Soft tool failures come back as
// ToolCallResult.IsError so the client sees them as tool output; only a
// broken tool surfaces as a JSON-RPC error.
func (s *Server) handleToolsCall(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, ErrCodeInvalidParams, "invalid tools/call params: "+err.Error())
	}
	if params.Name == "" {
		return errorResponse(req.ID, ErrCodeInvalidParams, "tool name is required")
	}

	res, err := s.tools.Execute(ctx, params.Name, params.Arguments)
	if err != nil {
		if s.logger != nil {
			s.logger.Error(ctx, "tool execution failed", "tool", params.Name, "error", err)
		}
		return errorResponse(req.ID, ErrCodeInternalError, err.Error())
	}

	return resultResponse(req.ID, ToolCallResult{
		Content: []ToolResultContent{{Type: "text", Text: res.Content}},
		IsError: res.IsError,
	})
}

func (s *Server) handleNotification(ctx context.Context, method string) {
	if s.logger == nil {
		return
	}
	switch method {
	case NotificationInitialized:
		s.logger.Debug(ctx, "MCP handshake complete")
	default:
		s.logger.Debug(ctx, "ignoring notification", "method", method)
	}
}

func resultResponse(id any, result any) *JSONRPCResponse {
	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, ErrCodeInternalError, "marshal result: "+err.Error())
	}
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: data}
}

func errorResponse(id any, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}
