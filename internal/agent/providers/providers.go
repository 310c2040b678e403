// Package providers implements the LLM backends behind the plan-execute
// controller. Each provider adapts one vendor API to agent.LLMProvider:
// converting the request, retrying transient failures with linear backoff,
// and extracting text, tool calls, and token usage from the response.
package providers

import (
	"fmt"

	"github.com/beiningY/DB-MCP-server/internal/agent"
	"github.com/beiningY/DB-MCP-server/internal/config"
)

// New builds the provider selected by the LLM configuration.
func New(cfg config.LLMConfig) (agent.LLMProvider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}
