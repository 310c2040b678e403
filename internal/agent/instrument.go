package agent

import (
	"context"
	"time"

	"github.com/beiningY/DB-MCP-server/internal/observability"
)

// instrumentedProvider wraps an LLMProvider with metrics and tracing so the
// controller and sub-agent stay free of observability plumbing.
type instrumentedProvider struct {
	inner   LLMProvider
	metrics *observability.Metrics
	tracer  *observability.Tracer
	log     *observability.Logger
}

// InstrumentProvider decorates p with per-request metrics, spans, and debug
// logging. Any nil dependency disables that concern.
func InstrumentProvider(p LLMProvider, metrics *observability.Metrics, tracer *observability.Tracer, log *observability.Logger) LLMProvider {
	return &instrumentedProvider{inner: p, metrics: metrics, tracer: tracer, log: log}
}

func (p *instrumentedProvider) Name() string { return p.inner.Name() }

func (p *instrumentedProvider) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	start := time.Now()

	var end func(err error)
	if p.tracer != nil {
		spanCtx, span := p.tracer.TraceLLMRequest(ctx, p.inner.Name(), req.Model)
		ctx = spanCtx
		end = func(err error) {
			if err != nil {
				p.tracer.RecordError(span, err)
			}
			span.End()
		}
	} else {
		end = func(error) {}
	}

	comp, err := p.inner.Complete(ctx, req)
	elapsed := time.Since(start)
	end(err)

	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordLLMRequest(p.inner.Name(), req.Model, "error", elapsed.Seconds(), 0, 0)
		}
		if p.log != nil {
			p.log.Warn(ctx, "llm completion failed", "provider", p.inner.Name(), "model", req.Model, "error", err)
		}
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.RecordLLMRequest(p.inner.Name(), req.Model, "success", elapsed.Seconds(), comp.InputTokens, comp.OutputTokens)
	}
	if p.log != nil {
		p.log.Debug(ctx, "llm completion",
			"provider", p.inner.Name(),
			"model", req.Model,
			"duration_ms", elapsed.Milliseconds(),
			"tool_calls", len(comp.ToolCalls),
			"input_tokens", comp.InputTokens,
			"output_tokens", comp.OutputTokens)
	}
	return comp, nil
}
