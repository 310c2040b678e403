package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/beiningY/DB-MCP-server/internal/analytics"
	"github.com/beiningY/DB-MCP-server/internal/errcode"
	"github.com/beiningY/DB-MCP-server/internal/observability"
)

// MaxIterations is the primary deliberation bound: once this many steps
// have executed (len(PastSteps)), the replanner stops calling the model and
// synthesizes an answer from what it has.
const MaxIterations = 15

// defaultResponse is returned when a run terminates without any
// synthesized answer.
const defaultResponse = "未能生成回答，请重试。"

// Plan is the ordered step list produced by the planner.
type Plan struct {
	Steps []string `json:"steps"`
}

// Act is the replanner's decision: answer the user or continue with a
// revised plan. Exactly one arm is set.
type Act struct {
	Response *string
	Plan     *Plan
}

// PastStep records one executed step and what it produced.
type PastStep struct {
	Task   string
	Result string
}

// State is the controller's working memory for a single run.
type State struct {
	Input         string
	Plan          []string
	StepIndex     int
	PastSteps     []PastStep
	Errors        []string
	FinalResponse string
}

// RunResult is what a finished deliberation hands back to the dispatcher.
type RunResult struct {
	Response string

	// PlanSteps is the size of the plan in force at termination,
	// ExecutedSteps the number of completed (or failed-forward) steps,
	// Iterations the number of execute/replan passes.
	PlanSteps     int
	ExecutedSteps int
	Iterations    int
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	Provider LLMProvider
	Loop     *ToolLoop
	Model    string

	// MaxIterations overrides the step cap; zero selects MaxIterations.
	MaxIterations int

	Logger   *observability.Logger
	Recorder *analytics.Recorder
}

// Controller drives the plan-execute-replan state machine.
type Controller struct {
	cfg ControllerConfig
}

func NewController(cfg ControllerConfig) *Controller {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = MaxIterations
	}
	return &Controller{cfg: cfg}
}

// Run executes one deliberation. The returned response is always usable
// text: phase failures degrade into explanatory answers instead of errors.
// The only non-nil error is context cancellation.
func (c *Controller) Run(ctx context.Context, input string) (*RunResult, error) {
	state := &State{Input: input}
	iterations := 0

	result := func() *RunResult {
		return &RunResult{
			Response:      state.FinalResponse,
			PlanSteps:     len(state.Plan),
			ExecutedSteps: len(state.PastSteps),
			Iterations:    iterations,
		}
	}

	c.planStep(ctx, state)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if state.FinalResponse != "" {
		return result(), nil
	}
	if len(state.Plan) == 0 {
		state.FinalResponse = defaultResponse
		return result(), nil
	}

	// The scheduler-step valve backstops MaxIterations: the planner took
	// one step, each pass takes two more.
	maxHops := 2*c.cfg.MaxIterations + 10
	hops := 1

	for {
		if hops+2 > maxHops {
			err := fmt.Errorf("scheduler steps exceeded %d", maxHops)
			c.recordError(ctx, errcode.EventRecursionLimit, err, "agent", "Run")
			if c.cfg.Logger != nil {
				c.cfg.Logger.Error(ctx, "agent hit scheduler valve", "max_hops", maxHops)
			}
			state.FinalResponse = fmt.Sprintf("⚠️ 执行超过上限(%d轮)，已自动终止。请尝试简化问题后重新提问。", c.cfg.MaxIterations)
			return result(), nil
		}

		c.executeStep(ctx, state)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.replanStep(ctx, state)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hops += 2
		iterations++

		if state.FinalResponse != "" {
			return result(), nil
		}
		if len(state.Plan) == 0 || state.StepIndex >= len(state.Plan) {
			// No runnable step left and no answer from the replanner.
			state.FinalResponse = defaultResponse
			return result(), nil
		}
	}
}

func (c *Controller) planStep(ctx context.Context, state *State) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Info(ctx, "agent plan start", "input_preview", preview(state.Input, 100))
	}

	comp, err := c.cfg.Provider.Complete(ctx, &CompletionRequest{
		Model:    c.cfg.Model,
		System:   plannerSystemPrompt,
		Messages: []CompletionMessage{{Role: "user", Content: state.Input}},
		JSONMode: true,
	})

	var plan *Plan
	if err == nil {
		plan, err = parsePlan(comp.Text)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		state.Errors = append(state.Errors, fmt.Sprintf("[planner] %v", err))
		state.FinalResponse = fmt.Sprintf("规划阶段出错，无法生成执行计划: %v", err)
		c.recordError(ctx, errcode.EventPlanError, err, "agent_planner", "planStep")
		if c.cfg.Logger != nil {
			c.cfg.Logger.Error(ctx, "agent plan failed", "error", err)
		}
		return
	}

	state.Plan = plan.Steps
	state.StepIndex = 0
	if c.cfg.Logger != nil {
		c.cfg.Logger.Info(ctx, "agent plan ready", "steps", len(plan.Steps))
	}
}

func (c *Controller) executeStep(ctx context.Context, state *State) {
	if state.StepIndex >= len(state.Plan) {
		state.PastSteps = append(state.PastSteps, PastStep{
			Task:   "(无更多步骤)",
			Result: "所有计划步骤已执行完毕",
		})
		return
	}

	idx := state.StepIndex
	task := state.Plan[idx]
	if c.cfg.Logger != nil {
		c.cfg.Logger.Info(ctx, "agent step start",
			"step", idx+1, "total", len(state.Plan), "task", preview(task, 100))
	}

	start := time.Now()
	result, err := c.cfg.Loop.Run(ctx, stepPrompt(state.Plan, idx))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Fail forward: record the failure as the step result and move on
		// so one bad step cannot wedge the run.
		state.PastSteps = append(state.PastSteps, PastStep{
			Task:   task,
			Result: fmt.Sprintf("⚠️ 执行出错: %v", err),
		})
		state.StepIndex++
		state.Errors = append(state.Errors, fmt.Sprintf("[executor] step %d (%s): %v", idx, task, err))
		c.recordError(ctx, errcode.EventExecError, err, "agent_executor", "executeStep")
		if c.cfg.Logger != nil {
			c.cfg.Logger.Error(ctx, "agent step failed", "step", idx+1, "error", err)
		}
		return
	}

	state.PastSteps = append(state.PastSteps, PastStep{Task: task, Result: result})
	state.StepIndex++
	if c.cfg.Logger != nil {
		c.cfg.Logger.Info(ctx, "agent step done",
			"step", idx+1,
			"duration_ms", time.Since(start).Milliseconds(),
			"result_preview", preview(strings.ReplaceAll(result, "\n", " "), 200))
	}
}

func (c *Controller) replanStep(ctx context.Context, state *State) {
	if len(state.PastSteps) >= c.cfg.MaxIterations {
		if c.cfg.Logger != nil {
			c.cfg.Logger.Warn(ctx, "agent reached max iterations", "max", c.cfg.MaxIterations)
		}
		state.FinalResponse = fallbackResponse(state,
			fmt.Sprintf("已达到最大执行次数(%d)，基于已有信息自动生成回答", c.cfg.MaxIterations))
		return
	}

	comp, err := c.cfg.Provider.Complete(ctx, &CompletionRequest{
		Model:    c.cfg.Model,
		Messages: []CompletionMessage{{Role: "user", Content: replanPrompt(state)}},
		JSONMode: true,
	})

	var act *Act
	if err == nil {
		act, err = parseAct(comp.Text)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		state.Errors = append(state.Errors, fmt.Sprintf("[replanner] %v", err))
		c.recordError(ctx, errcode.EventReplanError, err, "agent_replanner", "replanStep")
		if c.cfg.Logger != nil {
			c.cfg.Logger.Error(ctx, "agent replan failed", "error", err)
		}
		state.FinalResponse = fallbackResponse(state,
			fmt.Sprintf("重规划阶段出错(%v)，基于已有信息生成回答", err))
		return
	}

	if act.Response != nil {
		state.FinalResponse = *act.Response
		if c.cfg.Logger != nil {
			c.cfg.Logger.Info(ctx, "agent complete",
				"response_preview", preview(strings.ReplaceAll(*act.Response, "\n", " "), 200))
		}
		return
	}

	state.Plan = act.Plan.Steps
	state.StepIndex = 0
	if c.cfg.Logger != nil {
		c.cfg.Logger.Info(ctx, "agent replanned", "steps", len(act.Plan.Steps))
	}
}

func (c *Controller) recordError(ctx context.Context, code string, err error, component, function string) {
	if c.cfg.Recorder == nil {
		return
	}
	c.cfg.Recorder.LogError(ctx, analytics.ErrorEntry{
		RequestID:    observability.RequestID(ctx),
		SessionID:    observability.SessionID(ctx),
		ErrorCode:    code,
		ErrorType:    fmt.Sprintf("%T", err),
		ErrorMessage: err.Error(),
		Component:    component,
		FunctionName: function,
	})
}

// parsePlan decodes the planner's JSON reply.
func parsePlan(text string) (*Plan, error) {
	var plan Plan
	if err := json.Unmarshal([]byte(jsonObject(text)), &plan); err != nil {
		return nil, fmt.Errorf("parse planner output: %w", err)
	}
	return &plan, nil
}

// parseAct decodes the replanner's reply. The action object is
// discriminated by key: a "response" string terminates, a "steps" array
// continues. Response wins when a confused model sends both.
func parseAct(text string) (*Act, error) {
	var env struct {
		Action json.RawMessage `json:"action"`
	}
	if err := json.Unmarshal([]byte(jsonObject(text)), &env); err != nil {
		return nil, fmt.Errorf("parse replanner output: %w", err)
	}
	if len(env.Action) == 0 {
		return nil, fmt.Errorf("replanner output has no action")
	}

	var probe struct {
		Response *string  `json:"response"`
		Steps    []string `json:"steps"`
	}
	if err := json.Unmarshal(env.Action, &probe); err != nil {
		return nil, fmt.Errorf("parse replanner action: %w", err)
	}

	switch {
	case probe.Response != nil:
		return &Act{Response: probe.Response}, nil
	case probe.Steps != nil:
		return &Act{Plan: &Plan{Steps: probe.Steps}}, nil
	default:
		return nil, fmt.Errorf("replanner action carries neither response nor steps")
	}
}

// jsonObject extracts the outermost JSON object from a model reply,
// tolerating markdown fences and surrounding prose.
func jsonObject(text string) string {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			return s[i : j+1]
		}
	}
	return s
}

func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
