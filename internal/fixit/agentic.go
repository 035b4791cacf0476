package fixit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-chaos/internal/llm"
	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

// AgentState is a state of the agentic diagnosis loop.
type AgentState string

const (
	StateAwaitingModel     AgentState = "awaiting-model"
	StateExecutingTool     AgentState = "executing-tool"
	StateConcluded         AgentState = "concluded"
	StateTurnLimitExceeded AgentState = "turn-limit-exceeded"
	StateFailed            AgentState = "failed"
)

// IsTerminal reports whether the loop stops in this state.
func (s AgentState) IsTerminal() bool {
	return s == StateConcluded || s == StateTurnLimitExceeded || s == StateFailed
}

// ErrEmptyDescription rejects agentic runs without a problem description.
var ErrEmptyDescription = errors.New("problem description is required")

const maxToolOutput = 4000

const agentSystemPrompt = `You are investigating a production problem in a fleet of services under automated resilience testing.
Use the tools to inspect problems, logs, metrics, topology and events. The tools are read-only.
When you know the root cause, reply without calling a tool: state the root cause, the evidence and the fix you recommend.`

// toolFunc runs one read-only tool with JSON arguments and returns its output.
type toolFunc func(ctx context.Context, args toolArgs) (any, error)

type toolArgs struct {
	ProblemID       string `json:"problemId"`
	Query           string `json:"query"`
	Selector        string `json:"selector"`
	EntitySelector  string `json:"entitySelector"`
	EventType       string `json:"eventType"`
	LookbackMinutes int    `json:"lookbackMinutes"`
	Limit           int    `json:"limit"`
}

func (a toolArgs) timeframe(now time.Time) models.Timeframe {
	lookback := time.Duration(a.LookbackMinutes) * time.Minute
	if lookback <= 0 {
		lookback = time.Hour
	}
	return models.Last(lookback, now)
}

type agentTool struct {
	def llm.Tool
	run toolFunc
}

func (p *Pipeline) agentTools() map[string]agentTool {
	lookback := map[string]any{"type": "integer", "description": "How many minutes back to look. Defaults to 60."}
	tools := []agentTool{
		{
			def: toolDef("get_problems", "List problems opened in the lookback window.", map[string]any{
				"lookbackMinutes": lookback,
			}, nil),
			run: func(ctx context.Context, a toolArgs) (any, error) {
				return p.obs.GetProblems(ctx, a.timeframe(p.now()))
			},
		},
		{
			def: toolDef("get_problem_details", "Fetch one problem with its affected entities.", map[string]any{
				"problemId": map[string]any{"type": "string"},
			}, []string{"problemId"}),
			run: func(ctx context.Context, a toolArgs) (any, error) {
				if a.ProblemID == "" {
					return nil, errors.New("problemId is required")
				}
				return p.obs.GetProblemDetails(ctx, a.ProblemID)
			},
		},
		{
			def: toolDef("get_logs", "Search logs.", map[string]any{
				"query":           map[string]any{"type": "string", "description": `Log query, e.g. service.name:"PaymentService"`},
				"lookbackMinutes": lookback,
				"limit":           map[string]any{"type": "integer"},
			}, []string{"query"}),
			run: func(ctx context.Context, a toolArgs) (any, error) {
				limit := a.Limit
				if limit <= 0 || limit > 100 {
					limit = 50
				}
				return p.obs.GetLogs(ctx, a.Query, a.timeframe(p.now()), limit)
			},
		},
		{
			def: toolDef("get_metrics", "Query metric series.", map[string]any{
				"selector":        map[string]any{"type": "string", "description": "Metric selector, e.g. builtin:service.response.time"},
				"entitySelector":  map[string]any{"type": "string"},
				"lookbackMinutes": lookback,
			}, []string{"selector"}),
			run: func(ctx context.Context, a toolArgs) (any, error) {
				if a.Selector == "" {
					return nil, errors.New("selector is required")
				}
				return p.obs.GetMetrics(ctx, a.Selector, a.EntitySelector, a.timeframe(p.now()))
			},
		},
		{
			def: toolDef("get_topology", "Resolve entities and their call relationships.", map[string]any{
				"entitySelector": map[string]any{"type": "string", "description": `e.g. type(SERVICE),entityName.in("PaymentService")`},
			}, []string{"entitySelector"}),
			run: func(ctx context.Context, a toolArgs) (any, error) {
				if a.EntitySelector == "" {
					return nil, errors.New("entitySelector is required")
				}
				return p.obs.GetTopology(ctx, a.EntitySelector)
			},
		},
		{
			def: toolDef("get_events", "List events, including chaos and remediation markers.", map[string]any{
				"eventType":       map[string]any{"type": "string"},
				"lookbackMinutes": lookback,
			}, nil),
			run: func(ctx context.Context, a toolArgs) (any, error) {
				return p.obs.GetEvents(ctx, a.timeframe(p.now()), a.EventType)
			},
		},
	}
	out := make(map[string]agentTool, len(tools))
	for _, t := range tools {
		out[t.def.Function.Name] = t
	}
	return out
}

func toolDef(name, description string, properties map[string]any, required []string) llm.Tool {
	params := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		params["required"] = required
	}
	return llm.Tool{Function: llm.FunctionDef{Name: name, Description: description, Parameters: params}}
}

// agentRun is the loop's state: the conversation log plus the pending calls.
type agentRun struct {
	state    AgentState
	turn     int
	messages []llm.Message
	pending  []llm.ToolCall
	result   models.AgenticDiagnosis
}

// AgenticDiagnose lets the model investigate description with read-only
// tools. The loop alternates model call, tool execution and re-prompt until
// the model answers without calling a tool or the turn limit is reached.
// Model failures end the run as inconclusive; only an empty description is
// an error.
func (p *Pipeline) AgenticDiagnose(ctx context.Context, description string) (models.AgenticDiagnosis, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return models.AgenticDiagnosis{}, ErrEmptyDescription
	}
	ctx, span := p.tracer.Start(ctx, "fixit.agentic")
	defer span.End()

	tools := p.agentTools()
	defs := make([]llm.Tool, 0, len(tools))
	for _, name := range agentToolOrder {
		defs = append(defs, tools[name].def)
	}

	run := &agentRun{
		state: StateAwaitingModel,
		messages: []llm.Message{
			{Role: llm.RoleSystem, Content: agentSystemPrompt},
			{Role: llm.RoleUser, Content: description},
		},
		result: models.AgenticDiagnosis{Description: description, Steps: []models.AgentStep{}},
	}
	if p.advisor == nil || !p.advisor.Available(ctx) {
		run.fail(llm.ErrUnavailable)
	}

	for !run.state.IsTerminal() {
		switch run.state {
		case StateAwaitingModel:
			if run.turn >= p.cfg.MaxAgentTurns {
				run.state = StateTurnLimitExceeded
				continue
			}
			run.turn++
			p.modelTurn(ctx, run, defs)
		case StateExecutingTool:
			p.toolTurn(ctx, run, tools)
		}
	}

	run.result.Outcome = models.AgentOutcome(run.state)
	run.result.Turns = run.turn
	run.result.Inconclusive = run.state != StateConcluded
	span.SetAttributes(
		attribute.String("agent.outcome", string(run.result.Outcome)),
		attribute.Int("agent.turns", run.turn),
	)
	p.logger.Info("agentic diagnosis finished",
		slog.String("outcome", string(run.result.Outcome)),
		slog.Int("turns", run.turn),
		slog.Int("tool_calls", len(run.result.Steps)),
	)
	return run.result, nil
}

var agentToolOrder = []string{"get_problems", "get_problem_details", "get_logs", "get_metrics", "get_topology", "get_events"}

func (r *agentRun) fail(err error) {
	r.state = StateFailed
	r.result.Error = err.Error()
}

// modelTurn asks the model for its next move.
func (p *Pipeline) modelTurn(ctx context.Context, run *agentRun, defs []llm.Tool) {
	ctx, span := p.tracer.Start(ctx, "fixit.agentic.turn", trace.WithAttributes(attribute.Int("agent.turn", run.turn)))
	defer span.End()

	resp, err := p.advisor.Chat(ctx, llm.PurposeAgent, llm.ChatRequest{Messages: run.messages, Tools: defs})
	if err != nil {
		span.RecordError(err)
		p.logger.Warn("agentic diagnosis model call failed", slog.Int("turn", run.turn), slog.Any("error", err))
		run.fail(err)
		return
	}
	if len(resp.ToolCalls) == 0 {
		run.result.Answer = strings.TrimSpace(resp.Content)
		run.messages = append(run.messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
		run.state = StateConcluded
		return
	}
	calls := append([]llm.ToolCall(nil), resp.ToolCalls...)
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call-%d-%d", run.turn, i)
		}
	}
	run.messages = append(run.messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: calls})
	run.pending = calls
	run.state = StateExecutingTool
}

// toolTurn executes every pending call in order and appends each observation
// before the next model call. Tool errors become observations.
func (p *Pipeline) toolTurn(ctx context.Context, run *agentRun, tools map[string]agentTool) {
	for _, call := range run.pending {
		step := models.AgentStep{Turn: run.turn, Tool: call.Function.Name, Arguments: call.Function.Arguments}
		output, err := p.callTool(ctx, tools, call)
		if err != nil {
			step.Error = err.Error()
			output = "error: " + err.Error()
		}
		step.Output = output
		run.result.Steps = append(run.result.Steps, step)

		run.messages = append(run.messages, llm.Message{Role: llm.RoleTool, Content: output, ToolCallID: call.ID})
	}
	run.pending = nil
	run.state = StateAwaitingModel
}

func (p *Pipeline) callTool(ctx context.Context, tools map[string]agentTool, call llm.ToolCall) (string, error) {
	tool, ok := tools[call.Function.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Function.Name)
	}
	var args toolArgs
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}
	out, err := tool.run(ctx, args)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return utils.Truncate(string(data), maxToolOutput, "...(truncated)"), nil
}
