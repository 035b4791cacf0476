package fixit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-chaos/internal/llm"
	"github.com/miradorstack/mirador-chaos/internal/models"
)

func TestAgenticDiagnoseFollowsToolCalls(t *testing.T) {
	h := newHarness()
	h.obs.problems = []models.Problem{openPaymentProblem()}
	h.obs.logs = []models.LogEntry{{Content: "payment declined: upstream 503", Status: "ERROR"}}
	provider := llm.NewScriptedProvider(
		llm.CallTool("c1", "get_problems", `{"lookbackMinutes": 30}`),
		llm.CallTool("c2", "get_logs", `{"query": "service.name:\"PaymentService\""}`),
		llm.Text("Root cause: injected error rate on PaymentService. Reset the errorRate flag."),
	)
	p := h.pipeline(t, testFixItConfig(), scriptedGuard(provider), nil)

	res, err := p.AgenticDiagnose(context.Background(), "payments are failing")
	require.NoError(t, err)

	assert.Equal(t, models.AgentConcluded, res.Outcome)
	assert.False(t, res.Inconclusive)
	assert.Equal(t, 3, res.Turns)
	assert.Contains(t, res.Answer, "PaymentService")
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "get_problems", res.Steps[0].Tool)
	assert.Contains(t, res.Steps[0].Output, "Failure rate increase")
	assert.Equal(t, "get_logs", res.Steps[1].Tool)
	assert.Contains(t, res.Steps[1].Output, "upstream 503")

	last := provider.LastRequest()
	require.Len(t, last.Messages, 6)
	assert.Equal(t, llm.RoleSystem, last.Messages[0].Role)
	assert.Equal(t, "payments are failing", last.Messages[1].Content)
	assert.Equal(t, llm.RoleTool, last.Messages[3].Role)
	assert.Equal(t, "c1", last.Messages[3].ToolCallID)
	assert.Equal(t, llm.RoleTool, last.Messages[5].Role)
	assert.Equal(t, "c2", last.Messages[5].ToolCallID)
	assert.Len(t, last.Tools, len(agentToolOrder))
}

func TestAgenticDiagnoseStopsAtTurnLimit(t *testing.T) {
	h := newHarness()
	provider := llm.NewScriptedProvider(
		llm.CallTool("c1", "get_problems", `{}`),
		llm.CallTool("c2", "get_problems", `{}`),
		llm.CallTool("c3", "get_problems", `{}`),
	)
	cfg := testFixItConfig()
	cfg.MaxAgentTurns = 2
	p := h.pipeline(t, cfg, scriptedGuard(provider), nil)

	res, err := p.AgenticDiagnose(context.Background(), "checkout is slow")
	require.NoError(t, err)

	assert.Equal(t, models.AgentTurnLimitExceeded, res.Outcome)
	assert.True(t, res.Inconclusive)
	assert.Equal(t, 2, res.Turns)
	assert.Equal(t, 2, provider.Calls())
	assert.Len(t, res.Steps, 2)
	assert.Empty(t, res.Answer)
}

func TestAgenticDiagnoseFeedsToolErrorsBack(t *testing.T) {
	h := newHarness()
	provider := llm.NewScriptedProvider(
		llm.CallTool("", "delete_everything", `{}`),
		llm.CallTool("c2", "get_metrics", `{"selector": "builtin:service.response.time"}`),
		llm.CallTool("c3", "get_problem_details", `not json`),
		llm.Text("Could not find a cause."),
	)
	p := h.pipeline(t, testFixItConfig(), scriptedGuard(provider), nil)

	res, err := p.AgenticDiagnose(context.Background(), "something is wrong")
	require.NoError(t, err)

	assert.Equal(t, models.AgentConcluded, res.Outcome)
	require.Len(t, res.Steps, 3)
	assert.Contains(t, res.Steps[0].Error, "unknown tool")
	assert.Contains(t, res.Steps[0].Output, "error: ")
	assert.Contains(t, res.Steps[1].Error, "metrics backend down")
	assert.Contains(t, res.Steps[2].Error, "invalid arguments")

	last := provider.LastRequest()
	assert.Equal(t, "call-1-0", last.Messages[3].ToolCallID)
	require.Len(t, last.Messages[2].ToolCalls, 1)
	assert.Equal(t, "call-1-0", last.Messages[2].ToolCalls[0].ID, "the answered call carries the same id")
}

func TestAgenticDiagnoseModelFailureIsInconclusive(t *testing.T) {
	h := newHarness()
	provider := llm.NewScriptedProvider()
	provider.Err = errors.New("rate limited")
	p := h.pipeline(t, testFixItConfig(), scriptedGuard(provider), nil)

	res, err := p.AgenticDiagnose(context.Background(), "payments are failing")
	require.NoError(t, err)
	assert.Equal(t, models.AgentFailed, res.Outcome)
	assert.True(t, res.Inconclusive)
	assert.Equal(t, 1, res.Turns)
	assert.NotEmpty(t, res.Error)
}

func TestAgenticDiagnoseWithoutModel(t *testing.T) {
	h := newHarness()
	p := h.pipeline(t, testFixItConfig(), nil, nil)

	res, err := p.AgenticDiagnose(context.Background(), "payments are failing")
	require.NoError(t, err)
	assert.Equal(t, models.AgentFailed, res.Outcome)
	assert.Zero(t, res.Turns)

	_, err = p.AgenticDiagnose(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyDescription)
}

func TestAgentStateTerminal(t *testing.T) {
	assert.False(t, StateAwaitingModel.IsTerminal())
	assert.False(t, StateExecutingTool.IsTerminal())
	assert.True(t, StateConcluded.IsTerminal())
	assert.True(t, StateTurnLimitExceeded.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
}
