package fixit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-chaos/internal/config"
	"github.com/miradorstack/mirador-chaos/internal/flags"
	"github.com/miradorstack/mirador-chaos/internal/librarian"
	"github.com/miradorstack/mirador-chaos/internal/llm"
	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

var problemStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return true
}

type fakeObs struct {
	mu          sync.Mutex
	problem     models.Problem
	detailsErr  error
	closeAfter  int
	detailCalls int
	problems    []models.Problem
	logs        []models.LogEntry
	topology    []models.Entity
	events      []models.Event
}

func (f *fakeObs) GetProblems(context.Context, models.Timeframe) ([]models.Problem, error) {
	return f.problems, nil
}

func (f *fakeObs) GetProblemDetails(_ context.Context, id string) (models.Problem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	if f.detailsErr != nil {
		return models.Problem{}, f.detailsErr
	}
	p := f.problem
	p.ProblemID = id
	if f.closeAfter > 0 && f.detailCalls >= f.closeAfter {
		p.Status = models.ProblemClosed
	}
	return p, nil
}

func (f *fakeObs) GetLogs(context.Context, string, models.Timeframe, int) ([]models.LogEntry, error) {
	return f.logs, nil
}

func (f *fakeObs) GetMetrics(context.Context, string, string, models.Timeframe) ([]models.MetricSeries, error) {
	return nil, errors.New("metrics backend down")
}

func (f *fakeObs) GetTopology(context.Context, string) ([]models.Entity, error) {
	return f.topology, nil
}

func (f *fakeObs) GetEvents(context.Context, models.Timeframe, string) ([]models.Event, error) {
	return f.events, nil
}

func (f *fakeObs) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailCalls
}

type fakeFaults struct {
	mu        sync.Mutex
	faults    []models.Fault
	revertErr error
	reverted  []string
}

func (f *fakeFaults) Active() []models.Fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Fault
	for _, fault := range f.faults {
		if fault.Status == models.FaultActive {
			out = append(out, fault)
		}
	}
	return out
}

func (f *fakeFaults) Recent() []models.Fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Fault(nil), f.faults...)
}

func (f *fakeFaults) RevertChaos(_ context.Context, id string) (models.Fault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverted = append(f.reverted, id)
	if f.revertErr != nil {
		return models.Fault{}, f.revertErr
	}
	for i := range f.faults {
		if f.faults[i].ID == id {
			f.faults[i].Status = models.FaultReverted
			return f.faults[i], nil
		}
	}
	return models.Fault{}, errors.New("fault not found")
}

func openPaymentProblem() models.Problem {
	return models.Problem{
		Title:            "Failure rate increase",
		Severity:         "ERROR",
		Status:           models.ProblemOpen,
		StartTime:        problemStart,
		AffectedEntities: []models.EntityRef{{ID: "SERVICE-1", Name: "PaymentService"}},
	}
}

func errorRateFault() models.Fault {
	return models.Fault{
		ID:            "F-1",
		Type:          "increase_error_rate",
		Target:        "PaymentService",
		Intensity:     6,
		InjectedAt:    problemStart.Add(-2 * time.Minute),
		Status:        models.FaultActive,
		CorrelationID: "corr-1",
	}
}

func testFixItConfig() config.FixItConfig {
	return config.FixItConfig{
		SettleDelay:      30 * time.Second,
		VerifyInterval:   10 * time.Second,
		VerifyTimeout:    30 * time.Second,
		MaxAgentTurns:    5,
		SimilarIncidents: 3,
		LogLimit:         50,
		RunRetention:     10,
	}
}

type harness struct {
	obs    *fakeObs
	faults *fakeFaults
	store  *flags.MemoryStore
	clock  *manualClock
}

func newHarness() *harness {
	return &harness{
		obs:    &fakeObs{problem: openPaymentProblem(), closeAfter: 2},
		faults: &fakeFaults{},
		store:  flags.NewMemoryStore(nil),
		clock:  &manualClock{now: problemStart.Add(5 * time.Minute)},
	}
}

func (h *harness) pipeline(t *testing.T, cfg config.FixItConfig, advisor Advisor, memory Memory) *Pipeline {
	t.Helper()
	n := 0
	p, err := New(cfg, h.obs, advisor, h.store, h.faults, memory, Options{
		Now:   h.clock.Now,
		Sleep: h.clock.Sleep,
		NewID: func() string {
			n++
			return fmt.Sprintf("R%d", n)
		},
	}, nil)
	require.NoError(t, err)
	return p
}

func scriptedGuard(provider *llm.ScriptedProvider) *llm.Guard {
	return llm.NewGuard(provider, nil, llm.GuardOptions{Timeout: time.Second}, nil)
}

func TestAutoFixNeverExecutesHighRisk(t *testing.T) {
	h := newHarness()
	provider := llm.NewScriptedProvider(llm.Text(`{
		"rootCause": "Error injection on PaymentService",
		"confidence": 0.8,
		"fixes": [
			{"action": "reset_error_rate", "params": {"service": "PaymentService"}, "risk": "low", "rationale": "clear the flag"},
			{"action": "restart_service", "risk": "low", "rationale": "bounce it"},
			{"action": "drop_database", "risk": "low"}
		]
	}`))
	p := h.pipeline(t, testFixItConfig(), scriptedGuard(provider), nil)

	_, err := h.store.SetFlags(context.Background(), models.FlagDelta{Service: "PaymentService", Set: models.FlagValues{models.FlagErrorRate: 0.3}})
	require.NoError(t, err)

	res, err := p.AutoFix(context.Background(), "P-1")
	require.NoError(t, err)

	require.Len(t, res.FixesExecuted, 1)
	assert.Equal(t, ActionResetErrorRate, res.FixesExecuted[0].Action)
	assert.True(t, res.FixesExecuted[0].Executed)
	assert.True(t, res.FixesExecuted[0].Success)

	require.Len(t, res.Recommendations, 2)
	for _, rec := range res.Recommendations {
		assert.False(t, rec.Executed, rec.Action)
		assert.Equal(t, models.RiskHigh, rec.RiskLevel, rec.Action)
	}
	assert.Equal(t, ActionRestartService, res.Recommendations[0].Action)
	assert.True(t, res.Verified)

	state, err := h.store.GetFlags(context.Background())
	require.NoError(t, err)
	v, _ := state.Lookup("PaymentService", models.FlagErrorRate)
	assert.Zero(t, v)

	run, ok := p.GetRun(res.RunID)
	require.True(t, ok)
	require.NotNil(t, run.Diagnosis)
	assert.Equal(t, models.DiagnosisAI, run.Diagnosis.Source)
}

func TestAutoFixContinuesAfterPartialFailure(t *testing.T) {
	h := newHarness()
	h.faults.faults = []models.Fault{errorRateFault()}
	h.faults.revertErr = errors.New("flag service down")
	p := h.pipeline(t, testFixItConfig(), nil, nil)

	res, err := p.AutoFix(context.Background(), "P-1")
	require.NoError(t, err)

	require.Len(t, res.FixesExecuted, 2)
	assert.Equal(t, ActionResetErrorRate, res.FixesExecuted[0].Action)
	assert.True(t, res.FixesExecuted[0].Success)
	assert.Equal(t, ActionRevertChaos, res.FixesExecuted[1].Action)
	assert.True(t, res.FixesExecuted[1].Executed)
	assert.False(t, res.FixesExecuted[1].Success)
	assert.Contains(t, res.FixesExecuted[1].Error, "flag service down")
	assert.Equal(t, []string{"F-1"}, h.faults.reverted)
	assert.Equal(t, "corr-1", res.CorrelationID)
	assert.True(t, res.Verified)
}

func TestAutoFixReportsVerificationTimeout(t *testing.T) {
	h := newHarness()
	h.obs.closeAfter = 0
	h.faults.faults = []models.Fault{errorRateFault()}
	p := h.pipeline(t, testFixItConfig(), nil, nil)

	res, err := p.AutoFix(context.Background(), "P-1")
	require.NoError(t, err)

	assert.False(t, res.Verified)
	assert.Equal(t, int64(60_000), res.TotalDurationMs)
	assert.Equal(t, 5, h.obs.calls(), "one lookup plus four verification checks")

	run, ok := p.GetRun(res.RunID)
	require.True(t, ok)
	assert.Contains(t, run.VerifyNote, "problem still open")
	assert.True(t, run.Done())
}

func TestAutoFixUnknownProblemIsAnError(t *testing.T) {
	h := newHarness()
	h.obs.detailsErr = utils.NewAppError("observability.problem", "lookup failed", errors.New("not found"))
	p := h.pipeline(t, testFixItConfig(), nil, nil)

	_, err := p.AutoFix(context.Background(), "P-404")
	require.Error(t, err)

	_, err = p.AutoFix(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyProblemID)
}

func TestRemediateFallsBackToSnapshot(t *testing.T) {
	h := newHarness()
	h.obs.detailsErr = utils.Unavailable("observability.problem", errors.New("connection refused"))
	h.faults.faults = []models.Fault{errorRateFault()}
	p := h.pipeline(t, testFixItConfig(), nil, nil)

	snapshot := openPaymentProblem()
	snapshot.ProblemID = "P-1"
	res, err := p.Remediate(context.Background(), models.DetectedProblem{Problem: snapshot, SeenAt: problemStart})
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	assert.NotEmpty(t, res.FixesExecuted)
	assert.False(t, res.Verified)

	run, ok := p.GetRun(res.RunID)
	require.True(t, ok)
	assert.Contains(t, run.VerifyNote, "could not confirm resolution")
}

func TestAutoFixBackendOutageIsCapturedInResult(t *testing.T) {
	h := newHarness()
	h.obs.detailsErr = utils.Unavailable("observability.problem", errors.New("connection refused"))
	p := h.pipeline(t, testFixItConfig(), nil, nil)

	res, err := p.AutoFix(context.Background(), "P-1")
	require.NoError(t, err)
	assert.Contains(t, res.Error, "connection refused")
	assert.Empty(t, res.FixesExecuted)
	assert.False(t, res.Verified)
}

func TestDiagnoseFallsBackToRulesWhenModelUnavailable(t *testing.T) {
	h := newHarness()
	h.faults.faults = []models.Fault{errorRateFault()}
	provider := llm.NewScriptedProvider()
	provider.PingErr = errors.New("dial tcp: connection refused")
	p := h.pipeline(t, testFixItConfig(), scriptedGuard(provider), nil)

	diag, err := p.Diagnose(context.Background(), "P-1")
	require.NoError(t, err)

	assert.Equal(t, models.DiagnosisRules, diag.Source)
	assert.False(t, diag.Inconclusive)
	assert.Equal(t, "corr-1", diag.CorrelationID)
	assert.Contains(t, diag.RootCauseHypothesis, "increase_error_rate on PaymentService")
	require.Len(t, diag.ProposedFixes, 2)
	assert.Equal(t, "F-1", diag.ProposedFixes[1].Params["faultId"])
	assert.Zero(t, provider.Calls(), "no completion is attempted while the probe fails")
	assert.Empty(t, h.faults.reverted, "diagnose never executes fixes")
}

func TestDiagnoseFallsBackWhenModelTimesOut(t *testing.T) {
	h := newHarness()
	provider := llm.NewScriptedProvider(llm.Text(`{"rootCause": "late"}`))
	provider.Delay = 2 * time.Second
	guard := llm.NewGuard(provider, nil, llm.GuardOptions{Timeout: 50 * time.Millisecond}, nil)
	p := h.pipeline(t, testFixItConfig(), guard, nil)

	started := time.Now()
	diag, err := p.Diagnose(context.Background(), "P-1")
	require.NoError(t, err)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, models.DiagnosisRules, diag.Source)
	assert.Contains(t, strings.Join(diag.Notes, "\n"), "ai diagnosis unavailable")
}

func TestAutoFixWritesIncidentTimeline(t *testing.T) {
	h := newHarness()
	h.faults.faults = []models.Fault{errorRateFault()}
	lib := librarian.New(nil, librarian.NewMemoryIndex(), llm.NewHashEmbedder(128), nil, librarian.Options{Now: h.clock.Now}, nil)
	require.NoError(t, lib.RecordChaosEvent(context.Background(), errorRateFault()))
	p := h.pipeline(t, testFixItConfig(), nil, lib)

	res, err := p.AutoFix(context.Background(), "P-1")
	require.NoError(t, err)

	timeline, err := lib.GetIncidentTimeline(context.Background(), "P-1")
	require.NoError(t, err)
	var kinds []models.HistoryKind
	for _, e := range timeline {
		assert.Equal(t, "corr-1", e.CorrelationID)
		if e.Kind != models.KindFlagChange {
			kinds = append(kinds, e.Kind)
		}
	}
	assert.Equal(t, []models.HistoryKind{models.KindChaos, models.KindProblem, models.KindDiagnosis, models.KindFix}, kinds)
	assert.Len(t, timeline, 5, "the flag write is recorded too")

	similar := lib.SearchSimilar(context.Background(), "Failure rate increase", 3)
	require.NotEmpty(t, similar)
	assert.Equal(t, "run-"+res.RunID, similar[0].ID)
}

func TestRunsAreQueryableByProblem(t *testing.T) {
	h := newHarness()
	h.obs.closeAfter = 0
	cfg := testFixItConfig()
	cfg.SettleDelay, cfg.VerifyTimeout = 0, 0
	p := h.pipeline(t, cfg, nil, nil)

	ctx := context.Background()
	first, err := p.AutoFix(ctx, "P-1")
	require.NoError(t, err)
	h.clock.Sleep(ctx, time.Minute)
	second, err := p.AutoFix(ctx, "P-1")
	require.NoError(t, err)
	h.clock.Sleep(ctx, time.Minute)
	_, err = p.AutoFix(ctx, "P-2")
	require.NoError(t, err)

	runs := p.RunsForProblem("P-1")
	require.Len(t, runs, 2)
	assert.Equal(t, second.RunID, runs[0].RunID)
	assert.Equal(t, first.RunID, runs[1].RunID)
	assert.Len(t, p.Runs(0), 3)
}
