package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-chaos/internal/api"
	"github.com/miradorstack/mirador-chaos/internal/chaos"
	"github.com/miradorstack/mirador-chaos/internal/config"
	"github.com/miradorstack/mirador-chaos/internal/fixit"
	"github.com/miradorstack/mirador-chaos/internal/flags"
	"github.com/miradorstack/mirador-chaos/internal/librarian"
	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/repo"
	"github.com/miradorstack/mirador-chaos/internal/scheduler"
)

// missingProblems knows no problems at all.
type missingProblems struct{}

func (missingProblems) GetProblems(context.Context, models.Timeframe) ([]models.Problem, error) {
	return nil, nil
}

func (missingProblems) GetProblemDetails(context.Context, string) (models.Problem, error) {
	return models.Problem{}, repo.ErrNotFound
}

func (missingProblems) GetLogs(context.Context, string, models.Timeframe, int) ([]models.LogEntry, error) {
	return nil, nil
}

func (missingProblems) GetMetrics(context.Context, string, string, models.Timeframe) ([]models.MetricSeries, error) {
	return nil, nil
}

func (missingProblems) GetTopology(context.Context, string) ([]models.Entity, error) {
	return nil, nil
}

func (missingProblems) GetEvents(context.Context, models.Timeframe, string) ([]models.Event, error) {
	return nil, nil
}

type harness struct {
	svc    *ControlService
	engine *chaos.Engine
	memory *librarian.Librarian
}

func newHarness(t *testing.T) harness {
	t.Helper()
	store := flags.NewMemoryStore(flags.Defaults())
	memory := librarian.New(nil, librarian.NewMemoryIndex(), nil, nil, librarian.Options{}, nil)
	engine := chaos.NewEngine(nil, store, nil, memory, chaos.Options{MaxConcurrentFaults: 2}, nil)
	t.Cleanup(func() { engine.Shutdown(context.Background(), true) })

	sched, err := scheduler.New(config.SchedulerConfig{
		Interval:     time.Minute,
		Targets:      []string{"PaymentService"},
		MinIntensity: 3,
		MaxIntensity: 7,
	}, scheduler.Options{Engine: engine, Catalogue: engine.Catalogue()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sched.Stop() })

	pipeline, err := fixit.New(config.FixItConfig{MaxAgentTurns: 3, RunRetention: 10}, missingProblems{}, nil, store, engine, memory, fixit.Options{}, nil)
	require.NoError(t, err)

	svc := NewControlService(nil, Components{
		Engine:    engine,
		Scheduler: sched,
		FixIt:     pipeline,
		Librarian: memory,
		Flags:     store,
	})
	return harness{svc: svc, engine: engine, memory: memory}
}

func request(t *testing.T, raw string) *structpb.Struct {
	t.Helper()
	in, err := api.FromJSON(raw)
	require.NoError(t, err)
	return in
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, status.Code(err), err.Error())
}

func TestInjectListAndRevert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.svc.InjectChaos(ctx, request(t, `{"type": "slow_responses", "target": "CartService", "intensity": 4}`))
	require.NoError(t, err)
	fields := out.GetFields()
	id := fields["id"].GetStringValue()
	require.NotEmpty(t, id)
	assert.Equal(t, SourceOperator, fields["source"].GetStringValue())
	assert.Equal(t, string(models.FaultActive), fields["status"].GetStringValue())

	out, err = h.svc.ActiveFaults(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, out.GetFields()["faults"].GetListValue().GetValues(), 1)
	assert.EqualValues(t, 2, out.GetFields()["maxConcurrentFaults"].GetNumberValue())

	out, err = h.svc.RevertChaos(ctx, request(t, `{"faultId": "`+id+`"}`))
	require.NoError(t, err)
	assert.Equal(t, string(models.FaultReverted), out.GetFields()["status"].GetStringValue())

	out, err = h.svc.GetFault(ctx, request(t, `{"faultId": "`+id+`"}`))
	require.NoError(t, err)
	assert.Equal(t, id, out.GetFields()["id"].GetStringValue())

	state, err := h.svc.GetFlags(ctx, nil)
	require.NoError(t, err)
	assert.NotNil(t, state)
}

func TestChaosErrorsMapToCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.InjectChaos(ctx, request(t, `{"type": "delete_database", "target": "CartService", "intensity": 4}`))
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.svc.InjectChaos(ctx, request(t, `{"type": "slow_responses", "target": "CartService", "intensity": 11}`))
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.svc.InjectChaos(ctx, request(t, `{"type": "slow_responses", "blastRadius": 2}`))
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.svc.RevertChaos(ctx, request(t, `{}`))
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.svc.RevertChaos(ctx, request(t, `{"faultId": "missing"}`))
	requireCode(t, err, codes.NotFound)

	for _, target := range []string{"a", "b"} {
		_, err = h.svc.InjectChaos(ctx, request(t, `{"type": "disable_cache", "target": "`+target+`", "intensity": 2}`))
		require.NoError(t, err)
	}
	_, err = h.svc.InjectChaos(ctx, request(t, `{"type": "disable_cache", "target": "c", "intensity": 2}`))
	requireCode(t, err, codes.ResourceExhausted)

	out, err := h.svc.RevertAllChaos(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, out.GetFields()["reverted"].GetNumberValue())
	assert.Zero(t, h.engine.ActiveCount())
}

func TestMissingComponentsFailPrecondition(t *testing.T) {
	svc := NewControlService(nil, Components{})
	ctx := context.Background()

	calls := map[string]func(context.Context, *structpb.Struct) (*structpb.Struct, error){
		"SchedulerStatus":  svc.SchedulerStatus,
		"DetectorStatus":   svc.DetectorStatus,
		"ActiveFaults":     svc.ActiveFaults,
		"GetFlags":         svc.GetFlags,
		"AutoFix":          svc.AutoFix,
		"MemoryStats":      svc.MemoryStats,
		"IncidentTimeline": svc.IncidentTimeline,
	}
	for name, call := range calls {
		_, err := call(ctx, nil)
		require.Error(t, err, name)
		assert.Equal(t, codes.FailedPrecondition, status.Code(err), name)
	}
}

func TestRecordTransactionCounts(t *testing.T) {
	h := newHarness(t)

	out, err := h.svc.RecordTransaction(context.Background(), request(t, `{"count": 5}`))
	require.NoError(t, err)
	assert.EqualValues(t, 5, out.GetFields()["transactionCount"].GetNumberValue())

	out, err = h.svc.SchedulerStatus(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, out.GetFields()["running"].GetBoolValue())
}

func TestUpdateSchedulerConfigRejectsInvalidPatch(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.UpdateSchedulerConfig(context.Background(), request(t, `{"minIntensity": 0}`))
	requireCode(t, err, codes.InvalidArgument)
}

func TestAutoFixUnknownProblem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.AutoFix(ctx, request(t, `{"problemId": "P-404"}`))
	requireCode(t, err, codes.NotFound)

	_, err = h.svc.AutoFix(ctx, request(t, `{}`))
	requireCode(t, err, codes.InvalidArgument)

	_, err = h.svc.GetFixRun(ctx, request(t, `{"runId": "nope"}`))
	requireCode(t, err, codes.NotFound)

	out, err := h.svc.ListFixRuns(ctx, request(t, `{"problemId": "P-404"}`))
	require.NoError(t, err)
	assert.Len(t, out.GetFields()["runs"].GetListValue().GetValues(), 1)
}

func TestListFixRunsReportsAutoFixLatency(t *testing.T) {
	h := newHarness(t)
	for _, ms := range []int{10, 20, 30, 40, 500} {
		h.svc.observe(time.Duration(ms) * time.Millisecond)
	}

	out, err := h.svc.ListFixRuns(context.Background(), request(t, `{}`))
	require.NoError(t, err)
	latency := out.GetFields()["autoFixLatencyMs"].GetStructValue().GetFields()
	assert.Equal(t, 5.0, latency["count"].GetNumberValue())
	assert.Equal(t, 30.0, latency["p50"].GetNumberValue())
	assert.Equal(t, 500.0, latency["max"].GetNumberValue())
}

func TestMemoryRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RecordHistory(ctx, request(t, `{"kind": "problem", "problemId": "P-1", "correlationId": "corr-1", "summary": "checkout errors", "payload": {"severity": "ERROR"}}`))
	require.NoError(t, err)
	_, err = h.svc.RecordHistory(ctx, request(t, `{"kind": "chaos", "correlationId": "corr-1", "summary": "slow_responses on PaymentService"}`))
	require.NoError(t, err)

	_, err = h.svc.RecordHistory(ctx, request(t, `{"kind": "gossip", "correlationId": "corr-1"}`))
	requireCode(t, err, codes.InvalidArgument)

	out, err := h.svc.QueryHistory(ctx, request(t, `{"kinds": ["chaos"]}`))
	require.NoError(t, err)
	assert.Len(t, out.GetFields()["entries"].GetListValue().GetValues(), 1)

	out, err = h.svc.QueryHistory(ctx, request(t, `{"since": "2000-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	assert.Len(t, out.GetFields()["entries"].GetListValue().GetValues(), 2)

	out, err = h.svc.QueryHistory(ctx, request(t, `{"since": "2999-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	assert.Empty(t, out.GetFields()["entries"].GetListValue().GetValues())

	_, err = h.svc.QueryHistory(ctx, request(t, `{"since": "yesterday"}`))
	requireCode(t, err, codes.InvalidArgument)

	out, err = h.svc.IncidentTimeline(ctx, request(t, `{"problemId": "P-1"}`))
	require.NoError(t, err)
	assert.Len(t, out.GetFields()["entries"].GetListValue().GetValues(), 2)

	_, err = h.svc.GenerateLearning(ctx, request(t, `{"problemId": "P-unknown"}`))
	requireCode(t, err, codes.NotFound)

	_, err = h.svc.SearchSimilar(ctx, request(t, `{"k": 3}`))
	requireCode(t, err, codes.InvalidArgument)

	out, err = h.svc.SearchSimilar(ctx, request(t, `{"query": "checkout errors", "k": 3}`))
	require.NoError(t, err)
	assert.Empty(t, out.GetFields()["incidents"].GetListValue().GetValues())

	stats, err := h.svc.MemoryStats(ctx, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, stats.GetFields())
}
