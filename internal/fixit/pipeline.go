package fixit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-chaos/internal/config"
	"github.com/miradorstack/mirador-chaos/internal/extractors"
	"github.com/miradorstack/mirador-chaos/internal/flags"
	"github.com/miradorstack/mirador-chaos/internal/llm"
	"github.com/miradorstack/mirador-chaos/internal/metrics"
	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

// ErrEmptyProblemID rejects calls without a problem id.
var ErrEmptyProblemID = errors.New("problem id is required")

// Observability is the read side of the monitoring backend.
type Observability interface {
	GetProblems(ctx context.Context, tf models.Timeframe) ([]models.Problem, error)
	GetProblemDetails(ctx context.Context, problemID string) (models.Problem, error)
	GetLogs(ctx context.Context, query string, tf models.Timeframe, limit int) ([]models.LogEntry, error)
	GetMetrics(ctx context.Context, selector, entitySelector string, tf models.Timeframe) ([]models.MetricSeries, error)
	GetTopology(ctx context.Context, entitySelector string) ([]models.Entity, error)
	GetEvents(ctx context.Context, tf models.Timeframe, eventType string) ([]models.Event, error)
}

// Advisor is the LLM capability used for diagnosis. *llm.Guard satisfies it.
type Advisor interface {
	Timeout() time.Duration
	Available(ctx context.Context) bool
	Complete(ctx context.Context, purpose, prompt string, opts llm.CompleteOptions) (llm.Completion, error)
	Chat(ctx context.Context, purpose string, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Faults is the chaos engine as seen by remediation.
type Faults interface {
	FaultController
	Recent() []models.Fault
}

// Memory is the operational memory the pipeline writes its trail to.
// *librarian.Librarian satisfies it.
type Memory interface {
	FlagRecorder
	RecordProblem(ctx context.Context, problem models.Problem, correlationID string) (models.HistoryEntry, error)
	RecordDiagnosis(ctx context.Context, diagnosis models.Diagnosis) (models.HistoryEntry, error)
	RecordFix(ctx context.Context, run models.FixItRun) (models.HistoryEntry, error)
	SearchSimilar(ctx context.Context, query string, k int) []models.SimilarIncident
}

// Options tunes a Pipeline. Zero values select production behaviour.
type Options struct {
	Rules      *RuleTable
	Correlator *Correlator
	Now        func() time.Time
	NewID      func() string
	// Sleep waits between verification checks; it reports false when ctx ended.
	Sleep func(ctx context.Context, d time.Duration) bool
}

// Pipeline runs diagnose, autoFix and agentic diagnosis.
type Pipeline struct {
	cfg        config.FixItConfig
	obs        Observability
	advisor    Advisor
	store      flags.Store
	faults     Faults
	memory     Memory
	executor   *Executor
	rules      *RuleTable
	correlator *Correlator
	runs       *RunRegistry
	logger     *slog.Logger
	tracer     trace.Tracer

	metricsExtractor *extractors.MetricExtractor
	logsExtractor    *extractors.LogsExtractor

	now   func() time.Time
	newID func() string
	sleep func(ctx context.Context, d time.Duration) bool

	mu       sync.Mutex
	recorded map[string]struct{}
}

// New wires a pipeline. advisor, store, faults and memory may be nil.
func New(cfg config.FixItConfig, obs Observability, advisor Advisor, store flags.Store, faults Faults, memory Memory, opts Options, logger *slog.Logger) (*Pipeline, error) {
	if obs == nil {
		return nil, errors.New("fixit: observability client is required")
	}
	if err := config.ValidateSection(cfg); err != nil {
		return nil, err
	}
	if opts.Rules == nil {
		opts.Rules = NewRuleTable(BuiltinRules())
	}
	if opts.Correlator == nil {
		opts.Correlator = NewCorrelator(time.Minute, logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Sleep == nil {
		opts.Sleep = utils.SleepContext
	}
	p := &Pipeline{
		cfg:              cfg,
		obs:              obs,
		advisor:          advisor,
		store:            store,
		faults:           faults,
		memory:           memory,
		rules:            opts.Rules,
		correlator:       opts.Correlator,
		runs:             NewRunRegistry(cfg.RunRetention),
		logger:           utils.Component(logger, "fixit"),
		tracer:           otel.Tracer("github.com/miradorstack/mirador-chaos/internal/fixit"),
		metricsExtractor: extractors.NewMetricExtractor(),
		logsExtractor:    extractors.NewLogsExtractor(),
		now:              opts.Now,
		newID:            opts.NewID,
		sleep:            opts.Sleep,
		recorded:         make(map[string]struct{}),
	}
	var recorder FlagRecorder
	if memory != nil {
		recorder = memory
	}
	var controller FaultController
	if faults != nil {
		controller = faults
	}
	p.executor = NewExecutor(store, controller, recorder, logger)
	return p, nil
}

// Diagnose gathers context for problemID and returns a root-cause hypothesis
// with ranked fixes. Nothing is executed.
func (p *Pipeline) Diagnose(ctx context.Context, problemID string) (models.Diagnosis, error) {
	if problemID == "" {
		return models.Diagnosis{}, ErrEmptyProblemID
	}
	ctx, span := p.tracer.Start(ctx, "fixit.diagnose", trace.WithAttributes(attribute.String("problem.id", problemID)))
	defer span.End()

	in, err := p.gather(ctx, problemID, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Diagnosis{}, utils.NewAppError("fixit.diagnose", "load problem "+problemID, err)
	}
	p.recordProblem(ctx, in)
	diag := p.diagnose(ctx, in)
	p.recordDiagnosis(ctx, diag)
	span.SetAttributes(
		attribute.String("diagnosis.source", string(diag.Source)),
		attribute.Bool("diagnosis.inconclusive", diag.Inconclusive),
	)
	return diag, nil
}

// AutoFix diagnoses problemID, executes its low and medium risk fixes in
// order, verifies the outcome and records the run. Pipeline failures are
// reported in the result; an error means the problem could not be loaded.
func (p *Pipeline) AutoFix(ctx context.Context, problemID string) (models.FixItRunResult, error) {
	if problemID == "" {
		return models.FixItRunResult{}, ErrEmptyProblemID
	}
	run, err := p.autoFix(ctx, problemID, nil)
	if err != nil {
		return models.FixItRunResult{}, err
	}
	return run.Result(), nil
}

// Remediate runs AutoFix for a problem handed over by the detector. The
// detector's snapshot stands in when the details lookup fails.
func (p *Pipeline) Remediate(ctx context.Context, problem models.DetectedProblem) (models.FixItRunResult, error) {
	snapshot := problem.Problem
	run, err := p.autoFix(ctx, problem.ProblemID, &snapshot)
	if err != nil {
		return models.FixItRunResult{}, err
	}
	return run.Result(), nil
}

func (p *Pipeline) autoFix(ctx context.Context, problemID string, snapshot *models.Problem) (models.FixItRun, error) {
	ctx, span := p.tracer.Start(ctx, "fixit.autofix", trace.WithAttributes(attribute.String("problem.id", problemID)))
	defer span.End()

	started := p.now()
	run := models.FixItRun{
		RunID:           p.newID(),
		ProblemID:       problemID,
		FixesExecuted:   []models.Fix{},
		Recommendations: []models.Fix{},
		StartedAt:       started,
	}
	p.runs.Put(run)
	logger := p.logger.With(slog.String("run_id", run.RunID), slog.String("problem_id", problemID))

	in, err := p.gather(ctx, problemID, snapshot)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		run.Error = err.Error()
		p.finish(ctx, &run, started, false)
		logger.Warn("fix-it run aborted: problem unavailable", slog.Any("error", err))
		if utils.IsRecoverable(err) {
			return run, nil
		}
		return run, utils.NewAppError("fixit.autofix", "load problem "+problemID, err)
	}
	run.CorrelationID = in.CorrelationID()
	p.recordProblem(ctx, in)

	diag := p.diagnose(ctx, in)
	run.Diagnosis = &diag
	p.recordDiagnosis(ctx, diag)

	target := Target{Service: in.Service(), ProblemID: problemID, CorrelationID: run.CorrelationID}
	if in.Correlation != nil && in.Correlation.Fault.Status == models.FaultActive {
		target.FaultID = in.Correlation.Fault.ID
	}
	for _, fix := range diag.ProposedFixes {
		if !fix.RiskLevel.AutoExecutable() {
			run.Recommendations = append(run.Recommendations, fix)
			continue
		}
		if err := ctx.Err(); err != nil {
			fix.Error = "not executed: " + err.Error()
			run.Recommendations = append(run.Recommendations, fix)
			continue
		}
		run.FixesExecuted = append(run.FixesExecuted, p.execute(ctx, logger, fix, target))
		p.runs.Put(run)
	}

	if len(run.FixesExecuted) == 0 && len(diag.ProposedFixes) == 0 {
		run.VerifyNote = "no fixes proposed"
	}
	run.Verified, run.VerifyNote = p.verify(ctx, problemID, run.VerifyNote)
	p.finish(ctx, &run, started, true)

	span.SetAttributes(
		attribute.Int("fixit.executed", len(run.FixesExecuted)),
		attribute.Int("fixit.recommended", len(run.Recommendations)),
		attribute.Bool("fixit.verified", run.Verified),
	)
	logger.Info("fix-it run finished",
		slog.Int("executed", len(run.FixesExecuted)),
		slog.Int("recommended", len(run.Recommendations)),
		slog.Bool("verified", run.Verified),
		slog.Int64("duration_ms", run.TotalDurationMs),
	)
	return run, nil
}

// execute runs one fix. Failures are recorded on the fix and never abort the
// run.
func (p *Pipeline) execute(ctx context.Context, logger *slog.Logger, fix models.Fix, target Target) models.Fix {
	fix.Executed = true
	result, err := p.executor.Execute(ctx, fix, target)
	fix.Success = err == nil
	fix.Result = result
	if err != nil {
		fix.Error = err.Error()
		logger.Warn("fix failed", slog.String("action", fix.Action), slog.Any("error", err))
	} else {
		logger.Info("fix executed", slog.String("action", fix.Action), slog.String("result", result))
	}
	metrics.ObserveFix(fix.Action, fix.Success)
	return fix
}

// verify waits for the settle delay, then polls the problem until it is no
// longer active or the verify timeout elapses.
func (p *Pipeline) verify(ctx context.Context, problemID, note string) (bool, string) {
	if !p.sleep(ctx, p.cfg.SettleDelay) {
		return false, joinNote(note, "verification cancelled")
	}
	deadline := p.now().Add(p.cfg.VerifyTimeout)
	var lastErr error
	for {
		problem, err := p.obs.GetProblemDetails(ctx, problemID)
		if err == nil && !problem.Active() {
			return true, note
		}
		lastErr = err
		if p.cfg.VerifyInterval <= 0 || !p.now().Add(p.cfg.VerifyInterval).Before(deadline.Add(time.Nanosecond)) {
			break
		}
		if !p.sleep(ctx, p.cfg.VerifyInterval) {
			return false, joinNote(note, "verification cancelled")
		}
	}
	if lastErr != nil {
		return false, joinNote(note, fmt.Sprintf("could not confirm resolution: %v", lastErr))
	}
	return false, joinNote(note, fmt.Sprintf("problem still open after %s", p.cfg.SettleDelay+p.cfg.VerifyTimeout))
}

func joinNote(note, more string) string {
	if note == "" {
		return more
	}
	return note + "; " + more
}

func (p *Pipeline) finish(ctx context.Context, run *models.FixItRun, started time.Time, record bool) {
	run.FinishedAt = p.now()
	run.TotalDuration = run.FinishedAt.Sub(started)
	run.TotalDurationMs = run.TotalDuration.Milliseconds()
	p.runs.Put(*run)
	metrics.ObserveFixRun(run.TotalDuration, run.Verified)
	if !record || p.memory == nil {
		return
	}
	if _, err := p.memory.RecordFix(ctx, *run); err != nil {
		p.logger.Warn("fix run not recorded", slog.String("run_id", run.RunID), slog.Any("error", err))
	}
}

// recordProblem logs the problem once per process.
func (p *Pipeline) recordProblem(ctx context.Context, in Incident) {
	if p.memory == nil {
		return
	}
	p.mu.Lock()
	_, seen := p.recorded[in.Problem.ProblemID]
	p.recorded[in.Problem.ProblemID] = struct{}{}
	p.mu.Unlock()
	if seen {
		return
	}
	if _, err := p.memory.RecordProblem(ctx, in.Problem, in.CorrelationID()); err != nil {
		p.logger.Warn("problem not recorded", slog.String("problem_id", in.Problem.ProblemID), slog.Any("error", err))
		p.mu.Lock()
		delete(p.recorded, in.Problem.ProblemID)
		p.mu.Unlock()
	}
}

func (p *Pipeline) recordDiagnosis(ctx context.Context, diag models.Diagnosis) {
	if p.memory == nil {
		return
	}
	if _, err := p.memory.RecordDiagnosis(ctx, diag); err != nil {
		p.logger.Warn("diagnosis not recorded", slog.String("problem_id", diag.ProblemID), slog.Any("error", err))
	}
}

// GetRun returns a run by id.
func (p *Pipeline) GetRun(runID string) (models.FixItRun, bool) { return p.runs.Get(runID) }

// RunsForProblem returns the runs for problemID, newest first.
func (p *Pipeline) RunsForProblem(problemID string) []models.FixItRun {
	return p.runs.ForProblem(problemID)
}

// Runs returns up to limit recent runs, newest first.
func (p *Pipeline) Runs(limit int) []models.FixItRun { return p.runs.List(limit) }

// Rules returns the active rule table in precedence order.
func (p *Pipeline) Rules() []Rule { return p.rules.Rules() }
