// Package detector polls the observability backend for open problems and
// hands each one to remediation exactly once.
package detector

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/miradorstack/mirador-chaos/internal/config"
	"github.com/miradorstack/mirador-chaos/internal/metrics"
	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

// Poll phases.
const (
	PhaseIdle        = "idle"
	PhasePolling     = "polling"
	PhaseDispatching = "dispatching"
)

// ProblemSource lists problems from the observability backend.
type ProblemSource interface {
	GetProblems(ctx context.Context, tf models.Timeframe) ([]models.Problem, error)
}

// Remediator runs the Fix-It pipeline for one detected problem.
type Remediator interface {
	Remediate(ctx context.Context, problem models.DetectedProblem) (models.FixItRunResult, error)
}

// Options carries test seams.
type Options struct {
	Cache *ProcessedCache
	Now   func() time.Time
}

// PollResult summarises one poll.
type PollResult struct {
	At         time.Time `json:"at"`
	Fetched    int       `json:"fetched"`
	Dispatched []string  `json:"dispatched"`
	Skipped    int       `json:"skipped"`
	Deferred   int       `json:"deferred"`
	Error      string    `json:"error,omitempty"`
}

// Status is a point-in-time view of the detector.
type Status struct {
	Running           bool                  `json:"running"`
	Phase             string                `json:"phase"`
	Config            config.DetectorConfig `json:"config"`
	InFlight          int64                 `json:"inFlight"`
	ProcessedProblems []string              `json:"processedProblems"`
	Polls             int64                 `json:"polls"`
	Dispatched        int64                 `json:"dispatched"`
	LastPoll          *PollResult           `json:"lastPoll,omitempty"`
}

// Detector owns the poll loop, the processed-problem claims and the dispatch
// slots.
type Detector struct {
	source     ProblemSource
	remediator Remediator
	processed  *ProcessedCache
	now        func() time.Time
	logger     *slog.Logger
	tracer     trace.Tracer

	pollMu sync.Mutex

	mu       sync.Mutex
	cfg      config.DetectorConfig
	slots    *semaphore.Weighted
	running  bool
	phase    string
	lastPoll *PollResult
	cancel   context.CancelFunc
	done     chan struct{}
	wake     chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	runs      sync.WaitGroup

	inFlight   atomic.Int64
	polls      atomic.Int64
	dispatched atomic.Int64
}

// New builds a stopped detector.
func New(cfg config.DetectorConfig, source ProblemSource, remediator Remediator, opts Options, logger *slog.Logger) (*Detector, error) {
	if source == nil || remediator == nil {
		return nil, errors.New("detector requires a problem source and a remediator")
	}
	if err := config.ValidateSection(cfg); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cache == nil {
		opts.Cache = NewProcessedCache(nil, cfg.ProcessedTTL, opts.Now)
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Detector{
		source:     source,
		remediator: remediator,
		processed:  opts.Cache,
		now:        opts.Now,
		logger:     utils.Component(logger, "detector"),
		tracer:     otel.Tracer("github.com/miradorstack/mirador-chaos/internal/detector"),
		cfg:        cfg,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrentFixes)),
		phase:      PhaseIdle,
		wake:       make(chan struct{}, 1),
		runCtx:     runCtx,
		runCancel:  runCancel,
	}, nil
}

// Start begins polling. Starting a running detector is a no-op.
func (d *Detector) Start(ctx context.Context) Status {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return d.Status()
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.running = true
	d.cfg.Enabled = true
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()

	go d.loop(loopCtx, done)
	d.logger.Info("detector started")
	return d.Status()
}

// Stop halts polling and waits for an in-flight poll. Dispatched runs keep
// going; use Wait to drain them.
func (d *Detector) Stop() Status {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return d.Status()
	}
	d.running = false
	d.cfg.Enabled = false
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	cancel()
	<-done
	d.logger.Info("detector stopped")
	return d.Status()
}

// Wait blocks until every dispatched run finishes or ctx ends, in which case
// the remaining runs are cancelled.
func (d *Detector) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		d.runs.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		d.runCancel()
		return ctx.Err()
	}
}

func (d *Detector) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	d.Poll(ctx)
	timer := time.NewTimer(d.pollInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.pollInterval())
		case <-timer.C:
			d.Poll(ctx)
			timer.Reset(d.pollInterval())
		}
	}
}

func (d *Detector) pollInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.PollInterval
}

func (d *Detector) setPhase(phase string) {
	d.mu.Lock()
	d.phase = phase
	d.mu.Unlock()
}

// Poll fetches recent problems and dispatches unclaimed open ones while
// dispatch slots remain. A fetch failure ends the poll with no side effects.
func (d *Detector) Poll(ctx context.Context) PollResult {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()

	ctx, span := d.tracer.Start(ctx, "detector.poll")
	defer span.End()
	defer d.setPhase(PhaseIdle)

	d.mu.Lock()
	cfg := d.cfg
	slots := d.slots
	d.mu.Unlock()

	now := d.now()
	result := PollResult{At: now, Dispatched: []string{}}
	d.polls.Add(1)

	d.setPhase(PhasePolling)
	problems, err := d.source.GetProblems(ctx, models.Last(cfg.Lookback, now))
	if err != nil {
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ObserveDetectorPoll(metrics.OutcomeError, 0)
		d.logger.Warn("problem fetch failed, skipping poll", slog.Any("error", err))
		d.finishPoll(result)
		return result
	}
	result.Fetched = len(problems)
	sort.SliceStable(problems, func(i, j int) bool { return problems[i].StartTime.Before(problems[j].StartTime) })

	d.setPhase(PhaseDispatching)
	for i, p := range problems {
		if !p.Active() || p.ProblemID == "" {
			continue
		}
		seen, err := d.processed.Contains(ctx, p.ProblemID)
		if err != nil {
			d.logger.Warn("processed cache lookup failed", slog.String("problem_id", p.ProblemID), slog.Any("error", err))
			result.Skipped++
			continue
		}
		if seen {
			result.Skipped++
			continue
		}
		if int(d.inFlight.Load()) >= cfg.MaxConcurrentFixes || !slots.TryAcquire(1) {
			result.Deferred = countOpen(problems[i:])
			break
		}
		claimed, err := d.processed.Claim(ctx, p.ProblemID)
		if err != nil || !claimed {
			slots.Release(1)
			if err != nil {
				d.logger.Warn("problem claim failed", slog.String("problem_id", p.ProblemID), slog.Any("error", err))
			}
			result.Skipped++
			continue
		}
		d.dispatch(models.DetectedProblem{Problem: p, SeenAt: now}, slots)
		result.Dispatched = append(result.Dispatched, p.ProblemID)
	}

	span.SetAttributes(
		attribute.Int("detector.fetched", result.Fetched),
		attribute.Int("detector.dispatched", len(result.Dispatched)),
		attribute.Int("detector.deferred", result.Deferred),
	)
	metrics.ObserveDetectorPoll(metrics.OutcomeSuccess, len(result.Dispatched))
	if len(result.Dispatched) > 0 || result.Deferred > 0 {
		d.logger.Info("detector poll",
			slog.Int("fetched", result.Fetched),
			slog.Any("dispatched", result.Dispatched),
			slog.Int("deferred", result.Deferred))
	}
	d.finishPoll(result)
	return result
}

func (d *Detector) finishPoll(result PollResult) {
	d.mu.Lock()
	d.lastPoll = &result
	d.mu.Unlock()
}

func (d *Detector) dispatch(problem models.DetectedProblem, slots *semaphore.Weighted) {
	d.inFlight.Add(1)
	d.dispatched.Add(1)
	d.runs.Add(1)
	go func() {
		defer d.runs.Done()
		defer d.inFlight.Add(-1)
		defer slots.Release(1)

		res, err := d.remediator.Remediate(d.runCtx, problem)
		if err != nil {
			d.logger.Warn("remediation failed",
				slog.String("problem_id", problem.ProblemID),
				slog.Any("error", err))
			return
		}
		d.logger.Info("remediation finished",
			slog.String("problem_id", problem.ProblemID),
			slog.String("run_id", res.RunID),
			slog.Bool("verified", res.Verified),
			slog.Int("fixes_executed", len(res.FixesExecuted)),
			slog.Int64("duration_ms", res.TotalDurationMs))
	}()
}

func countOpen(problems []models.Problem) int {
	n := 0
	for _, p := range problems {
		if p.Active() {
			n++
		}
	}
	return n
}

// ClearProcessedProblems forgets every claim so problems can be re-detected.
func (d *Detector) ClearProcessedProblems(ctx context.Context) (int, error) {
	n, err := d.processed.Clear(ctx)
	d.logger.Info("processed problems cleared", slog.Int("count", n))
	return n, err
}

// Status returns a consistent snapshot.
func (d *Detector) Status() Status {
	d.mu.Lock()
	st := Status{
		Running: d.running,
		Phase:   d.phase,
		Config:  d.cfg,
	}
	if d.lastPoll != nil {
		poll := *d.lastPoll
		poll.Dispatched = append([]string(nil), d.lastPoll.Dispatched...)
		st.LastPoll = &poll
	}
	d.mu.Unlock()
	st.InFlight = d.inFlight.Load()
	st.Polls = d.polls.Load()
	st.Dispatched = d.dispatched.Load()
	st.ProcessedProblems = d.processed.IDs()
	return st
}

// ConfigPatch updates selected detector settings; nil fields are unchanged.
type ConfigPatch struct {
	Enabled            *bool          `json:"enabled,omitempty"`
	PollInterval       *time.Duration `json:"pollInterval,omitempty"`
	Lookback           *time.Duration `json:"lookback,omitempty"`
	MaxConcurrentFixes *int           `json:"maxConcurrentFixes,omitempty"`
	ProcessedTTL       *time.Duration `json:"processedTtl,omitempty"`
}

// Apply merges the patch onto cfg.
func (p ConfigPatch) Apply(cfg config.DetectorConfig) config.DetectorConfig {
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if p.PollInterval != nil {
		cfg.PollInterval = *p.PollInterval
	}
	if p.Lookback != nil {
		cfg.Lookback = *p.Lookback
	}
	if p.MaxConcurrentFixes != nil {
		cfg.MaxConcurrentFixes = *p.MaxConcurrentFixes
	}
	if p.ProcessedTTL != nil {
		cfg.ProcessedTTL = *p.ProcessedTTL
	}
	return cfg
}

// UpdateConfig merges patch into the current configuration.
func (d *Detector) UpdateConfig(patch ConfigPatch) (config.DetectorConfig, error) {
	d.mu.Lock()
	next := patch.Apply(d.cfg)
	if err := config.ValidateSection(next); err != nil {
		d.mu.Unlock()
		return next, err
	}
	prev := d.storeLocked(next)
	d.mu.Unlock()
	d.applied(prev, next)
	return next, nil
}

// SetConfig replaces the configuration. A new fix limit applies to later
// dispatches; runs in flight count against it until they finish. A change of
// Enabled starts or stops polling.
func (d *Detector) SetConfig(cfg config.DetectorConfig) error {
	if err := config.ValidateSection(cfg); err != nil {
		return err
	}
	d.mu.Lock()
	prev := d.storeLocked(cfg)
	d.mu.Unlock()
	d.applied(prev, cfg)
	return nil
}

func (d *Detector) storeLocked(cfg config.DetectorConfig) config.DetectorConfig {
	prev := d.cfg
	if prev.MaxConcurrentFixes != cfg.MaxConcurrentFixes {
		d.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrentFixes))
	}
	d.cfg = cfg
	return prev
}

func (d *Detector) applied(prev, next config.DetectorConfig) {
	d.processed.SetTTL(next.ProcessedTTL)
	if prev.PollInterval != next.PollInterval {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	d.logger.Info("detector config updated",
		slog.Duration("poll_interval", next.PollInterval),
		slog.Int("max_concurrent_fixes", next.MaxConcurrentFixes),
		slog.Bool("enabled", next.Enabled))
	switch {
	case next.Enabled && !prev.Enabled:
		d.Start(context.Background())
	case !next.Enabled && prev.Enabled:
		d.Stop()
	}
}
