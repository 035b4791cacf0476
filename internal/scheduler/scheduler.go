// Package scheduler decides when and where to inject chaos.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-chaos/internal/chaos"
	"github.com/miradorstack/mirador-chaos/internal/config"
	"github.com/miradorstack/mirador-chaos/internal/metrics"
	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

// Tick outcomes, also used as the scheduler_ticks_total label.
const (
	OutcomeWarmup             = "warmup"
	OutcomeCooldown           = "cooldown"
	OutcomeInsufficientVolume = "insufficient_volume"
	OutcomeRandomGate         = "random_gate"
	OutcomeCapacity           = "capacity"
	OutcomeNoTargets          = "no_targets"
	OutcomeInjected           = "injected"
	OutcomeError              = "error"
)

// Decision sources stamped onto injected faults.
const (
	SourceAI    = "scheduler-ai"
	SourceRules = "scheduler-rules"
)

// Injector is the part of the chaos engine the scheduler drives.
type Injector interface {
	InjectChaos(ctx context.Context, decision models.ChaosDecision) (models.Fault, error)
	Active() []models.Fault
	ActiveCount() int
	MaxConcurrentFaults() int
}

// Random supplies the scheduler's randomness. *rand.Rand satisfies it.
type Random interface {
	Float64() float64
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) IntN(n int) int   { return rand.IntN(n) }

// Options carries collaborators and test seams. Only Engine and Catalogue are
// required.
type Options struct {
	Engine    Injector
	Catalogue *chaos.Catalogue
	Advisor   Advisor
	// DiscoverTargets lists candidate targets when none are configured.
	DiscoverTargets func(ctx context.Context) ([]string, error)
	// DefaultDuration applies to recipes without their own default.
	DefaultDuration time.Duration
	Now             func() time.Time
	Rand            Random
}

// TickResult describes one gate evaluation.
type TickResult struct {
	At       time.Time             `json:"at"`
	Outcome  string                `json:"outcome"`
	Reason   string                `json:"reason,omitempty"`
	Decision *models.ChaosDecision `json:"decision,omitempty"`
	Fault    *models.Fault         `json:"fault,omitempty"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running                    bool                   `json:"running"`
	Config                     config.SchedulerConfig `json:"config"`
	UptimeStart                time.Time              `json:"uptimeStart"`
	Uptime                     time.Duration          `json:"-"`
	UptimeMs                   int64                  `json:"uptimeMs"`
	InWarmup                   bool                   `json:"inWarmup"`
	WarmupRemainingMs          int64                  `json:"warmupRemainingMs"`
	LastChaosAt                *time.Time             `json:"lastChaosAt,omitempty"`
	TransactionCount           int64                  `json:"transactionCount"`
	TransactionsSinceLastChaos int64                  `json:"transactionsSinceLastChaos"`
	Injections                 int64                  `json:"injections"`
	ActiveFaults               int                    `json:"activeFaults"`
	MaxConcurrentFaults        int                    `json:"maxConcurrentFaults"`
	LastTick                   *TickResult            `json:"lastTick,omitempty"`
}

// Scheduler runs the chaos gate on a fixed interval.
type Scheduler struct {
	engine    Injector
	catalogue *chaos.Catalogue
	advisor   Advisor
	discover  func(ctx context.Context) ([]string, error)
	defaultD  time.Duration
	now       func() time.Time
	rnd       Random
	logger    *slog.Logger
	tracer    trace.Tracer

	// tickMu serialises gate evaluation and injection.
	tickMu sync.Mutex

	mu          sync.Mutex
	cfg         config.SchedulerConfig
	running     bool
	uptimeStart time.Time
	lastChaosAt *time.Time
	lastTick    *TickResult
	cancel      context.CancelFunc
	done        chan struct{}
	wake        chan struct{}

	transactions   atomic.Int64
	sinceLastChaos atomic.Int64
	injections     atomic.Int64
}

// New builds a stopped scheduler.
func New(cfg config.SchedulerConfig, opts Options, logger *slog.Logger) (*Scheduler, error) {
	if opts.Engine == nil {
		return nil, errors.New("scheduler requires a chaos engine")
	}
	if err := config.ValidateSection(cfg); err != nil {
		return nil, err
	}
	if opts.Catalogue == nil {
		opts.Catalogue = chaos.NewCatalogue(chaos.BuiltinRecipes())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = globalRand{}
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = 5 * time.Minute
	}
	cfg.Targets = append([]string(nil), cfg.Targets...)
	return &Scheduler{
		engine:      opts.Engine,
		catalogue:   opts.Catalogue,
		advisor:     opts.Advisor,
		discover:    opts.DiscoverTargets,
		defaultD:    opts.DefaultDuration,
		now:         opts.Now,
		rnd:         opts.Rand,
		logger:      utils.Component(logger, "scheduler"),
		tracer:      otel.Tracer("github.com/miradorstack/mirador-chaos/internal/scheduler"),
		cfg:         cfg,
		uptimeStart: opts.Now(),
		wake:        make(chan struct{}, 1),
	}, nil
}

// Start begins ticking and resets the warmup clock. Starting a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) Status {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return s.Status()
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.cfg.Enabled = true
	s.uptimeStart = s.now()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(loopCtx, done)
	s.logger.Info("scheduler started")
	return s.Status()
}

// Stop halts ticking and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() Status {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return s.Status()
	}
	s.running = false
	s.cfg.Enabled = false
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped")
	return s.Status()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(s.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.interval())
		case <-timer.C:
			s.Tick(ctx)
			timer.Reset(s.interval())
		}
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Interval
}

// RecordTransaction counts n transactions from a traffic generator; n <= 0
// counts as one. It returns the running total.
func (s *Scheduler) RecordTransaction(n int64) int64 {
	if n <= 0 {
		n = 1
	}
	s.sinceLastChaos.Add(n)
	return s.transactions.Add(n)
}

// Status returns a consistent snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	now := s.now()
	st := Status{
		Running:                    s.running,
		Config:                     s.cfg,
		UptimeStart:                s.uptimeStart,
		Uptime:                     now.Sub(s.uptimeStart),
		TransactionCount:           s.transactions.Load(),
		TransactionsSinceLastChaos: s.sinceLastChaos.Load(),
		Injections:                 s.injections.Load(),
	}
	st.Config.Targets = append([]string(nil), s.cfg.Targets...)
	if s.lastChaosAt != nil {
		at := *s.lastChaosAt
		st.LastChaosAt = &at
	}
	if s.lastTick != nil {
		tick := *s.lastTick
		st.LastTick = &tick
	}
	s.mu.Unlock()

	st.UptimeMs = st.Uptime.Milliseconds()
	if remaining := st.Config.Warmup - st.Uptime; remaining > 0 {
		st.InWarmup = true
		st.WarmupRemainingMs = remaining.Milliseconds()
	}
	st.ActiveFaults = s.engine.ActiveCount()
	st.MaxConcurrentFaults = s.engine.MaxConcurrentFaults()
	return st
}

// Tick evaluates the gates once and injects when all of them pass.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	result := s.tick(ctx)
	span.SetAttributes(attribute.String("scheduler.outcome", result.Outcome))
	metrics.ObserveSchedulerTick(result.Outcome)

	s.mu.Lock()
	s.lastTick = &result
	s.mu.Unlock()

	switch result.Outcome {
	case OutcomeInjected:
	case OutcomeError, OutcomeNoTargets:
		s.logger.Warn("scheduler tick abandoned", slog.String("outcome", result.Outcome), slog.String("reason", result.Reason))
	default:
		s.logger.Debug("chaos gate closed", slog.String("outcome", result.Outcome), slog.String("reason", result.Reason))
	}
	return result
}

func (s *Scheduler) tick(ctx context.Context) TickResult {
	now := s.now()
	s.mu.Lock()
	cfg := s.cfg
	uptime := now.Sub(s.uptimeStart)
	var sinceChaos time.Duration
	hasChaos := s.lastChaosAt != nil
	if hasChaos {
		sinceChaos = now.Sub(*s.lastChaosAt)
	}
	s.mu.Unlock()
	volume := s.sinceLastChaos.Load()

	result := TickResult{At: now}
	switch {
	case uptime < cfg.Warmup:
		result.Outcome = OutcomeWarmup
		result.Reason = "in warmup, " + (cfg.Warmup - uptime).Round(time.Second).String() + " remaining"
		return result
	case hasChaos && sinceChaos < cfg.ChaosInterval:
		result.Outcome = OutcomeCooldown
		result.Reason = "cooldown, " + (cfg.ChaosInterval - sinceChaos).Round(time.Second).String() + " remaining"
		return result
	case cfg.UseVolumeTrigger && volume < cfg.TransactionThreshold:
		result.Outcome = OutcomeInsufficientVolume
		result.Reason = "insufficient volume"
		return result
	case !s.randomGate(cfg):
		result.Outcome = OutcomeRandomGate
		result.Reason = "random gate held"
		return result
	case s.engine.ActiveCount() >= s.engine.MaxConcurrentFaults():
		result.Outcome = OutcomeCapacity
		result.Reason = "max concurrent faults reached"
		return result
	}

	decision, err := s.decide(ctx, cfg)
	if err != nil {
		result.Outcome = OutcomeNoTargets
		result.Reason = err.Error()
		return result
	}
	result.Decision = &decision

	fault, err := s.engine.InjectChaos(ctx, decision)
	if err != nil {
		var capacity *chaos.CapacityExceededError
		if errors.As(err, &capacity) {
			result.Outcome = OutcomeCapacity
		} else {
			result.Outcome = OutcomeError
		}
		result.Reason = err.Error()
		return result
	}
	s.markInjected(fault.InjectedAt, volume)
	result.Outcome = OutcomeInjected
	result.Fault = &fault
	return result
}

// randomGate fires with probability 1-exp(-interval/mean): the chance that an
// exponential inter-arrival with the configured mean ends within one tick.
func (s *Scheduler) randomGate(cfg config.SchedulerConfig) bool {
	if cfg.MeanInterarrival <= 0 {
		return true
	}
	p := 1 - math.Exp(-float64(cfg.Interval)/float64(cfg.MeanInterarrival))
	return s.rnd.Float64() < p
}

func (s *Scheduler) markInjected(at time.Time, consumed int64) {
	if at.IsZero() {
		at = s.now()
	}
	s.mu.Lock()
	s.lastChaosAt = &at
	s.sinceLastChaos.Add(-consumed)
	s.mu.Unlock()
	s.injections.Add(1)
}

// SmartChaos injects immediately using the selector, skipping every gate
// except capacity.
func (s *Scheduler) SmartChaos(ctx context.Context) (models.Fault, models.ChaosDecision, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if active, limit := s.engine.ActiveCount(), s.engine.MaxConcurrentFaults(); active >= limit {
		return models.Fault{}, models.ChaosDecision{}, &chaos.CapacityExceededError{Limit: limit, Active: active}
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	decision, err := s.decide(ctx, cfg)
	if err != nil {
		return models.Fault{}, models.ChaosDecision{}, utils.NewAppError("scheduler.smart", "select chaos", err)
	}
	fault, err := s.engine.InjectChaos(ctx, decision)
	if err != nil {
		return models.Fault{}, decision, err
	}
	s.markInjected(fault.InjectedAt, s.sinceLastChaos.Load())
	return fault, decision, nil
}

// ConfigPatch updates selected scheduler settings; nil fields are unchanged.
type ConfigPatch struct {
	Enabled              *bool          `json:"enabled,omitempty"`
	Interval             *time.Duration `json:"interval,omitempty"`
	Warmup               *time.Duration `json:"warmup,omitempty"`
	ChaosInterval        *time.Duration `json:"chaosInterval,omitempty"`
	UseVolumeTrigger     *bool          `json:"useVolumeTrigger,omitempty"`
	TransactionThreshold *int64         `json:"transactionThreshold,omitempty"`
	MeanInterarrival     *time.Duration `json:"meanInterarrival,omitempty"`
	UseAI                *bool          `json:"useAI,omitempty"`
	Targets              []string       `json:"targets,omitempty"`
	MinIntensity         *int           `json:"minIntensity,omitempty"`
	MaxIntensity         *int           `json:"maxIntensity,omitempty"`
}

// Apply merges the patch onto cfg.
func (p ConfigPatch) Apply(cfg config.SchedulerConfig) config.SchedulerConfig {
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if p.Interval != nil {
		cfg.Interval = *p.Interval
	}
	if p.Warmup != nil {
		cfg.Warmup = *p.Warmup
	}
	if p.ChaosInterval != nil {
		cfg.ChaosInterval = *p.ChaosInterval
	}
	if p.UseVolumeTrigger != nil {
		cfg.UseVolumeTrigger = *p.UseVolumeTrigger
	}
	if p.TransactionThreshold != nil {
		cfg.TransactionThreshold = *p.TransactionThreshold
	}
	if p.MeanInterarrival != nil {
		cfg.MeanInterarrival = *p.MeanInterarrival
	}
	if p.UseAI != nil {
		cfg.UseAI = *p.UseAI
	}
	if p.Targets != nil {
		cfg.Targets = append([]string(nil), p.Targets...)
	}
	if p.MinIntensity != nil {
		cfg.MinIntensity = *p.MinIntensity
	}
	if p.MaxIntensity != nil {
		cfg.MaxIntensity = *p.MaxIntensity
	}
	return cfg
}

// UpdateConfig merges patch into the current configuration. An in-flight tick
// keeps the configuration it started with.
func (s *Scheduler) UpdateConfig(patch ConfigPatch) (config.SchedulerConfig, error) {
	s.mu.Lock()
	next := patch.Apply(s.cfg)
	if err := config.ValidateSection(next); err != nil {
		s.mu.Unlock()
		return next, err
	}
	prev := s.storeLocked(next)
	s.mu.Unlock()
	s.applied(prev, next)
	return next, nil
}

// SetConfig replaces the configuration wholesale after validating it. A change
// of Enabled starts or stops the loop.
func (s *Scheduler) SetConfig(cfg config.SchedulerConfig) error {
	if err := config.ValidateSection(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.storeLocked(cfg)
	s.mu.Unlock()
	s.applied(prev, cfg)
	return nil
}

// storeLocked installs cfg and returns the configuration it replaced.
func (s *Scheduler) storeLocked(cfg config.SchedulerConfig) config.SchedulerConfig {
	prev := s.cfg
	cfg.Targets = append([]string(nil), cfg.Targets...)
	s.cfg = cfg
	return prev
}

func (s *Scheduler) applied(prev, next config.SchedulerConfig) {
	if prev.Interval != next.Interval {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	s.logger.Info("scheduler config updated",
		slog.Duration("interval", next.Interval),
		slog.Duration("warmup", next.Warmup),
		slog.Bool("use_ai", next.UseAI),
		slog.Bool("enabled", next.Enabled))
	switch {
	case next.Enabled && !prev.Enabled:
		s.Start(context.Background())
	case !next.Enabled && prev.Enabled:
		s.Stop()
	}
}

// Config returns the current configuration.
func (s *Scheduler) Config() config.SchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	cfg.Targets = append([]string(nil), s.cfg.Targets...)
	return cfg
}
