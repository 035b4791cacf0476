// Package chaos injects and reverts faults by mutating service feature flags.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-chaos/internal/flags"
	"github.com/miradorstack/mirador-chaos/internal/metrics"
	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

// Observability event types emitted around a fault's lifetime.
const (
	EventChaosOpen  = "CHAOS_INJECTION_STARTED"
	EventChaosClose = "CHAOS_INJECTION_ENDED"
)

// Revert reasons.
const (
	ReasonManual   = "manual"
	ReasonExpired  = "expired"
	ReasonBulk     = "revert_all"
	ReasonShutdown = "shutdown"
)

// EventSink receives chaos markers for external correlation.
type EventSink interface {
	SendEvent(ctx context.Context, event models.Event) error
}

// Recorder appends chaos history to operational memory.
type Recorder interface {
	RecordChaosEvent(ctx context.Context, fault models.Fault) error
	RecordRevert(ctx context.Context, fault models.Fault) error
}

// AfterFunc schedules f after d and returns a handle to cancel it.
type AfterFunc func(d time.Duration, f func()) Timer

// Options tunes an Engine. Zero values select production behaviour.
type Options struct {
	MaxConcurrentFaults int
	RetiredCapacity     int
	EventSource         string
	Now                 func() time.Time
	AfterFunc           AfterFunc
	NewID               func() string
}

// Engine applies recipes to targets and owns the fault registry.
type Engine struct {
	catalogue *Catalogue
	registry  *Registry
	store     flags.Store
	events    EventSink
	recorder  Recorder
	logger    *slog.Logger
	tracer    trace.Tracer

	source    string
	now       func() time.Time
	afterFunc AfterFunc
	newID     func() string
}

// NewEngine wires an engine. events and recorder may be nil.
func NewEngine(catalogue *Catalogue, store flags.Store, events EventSink, recorder Recorder, opts Options, logger *slog.Logger) *Engine {
	if catalogue == nil {
		catalogue = NewCatalogue(BuiltinRecipes())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.EventSource == "" {
		opts.EventSource = "mirador-chaos"
	}
	return &Engine{
		catalogue: catalogue,
		registry:  NewRegistry(opts.MaxConcurrentFaults, opts.RetiredCapacity),
		store:     store,
		events:    events,
		recorder:  recorder,
		logger:    utils.Component(logger, "chaos"),
		tracer:    otel.Tracer("github.com/miradorstack/mirador-chaos/internal/chaos"),
		source:    opts.EventSource,
		now:       opts.Now,
		afterFunc: opts.AfterFunc,
		newID:     opts.NewID,
	}
}

// InjectChaos applies decision and registers the resulting fault. A positive
// duration schedules an automatic revert.
func (e *Engine) InjectChaos(ctx context.Context, decision models.ChaosDecision) (models.Fault, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.inject", trace.WithAttributes(
		attribute.String("chaos.type", decision.Type),
		attribute.String("chaos.target", decision.Target),
		attribute.Int("chaos.intensity", decision.Intensity),
	))
	defer span.End()

	fault, err := e.inject(ctx, decision)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ObserveInjection(decision.Type, metrics.OutcomeError)
		return models.Fault{}, err
	}
	span.SetAttributes(attribute.String("chaos.correlation_id", fault.CorrelationID))
	metrics.ObserveInjection(decision.Type, metrics.OutcomeSuccess)
	metrics.SetActiveFaults(e.registry.Count())
	return fault, nil
}

func (e *Engine) inject(ctx context.Context, decision models.ChaosDecision) (models.Fault, error) {
	recipe, ok := e.catalogue.Lookup(decision.Type)
	if !ok {
		return models.Fault{}, &UnknownRecipeError{Type: decision.Type}
	}
	if err := decision.Validate(); err != nil {
		return models.Fault{}, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}

	now := e.now()
	fault := models.Fault{
		ID:            e.newID(),
		Type:          recipe.Name,
		Target:        decision.Target,
		Intensity:     decision.Intensity,
		InjectedAt:    now,
		Status:        models.FaultActive,
		CorrelationID: e.newID(),
		Source:        decision.Source,
	}
	duration := decision.Duration()
	if duration > 0 {
		expires := now.Add(duration)
		fault.ExpiresAt = &expires
	}

	if err := e.registry.Reserve(fault); err != nil {
		return models.Fault{}, err
	}

	current, err := e.store.GetFlags(ctx)
	if err != nil {
		e.registry.Remove(fault.ID)
		return models.Fault{}, utils.NewAppError("chaos.inject", "read flags", err)
	}
	value := FlagValue(recipe, decision.Intensity)
	written := models.FlagValues{recipe.Flag: value}
	prior := map[string]*float64{recipe.Flag: nil}
	if v, ok := current.Lookup(fault.Target, recipe.Flag); ok {
		prior[recipe.Flag] = &v
	}
	if _, err := e.store.SetFlags(ctx, models.FlagDelta{Service: fault.Target, Set: written}); err != nil {
		e.registry.Remove(fault.ID)
		return models.Fault{}, utils.NewAppError("chaos.inject", "apply flags", err)
	}
	e.registry.Commit(fault.ID, written, prior)

	if duration > 0 {
		id := fault.ID
		timer := e.afterFunc(duration, func() { e.expire(id) })
		if !e.registry.SetTimer(id, timer) {
			timer.Stop()
		}
	}

	e.logger.Info("chaos injected",
		slog.String("fault_id", fault.ID),
		slog.String("type", fault.Type),
		slog.String("target", fault.Target),
		slog.Int("intensity", fault.Intensity),
		slog.Float64("flag_value", value),
		slog.Duration("duration", duration),
	)

	e.emit(ctx, models.Event{
		EventType:      EventChaosOpen,
		Title:          fmt.Sprintf("Chaos %s on %s", fault.Type, fault.Target),
		EntitySelector: fault.Target,
		StartTime:      now,
		Properties:     e.eventProperties(fault),
	})
	if e.recorder != nil {
		if err := e.recorder.RecordChaosEvent(ctx, fault); err != nil {
			e.logger.Warn("record chaos event failed", slog.String("fault_id", fault.ID), slog.Any("error", err))
		}
	}
	return fault, nil
}

// expire is the auto-revert callback.
func (e *Engine) expire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := e.revert(ctx, id, ReasonExpired); err != nil {
		e.logger.Warn("auto-revert failed", slog.String("fault_id", id), slog.Any("error", err))
	}
}

// RevertChaos reverts a fault. Reverting an already-reverted fault is a no-op.
func (e *Engine) RevertChaos(ctx context.Context, id string) (models.Fault, error) {
	return e.revert(ctx, id, ReasonManual)
}

func (e *Engine) revert(ctx context.Context, id, reason string) (models.Fault, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.revert", trace.WithAttributes(
		attribute.String("chaos.fault_id", id),
		attribute.String("chaos.reason", reason),
	))
	defer span.End()

	claim, err := e.registry.Claim(id, reason, e.now())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return models.Fault{}, err
	}
	if claim.already {
		span.SetAttributes(attribute.Bool("chaos.noop", true))
		return claim.fault, nil
	}

	if err := e.restore(ctx, claim); err != nil {
		e.registry.Reinstate(claim)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Fault{}, utils.NewAppError("chaos.revert", "restore flags", err)
	}
	fault := claim.fault
	metrics.ObserveRevert(reason)
	metrics.SetActiveFaults(e.registry.Count())

	e.logger.Info("chaos reverted",
		slog.String("fault_id", fault.ID),
		slog.String("type", fault.Type),
		slog.String("target", fault.Target),
		slog.String("reason", reason),
	)
	e.emit(ctx, models.Event{
		EventType:      EventChaosClose,
		Title:          fmt.Sprintf("Chaos %s on %s reverted", fault.Type, fault.Target),
		EntitySelector: fault.Target,
		StartTime:      fault.InjectedAt,
		EndTime:        *fault.RevertedAt,
		Properties:     e.eventProperties(fault),
	})
	if e.recorder != nil {
		if err := e.recorder.RecordRevert(ctx, fault); err != nil {
			e.logger.Warn("record revert failed", slog.String("fault_id", fault.ID), slog.Any("error", err))
		}
	}
	return fault, nil
}

// restore puts back the prior values of the keys the fault still owns,
// skipping keys another writer has changed since.
func (e *Engine) restore(ctx context.Context, claim claimResult) error {
	delta := models.FlagDelta{Service: claim.fault.Target}
	for key, prev := range claim.restore {
		if delta.IfEquals == nil {
			delta.IfEquals = models.FlagValues{}
		}
		delta.IfEquals[key] = claim.written[key]
		if prev != nil {
			if delta.Set == nil {
				delta.Set = models.FlagValues{}
			}
			delta.Set[key] = *prev
		} else {
			delta.Unset = append(delta.Unset, key)
		}
	}
	sort.Strings(delta.Unset)
	if delta.Empty() {
		return nil
	}
	_, err := e.store.SetFlags(ctx, delta)
	return err
}

// RevertAll reverts every active fault and reports per-fault failures.
func (e *Engine) RevertAll(ctx context.Context) models.RevertSummary {
	return e.revertAll(ctx, ReasonBulk)
}

// Shutdown cancels pending auto-reverts and optionally reverts every active fault.
func (e *Engine) Shutdown(ctx context.Context, revert bool) models.RevertSummary {
	var summary models.RevertSummary
	if revert {
		summary = e.revertAll(ctx, ReasonShutdown)
	}
	if n := e.registry.StopTimers(); n > 0 {
		e.logger.Info("cancelled pending auto-reverts", slog.Int("count", n))
	}
	return summary
}

func (e *Engine) revertAll(ctx context.Context, reason string) models.RevertSummary {
	summary := models.RevertSummary{}
	for _, f := range e.registry.Active() {
		if _, err := e.revert(ctx, f.ID, reason); err != nil {
			var notFound *FaultNotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			summary.Failed++
			if summary.Errors == nil {
				summary.Errors = make(map[string]string)
			}
			summary.Errors[f.ID] = err.Error()
			continue
		}
		summary.Reverted++
	}
	return summary
}

// Active returns the currently active faults.
func (e *Engine) Active() []models.Fault { return e.registry.Active() }

// ActiveCount returns occupied capacity slots.
func (e *Engine) ActiveCount() int { return e.registry.Count() }

// MaxConcurrentFaults returns the current capacity.
func (e *Engine) MaxConcurrentFaults() int { return e.registry.Limit() }

// SetMaxConcurrentFaults changes the capacity.
func (e *Engine) SetMaxConcurrentFaults(n int) { e.registry.SetLimit(n) }

// Recent returns active faults followed by remembered reverted ones.
func (e *Engine) Recent() []models.Fault {
	return append(e.registry.Active(), e.registry.Retired()...)
}

// GetFault returns an active or recently reverted fault.
func (e *Engine) GetFault(id string) (models.Fault, error) {
	f, ok := e.registry.Get(id)
	if !ok {
		return models.Fault{}, &FaultNotFoundError{ID: id}
	}
	return f, nil
}

// Recipes returns the loaded recipe pack.
func (e *Engine) Recipes() []models.Recipe { return e.catalogue.List() }

// Catalogue exposes the recipe pack for selection.
func (e *Engine) Catalogue() *Catalogue { return e.catalogue }

func (e *Engine) eventProperties(f models.Fault) map[string]string {
	return map[string]string{
		models.ChaosCorrelationProperty: f.CorrelationID,
		"chaos.faultId":                 f.ID,
		"chaos.type":                    f.Type,
		"chaos.intensity":               strconv.Itoa(f.Intensity),
		"source":                        e.source,
	}
}

func (e *Engine) emit(ctx context.Context, event models.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.SendEvent(ctx, event); err != nil {
		e.logger.Warn("send chaos event failed",
			slog.String("event_type", event.EventType),
			slog.Any("error", err),
		)
	}
}
