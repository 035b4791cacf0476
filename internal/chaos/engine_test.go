package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-chaos/internal/flags"
	"github.com/miradorstack/mirador-chaos/internal/models"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock and runs due callbacks on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []models.Event
}

func (l *eventLog) SendEvent(_ context.Context, ev models.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

type historyLog struct {
	mu      sync.Mutex
	chaos   []models.Fault
	reverts []models.Fault
}

func (h *historyLog) RecordChaosEvent(_ context.Context, f models.Fault) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chaos = append(h.chaos, f)
	return nil
}

func (h *historyLog) RecordRevert(_ context.Context, f models.Fault) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reverts = append(h.reverts, f)
	return nil
}

// flakyStore fails SetFlags while failing is set.
type flakyStore struct {
	*flags.MemoryStore
	failing atomic.Bool
}

func (s *flakyStore) SetFlags(ctx context.Context, delta models.FlagDelta) (models.ServiceFlagState, error) {
	if s.failing.Load() {
		return models.ServiceFlagState{}, errors.New("flag service down")
	}
	return s.MemoryStore.SetFlags(ctx, delta)
}

type harness struct {
	engine  *Engine
	clock   *fakeClock
	store   *flags.MemoryStore
	events  *eventLog
	history *historyLog
}

func newHarness(t *testing.T, maxFaults int) *harness {
	t.Helper()
	clock := newFakeClock()
	store := flags.NewMemoryStore(nil)
	events := &eventLog{}
	history := &historyLog{}
	var seq atomic.Int64
	engine := NewEngine(nil, store, events, history, Options{
		MaxConcurrentFaults: maxFaults,
		Now:                 clock.Now,
		AfterFunc:           clock.AfterFunc,
		NewID:               func() string { return fmt.Sprintf("id-%d", seq.Add(1)) },
	}, nil)
	return &harness{engine: engine, clock: clock, store: store, events: events, history: history}
}

func TestInjectAutoRevertsAfterDuration(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	fault, err := h.engine.InjectChaos(ctx, models.ChaosDecision{
		Type:       RecipeIncreaseErrorRate,
		Target:     "PaymentService",
		Intensity:  6,
		DurationMs: 300000,
	})
	require.NoError(t, err)
	require.NotNil(t, fault.ExpiresAt)
	assert.Equal(t, models.FaultActive, fault.Status)
	assert.NotEmpty(t, fault.CorrelationID)

	state, err := h.store.GetFlags(ctx)
	require.NoError(t, err)
	v, ok := state.Lookup("PaymentService", models.FlagErrorRate)
	require.True(t, ok)
	assert.InDelta(t, 0.3, v, 1e-9)

	h.clock.Advance(299999 * time.Millisecond)
	got, err := h.engine.GetFault(fault.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FaultActive, got.Status)

	h.clock.Advance(time.Millisecond)
	got, err = h.engine.GetFault(fault.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FaultReverted, got.Status)
	assert.Equal(t, ReasonExpired, got.RevertReason)
	assert.Equal(t, 1, h.events.count(EventChaosClose))
	assert.Empty(t, h.engine.Active())

	state, err = h.store.GetFlags(ctx)
	require.NoError(t, err)
	_, ok = state.Lookup("PaymentService", models.FlagErrorRate)
	assert.False(t, ok, "override removed on revert")

	_, err = h.engine.RevertChaos(ctx, fault.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.events.count(EventChaosClose), "late manual revert emits nothing")
}

func TestRevertIsIdempotentAndCancelsTimer(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	fault, err := h.engine.InjectChaos(ctx, models.ChaosDecision{Type: RecipeSlowResponses, Target: "cart", Intensity: 4, DurationMs: 60000})
	require.NoError(t, err)

	first, err := h.engine.RevertChaos(ctx, fault.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FaultReverted, first.Status)

	second, err := h.engine.RevertChaos(ctx, fault.ID)
	require.NoError(t, err)
	assert.Equal(t, first.RevertedAt, second.RevertedAt)

	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, h.events.count(EventChaosClose))
	assert.Len(t, h.history.reverts, 1)
	assert.Equal(t, ReasonManual, h.history.reverts[0].RevertReason)
}

func TestRevertUnknownFault(t *testing.T) {
	h := newHarness(t, 3)
	_, err := h.engine.RevertChaos(context.Background(), "missing")
	var notFound *FaultNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.ID)
}

func TestInjectRejectsUnknownRecipeAndBadIntensity(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	_, err := h.engine.InjectChaos(ctx, models.ChaosDecision{Type: "melt_datacenter", Target: "svc", Intensity: 3})
	var unknown *UnknownRecipeError
	require.ErrorAs(t, err, &unknown)

	_, err = h.engine.InjectChaos(ctx, models.ChaosDecision{Type: RecipeDisableCache, Target: "svc", Intensity: 11})
	require.ErrorIs(t, err, ErrInvalidDecision)
	assert.Zero(t, h.engine.ActiveCount())
}

func TestCapacityIsNeverExceeded(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.InjectChaos(ctx, models.ChaosDecision{
				Type:      RecipeResourceExhaustion,
				Target:    fmt.Sprintf("svc-%d", i),
				Intensity: 5,
			})
			var capErr *CapacityExceededError
			switch {
			case err == nil:
				ok.Add(1)
			case errors.As(err, &capErr):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 3, ok.Load())
	assert.EqualValues(t, 17, rejected.Load())
	assert.Len(t, h.engine.Active(), 3)
	for _, f := range h.engine.Active() {
		assert.Nil(t, f.ExpiresAt, "zero duration is indefinite")
	}
}

func TestRevertLeavesForeignWritesAlone(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	fault, err := h.engine.InjectChaos(ctx, models.ChaosDecision{Type: RecipeDisableCircuitBreaker, Target: "orders", Intensity: 5})
	require.NoError(t, err)
	_, err = h.store.SetFlags(ctx, models.FlagDelta{Service: "orders", Set: models.FlagValues{models.FlagCircuitBreaker: 1}})
	require.NoError(t, err)
	_, err = h.store.SetFlags(ctx, models.FlagDelta{Service: "orders", Set: models.FlagValues{models.FlagCircuitBreaker: 0}})
	require.NoError(t, err)

	_, err = h.engine.RevertChaos(ctx, fault.ID)
	require.NoError(t, err)
	state, err := h.store.GetFlags(ctx)
	require.NoError(t, err)
	_, ok := state.Lookup("orders", models.FlagCircuitBreaker)
	assert.False(t, ok, "value matches what the fault wrote, so it is restored")

	_, err = h.store.SetFlags(ctx, models.FlagDelta{Service: "orders", Set: models.FlagValues{models.FlagLatencyMs: 100}})
	require.NoError(t, err)
	second, err := h.engine.InjectChaos(ctx, models.ChaosDecision{Type: RecipeSlowResponses, Target: "orders", Intensity: 2})
	require.NoError(t, err)
	_, err = h.store.SetFlags(ctx, models.FlagDelta{Service: "orders", Set: models.FlagValues{models.FlagLatencyMs: 42}})
	require.NoError(t, err)
	_, err = h.engine.RevertChaos(ctx, second.ID)
	require.NoError(t, err)

	state, err = h.store.GetFlags(ctx)
	require.NoError(t, err)
	v, _ := state.Lookup("orders", models.FlagLatencyMs)
	assert.Equal(t, 42.0, v)
}

func TestRevertAllClearsStackedFaultsOnOneFlag(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	_, err := h.engine.InjectChaos(ctx, models.ChaosDecision{Type: RecipeIncreaseErrorRate, Target: "PaymentService", Intensity: 3})
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.engine.InjectChaos(ctx, models.ChaosDecision{Type: RecipeIncreaseErrorRate, Target: "PaymentService", Intensity: 8})
	require.NoError(t, err)

	summary := h.engine.RevertAll(ctx)
	assert.Equal(t, 2, summary.Reverted)
	assert.Zero(t, summary.Failed)
	assert.Empty(t, h.engine.Active())

	state, err := h.store.GetFlags(ctx)
	require.NoError(t, err)
	_, ok := state.Lookup("PaymentService", models.FlagErrorRate)
	assert.False(t, ok, "no override survives once every fault is reverted")
}

func TestStackedFaultsRevertInEitherOrder(t *testing.T) {
	ctx := context.Background()
	lookup := func(h *harness) float64 {
		state, err := h.store.GetFlags(ctx)
		require.NoError(t, err)
		v, ok := state.Lookup("cart", models.FlagErrorRate)
		require.True(t, ok)
		return v
	}
	inject := func(h *harness, intensity int) models.Fault {
		f, err := h.engine.InjectChaos(ctx, models.ChaosDecision{Type: RecipeIncreaseErrorRate, Target: "cart", Intensity: intensity})
		require.NoError(t, err)
		h.clock.Advance(time.Second)
		return f
	}

	t.Run("oldest first", func(t *testing.T) {
		h := newHarness(t, 3)
		_, err := h.store.SetFlags(ctx, models.FlagDelta{Service: "cart", Set: models.FlagValues{models.FlagErrorRate: 0.02}})
		require.NoError(t, err)
		first := inject(h, 2)
		second := inject(h, 9)
		live := lookup(h)

		_, err = h.engine.RevertChaos(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, live, lookup(h), "the newer fault keeps its value")

		_, err = h.engine.RevertChaos(ctx, second.ID)
		require.NoError(t, err)
		assert.InDelta(t, 0.02, lookup(h), 1e-9)
	})

	t.Run("newest first", func(t *testing.T) {
		h := newHarness(t, 3)
		_, err := h.store.SetFlags(ctx, models.FlagDelta{Service: "cart", Set: models.FlagValues{models.FlagErrorRate: 0.02}})
		require.NoError(t, err)
		first := inject(h, 2)
		firstValue := lookup(h)
		second := inject(h, 9)

		_, err = h.engine.RevertChaos(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, firstValue, lookup(h))

		_, err = h.engine.RevertChaos(ctx, first.ID)
		require.NoError(t, err)
		assert.InDelta(t, 0.02, lookup(h), 1e-9)
	})
}

func TestInjectRollsBackReservationWhenFlagsFail(t *testing.T) {
	store := &flakyStore{MemoryStore: flags.NewMemoryStore(nil)}
	store.failing.Store(true)
	engine := NewEngine(nil, store, nil, nil, Options{MaxConcurrentFaults: 1}, nil)

	_, err := engine.InjectChaos(context.Background(), models.ChaosDecision{Type: RecipeDisableCache, Target: "svc", Intensity: 1})
	require.Error(t, err)
	assert.Zero(t, engine.ActiveCount())

	store.failing.Store(false)
	_, err = engine.InjectChaos(context.Background(), models.ChaosDecision{Type: RecipeDisableCache, Target: "svc", Intensity: 1})
	require.NoError(t, err)
}

func TestRevertAllSurfacesFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: flags.NewMemoryStore(nil)}
	engine := NewEngine(nil, store, nil, nil, Options{MaxConcurrentFaults: 5}, nil)
	ctx := context.Background()

	for _, target := range []string{"a", "b"} {
		_, err := engine.InjectChaos(ctx, models.ChaosDecision{Type: RecipeIncreaseErrorRate, Target: target, Intensity: 2})
		require.NoError(t, err)
	}

	store.failing.Store(true)
	summary := engine.RevertAll(ctx)
	assert.Equal(t, 0, summary.Reverted)
	assert.Equal(t, 2, summary.Failed)
	assert.Len(t, summary.Errors, 2)
	assert.Len(t, engine.Active(), 2, "failed reverts stay active")

	store.failing.Store(false)
	summary = engine.RevertAll(ctx)
	assert.Equal(t, 2, summary.Reverted)
	assert.Zero(t, summary.Failed)
	assert.Empty(t, engine.Active())
}

func TestOpenEventCarriesCorrelationAndNoExpiry(t *testing.T) {
	h := newHarness(t, 3)
	fault, err := h.engine.InjectChaos(context.Background(), models.ChaosDecision{Type: RecipeSlowResponses, Target: "svc", Intensity: 3, DurationMs: 1000})
	require.NoError(t, err)

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	require.Len(t, h.events.events, 1)
	open := h.events.events[0]
	assert.Equal(t, EventChaosOpen, open.EventType)
	assert.True(t, open.EndTime.IsZero())
	assert.Equal(t, fault.CorrelationID, open.Properties[models.ChaosCorrelationProperty])
}

func TestShutdownStopsTimers(t *testing.T) {
	h := newHarness(t, 3)
	_, err := h.engine.InjectChaos(context.Background(), models.ChaosDecision{Type: RecipeSlowResponses, Target: "svc", Intensity: 3, DurationMs: 1000})
	require.NoError(t, err)

	summary := h.engine.Shutdown(context.Background(), false)
	assert.Zero(t, summary.Reverted)
	h.clock.Advance(time.Minute)
	assert.Len(t, h.engine.Active(), 1)
}
