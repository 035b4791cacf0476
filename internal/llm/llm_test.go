package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-chaos/internal/utils"
)

func TestGuardTimesOutSlowProvider(t *testing.T) {
	provider := NewScriptedProvider(Text("too late"))
	provider.Delay = time.Second
	guard := NewGuard(provider, nil, GuardOptions{Timeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	_, err := guard.Chat(context.Background(), PurposeSelection, ChatRequest{Messages: []Message{{Role: RoleUser, Content: "pick"}}})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, utils.IsRecoverable(err))
}

func TestGuardDisabledWithoutProvider(t *testing.T) {
	guard := NewGuard(nil, nil, GuardOptions{}, nil)
	assert.False(t, guard.Enabled())
	assert.False(t, guard.Available(context.Background()))
	_, err := guard.Complete(context.Background(), PurposeDiagnosis, "hi", CompleteOptions{})
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = guard.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

type countingPinger struct {
	*ScriptedProvider
	pings atomic.Int32
}

func (c *countingPinger) Ping(ctx context.Context) error {
	c.pings.Add(1)
	return c.ScriptedProvider.Ping(ctx)
}

func TestGuardCachesProbe(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	provider := &countingPinger{ScriptedProvider: NewScriptedProvider()}
	guard := NewGuard(provider, nil, GuardOptions{ProbeTTL: time.Minute, Now: func() time.Time { return now }}, nil)

	assert.True(t, guard.Available(context.Background()))
	assert.True(t, guard.Available(context.Background()))
	assert.EqualValues(t, 1, provider.pings.Load())

	now = now.Add(2 * time.Minute)
	provider.PingErr = errors.New("down")
	assert.False(t, guard.Available(context.Background()))
	assert.EqualValues(t, 2, provider.pings.Load())
}

func TestGuardFailureMarksUnavailable(t *testing.T) {
	provider := NewScriptedProvider()
	provider.Err = errors.New("boom")
	guard := NewGuard(provider, nil, GuardOptions{}, nil)

	require.True(t, guard.Available(context.Background()))
	_, err := guard.Complete(context.Background(), PurposeDiagnosis, "why", CompleteOptions{System: "sre"})
	require.Error(t, err)
	assert.False(t, guard.Available(context.Background()), "failed call refreshes the cached probe")
}

func TestGuardCallerCancelKeepsAvailability(t *testing.T) {
	provider := NewScriptedProvider(Text("late"))
	provider.Delay = time.Second
	guard := NewGuard(provider, nil, GuardOptions{Timeout: time.Second}, nil)
	require.True(t, guard.Available(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err := guard.Complete(ctx, PurposeDiagnosis, "why", CompleteOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, guard.Available(context.Background()), "an abandoned request says nothing about the backend")
}

func TestGuardAvailabilityCheckOutlivesImpatientCaller(t *testing.T) {
	provider := &countingPinger{ScriptedProvider: NewScriptedProvider()}
	provider.PingDelay = 50 * time.Millisecond
	guard := NewGuard(provider, nil, GuardOptions{Timeout: time.Second}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.False(t, guard.Available(ctx))
	assert.Less(t, time.Since(start), 40*time.Millisecond, "caller waits no longer than its deadline")

	assert.True(t, guard.Available(context.Background()))
	assert.EqualValues(t, 1, provider.pings.Load(), "the shared check finished instead of being cancelled")
}

func TestCompleteBuildsMessages(t *testing.T) {
	provider := NewScriptedProvider(Text("answer"))
	guard := NewGuard(provider, nil, GuardOptions{Temperature: 0.2, MaxTokens: 256}, nil)

	out, err := guard.Complete(context.Background(), PurposeLearning, "summarise", CompleteOptions{System: "you write postmortems"})
	require.NoError(t, err)
	assert.Equal(t, "answer", out.Text)
	assert.Equal(t, 10, out.PromptTokens)

	req := provider.LastRequest()
	require.Len(t, req.Messages, 2)
	assert.Equal(t, RoleSystem, req.Messages[0].Role)
	assert.Equal(t, float32(0.2), req.Temperature)
	assert.Equal(t, 256, req.MaxTokens)
}

func TestHashEmbedderSimilarity(t *testing.T) {
	e := NewHashEmbedder(128)
	vecs, err := e.Embed(context.Background(), []string{
		"PaymentService error rate spike after chaos",
		"error rate spike on PaymentService",
		"disk full on reporting batch host",
	})
	require.NoError(t, err)
	require.Len(t, vecs[0], 128)

	near := Cosine(vecs[0], vecs[1])
	far := Cosine(vecs[0], vecs[2])
	assert.Greater(t, near, far)
	assert.InDelta(t, 1.0, Cosine(vecs[0], vecs[0]), 1e-6)
}

func TestDecodeJSONToleratesFences(t *testing.T) {
	var out struct {
		Type string `json:"type"`
	}
	require.NoError(t, DecodeJSON("Here you go:\n```json\n{\"type\": \"slow_responses\"}\n```", &out))
	assert.Equal(t, "slow_responses", out.Type)
	assert.Error(t, DecodeJSON("no json here", &out))
}
