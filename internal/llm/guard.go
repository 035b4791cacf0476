package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-chaos/internal/metrics"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

// ErrUnavailable marks a disabled, unreachable, rate-limited or timed-out LLM.
var ErrUnavailable = errors.New("llm unavailable")

// GuardOptions bounds every call made through a Guard.
type GuardOptions struct {
	Timeout           time.Duration
	RequestsPerMinute int
	ProbeTTL          time.Duration
	Temperature       float32
	MaxTokens         int
	Now               func() time.Time
}

// Guard makes an optional Provider safe to call from control loops: each call
// carries a hard timeout, shares a rate limit, and is skipped outright while a
// cached availability probe says the backend is down.
type Guard struct {
	provider Provider
	embedder Embedder
	opts     GuardOptions
	limiter  *rate.Limiter
	logger   *slog.Logger

	probes singleflight.Group

	mu        sync.Mutex
	probedAt  time.Time
	available bool
}

// NewGuard wraps provider. A nil provider yields a guard that is never available.
func NewGuard(provider Provider, embedder Embedder, opts GuardOptions, logger *slog.Logger) *Guard {
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	if opts.ProbeTTL <= 0 {
		opts.ProbeTTL = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	g := &Guard{
		provider: provider,
		embedder: embedder,
		opts:     opts,
		logger:   utils.Component(logger, "llm"),
	}
	if opts.RequestsPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), opts.RequestsPerMinute)
	}
	return g
}

// Enabled reports whether a provider is configured at all.
func (g *Guard) Enabled() bool { return g != nil && g.provider != nil }

// Timeout returns the hard per-call timeout.
func (g *Guard) Timeout() time.Duration { return g.opts.Timeout }

// Available consults the cached probe, refreshing it when stale. Concurrent
// callers share one probe, which runs detached from any caller; each caller
// waits for it no longer than its own ctx allows.
func (g *Guard) Available(ctx context.Context) bool {
	if !g.Enabled() {
		return false
	}
	g.mu.Lock()
	fresh := !g.probedAt.IsZero() && g.opts.Now().Sub(g.probedAt) < g.opts.ProbeTTL
	available := g.available
	g.mu.Unlock()
	if fresh {
		return available
	}

	probeCtx := context.WithoutCancel(ctx)
	ch := g.probes.DoChan("probe", func() (any, error) {
		callCtx, cancel := context.WithTimeout(probeCtx, g.probeTimeout())
		defer cancel()
		err := g.provider.Ping(callCtx)
		if err != nil {
			g.logger.Warn("llm availability probe failed", slog.Any("error", err))
		}
		g.setAvailable(err == nil)
		return err == nil, nil
	})
	select {
	case res := <-ch:
		ok, _ := res.Val.(bool)
		return ok
	case <-ctx.Done():
		return false
	}
}

func (g *Guard) probeTimeout() time.Duration {
	if g.opts.Timeout < 10*time.Second {
		return g.opts.Timeout
	}
	return 10 * time.Second
}

func (g *Guard) setAvailable(ok bool) {
	g.mu.Lock()
	g.available = ok
	g.probedAt = g.opts.Now()
	g.mu.Unlock()
}

// Chat runs one bounded chat call. Failures are wrapped with ErrUnavailable and
// marked recoverable; a failure also marks the backend unavailable until the
// next probe, unless the caller cancelled.
func (g *Guard) Chat(ctx context.Context, purpose string, req ChatRequest) (*ChatResponse, error) {
	if !g.Enabled() {
		return nil, utils.Unavailable("llm."+purpose, ErrUnavailable)
	}
	if req.Temperature == 0 {
		req.Temperature = g.opts.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = g.opts.MaxTokens
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(callCtx); err != nil {
			metrics.ObserveLLMCall(purpose, metrics.OutcomeError)
			return nil, utils.Unavailable("llm."+purpose, fmt.Errorf("%w: rate limited: %w", ErrUnavailable, err))
		}
	}

	type result struct {
		resp *ChatResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := g.provider.Chat(callCtx, req)
		done <- result{resp, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = result{err: callCtx.Err()}
	}
	if res.err == nil && res.resp == nil {
		res.err = errors.New("empty response")
	}
	if res.err != nil {
		metrics.ObserveLLMCall(purpose, metrics.OutcomeError)
		if !errors.Is(ctx.Err(), context.Canceled) {
			g.setAvailable(false)
		}
		return nil, utils.Unavailable("llm."+purpose, fmt.Errorf("%w: %w", ErrUnavailable, res.err))
	}
	metrics.ObserveLLMCall(purpose, metrics.OutcomeSuccess)
	return res.resp, nil
}

// Complete runs a single-prompt completion.
func (g *Guard) Complete(ctx context.Context, purpose, prompt string, opts CompleteOptions) (Completion, error) {
	req := ChatRequest{Temperature: opts.Temperature, MaxTokens: opts.MaxTokens, JSONMode: opts.JSON}
	if opts.System != "" {
		req.Messages = append(req.Messages, Message{Role: RoleSystem, Content: opts.System})
	}
	req.Messages = append(req.Messages, Message{Role: RoleUser, Content: prompt})
	resp, err := g.Chat(ctx, purpose, req)
	if err != nil {
		return Completion{}, err
	}
	return Completion{
		Text:             resp.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Embed runs a bounded embedding call through the configured embedder.
func (g *Guard) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if g == nil || g.embedder == nil {
		return nil, utils.Unavailable("llm.embed", ErrUnavailable)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	vectors, err := g.embedder.Embed(callCtx, texts)
	if err != nil {
		metrics.ObserveLLMCall(PurposeEmbedding, metrics.OutcomeError)
		return nil, utils.Unavailable("llm.embed", fmt.Errorf("%w: %w", ErrUnavailable, err))
	}
	metrics.ObserveLLMCall(PurposeEmbedding, metrics.OutcomeSuccess)
	return vectors, nil
}
