package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-chaos/internal/config"
	"github.com/miradorstack/mirador-chaos/internal/llm"
	"github.com/miradorstack/mirador-chaos/internal/metrics"
	"github.com/miradorstack/mirador-chaos/internal/models"
)

// Advisor is the LLM capability used for chaos selection. *llm.Guard
// satisfies it.
type Advisor interface {
	Timeout() time.Duration
	Available(ctx context.Context) bool
	Complete(ctx context.Context, purpose, prompt string, opts llm.CompleteOptions) (llm.Completion, error)
}

var errNoTargets = errors.New("no chaos targets configured or discovered")

const selectionSystemPrompt = `You choose the next chaos experiment for a resilience testing platform.
Prefer targets without active faults and vary the chaos type over time.
Reply with one JSON object:
{"type": "<recipe name>", "target": "<target>", "intensity": <1-10>, "durationMs": <milliseconds>, "reasoning": "<one sentence>"}`

// decide picks the next experiment, asking the advisor first when enabled and
// falling back to a weighted recipe draw.
func (s *Scheduler) decide(ctx context.Context, cfg config.SchedulerConfig) (models.ChaosDecision, error) {
	targets := s.targets(ctx, cfg)
	if len(targets) == 0 {
		return models.ChaosDecision{}, errNoTargets
	}
	if cfg.UseAI && s.advisor != nil {
		decision, err := s.adviseDecision(ctx, cfg, targets)
		if err == nil {
			return decision, nil
		}
		metrics.ObserveLLMCall(llm.PurposeSelection, metrics.OutcomeFallback)
		s.logger.Warn("ai chaos selection failed, using rules", slog.Any("error", err))
	}
	return s.ruleDecision(cfg, targets)
}

func (s *Scheduler) targets(ctx context.Context, cfg config.SchedulerConfig) []string {
	if len(cfg.Targets) > 0 || s.discover == nil {
		return cfg.Targets
	}
	found, err := s.discover(ctx)
	if err != nil {
		s.logger.Warn("target discovery failed", slog.Any("error", err))
		return nil
	}
	return found
}

func (s *Scheduler) ruleDecision(cfg config.SchedulerConfig, targets []string) (models.ChaosDecision, error) {
	recipe, ok := s.catalogue.Pick(s.rnd)
	if !ok {
		return models.ChaosDecision{}, errors.New("recipe catalogue is empty")
	}
	target := targets[s.rnd.IntN(len(targets))]
	intensity := cfg.MinIntensity
	if span := cfg.MaxIntensity - cfg.MinIntensity; span > 0 {
		intensity += s.rnd.IntN(span + 1)
	}
	return models.ChaosDecision{
		Type:       recipe.Name,
		Target:     target,
		Intensity:  clampIntensity(intensity),
		DurationMs: s.durationFor(recipe).Milliseconds(),
		Reasoning:  fmt.Sprintf("weighted draw (weight %.1f)", recipe.Weight),
		Source:     SourceRules,
	}, nil
}

func (s *Scheduler) durationFor(recipe models.Recipe) time.Duration {
	if recipe.DefaultDuration > 0 {
		return recipe.DefaultDuration
	}
	return s.defaultD
}

type adviceReply struct {
	Type       string `json:"type"`
	Target     string `json:"target"`
	Intensity  int    `json:"intensity"`
	DurationMs int64  `json:"durationMs"`
	Reasoning  string `json:"reasoning"`
}

// adviseDecision asks the advisor for a decision. The availability probe and
// the completion share one deadline.
func (s *Scheduler) adviseDecision(ctx context.Context, cfg config.SchedulerConfig, targets []string) (models.ChaosDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, s.advisor.Timeout())
	defer cancel()
	if !s.advisor.Available(ctx) {
		return models.ChaosDecision{}, llm.ErrUnavailable
	}
	completion, err := s.advisor.Complete(ctx, llm.PurposeSelection, s.selectionPrompt(cfg, targets), llm.CompleteOptions{
		System: selectionSystemPrompt,
		JSON:   true,
	})
	if err != nil {
		return models.ChaosDecision{}, err
	}
	var reply adviceReply
	if err := llm.DecodeJSON(completion.Text, &reply); err != nil {
		return models.ChaosDecision{}, err
	}

	recipe, ok := s.catalogue.Lookup(reply.Type)
	if !ok {
		return models.ChaosDecision{}, fmt.Errorf("model chose unknown recipe %q", reply.Type)
	}
	target, ok := matchTarget(reply.Target, targets)
	if !ok {
		return models.ChaosDecision{}, fmt.Errorf("model chose unknown target %q", reply.Target)
	}
	intensity := reply.Intensity
	if intensity < cfg.MinIntensity {
		intensity = cfg.MinIntensity
	}
	if intensity > cfg.MaxIntensity {
		intensity = cfg.MaxIntensity
	}
	duration := time.Duration(reply.DurationMs) * time.Millisecond
	if duration <= 0 || duration > 4*s.durationFor(recipe) {
		duration = s.durationFor(recipe)
	}
	return models.ChaosDecision{
		Type:       recipe.Name,
		Target:     target,
		Intensity:  clampIntensity(intensity),
		DurationMs: duration.Milliseconds(),
		Reasoning:  reply.Reasoning,
		Source:     SourceAI,
	}, nil
}

func (s *Scheduler) selectionPrompt(cfg config.SchedulerConfig, targets []string) string {
	var b strings.Builder
	b.WriteString("Available recipes:\n")
	for _, r := range s.catalogue.List() {
		fmt.Fprintf(&b, "- %s: %s\n", r.Name, r.Description)
	}
	fmt.Fprintf(&b, "Targets: %s\n", strings.Join(targets, ", "))
	fmt.Fprintf(&b, "Intensity range: %d-%d\n", cfg.MinIntensity, cfg.MaxIntensity)
	active := s.engine.Active()
	if len(active) == 0 {
		b.WriteString("Active faults: none\n")
	} else {
		b.WriteString("Active faults:\n")
		for _, f := range active {
			fmt.Fprintf(&b, "- %s on %s (intensity %d)\n", f.Type, f.Target, f.Intensity)
		}
	}
	return b.String()
}

func matchTarget(name string, targets []string) (string, bool) {
	for _, t := range targets {
		if strings.EqualFold(strings.TrimSpace(name), t) {
			return t, true
		}
	}
	return "", false
}

func clampIntensity(v int) int {
	switch {
	case v < 1:
		return 1
	case v > 10:
		return 10
	default:
		return v
	}
}
