package fixit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/miradorstack/mirador-chaos/internal/llm"
	"github.com/miradorstack/mirador-chaos/internal/metrics"
	"github.com/miradorstack/mirador-chaos/internal/models"
)

const diagnosisSystemPrompt = `You are the on-call engineer for a fleet of services under automated resilience testing.
Given a problem and its context, identify the most likely root cause and propose fixes.
Only use these actions: %s.
Rate each fix low, medium or high risk. Params may include "service" and "faultId".
Reply with one JSON object:
{"rootCause": "<one sentence>", "confidence": <0-1>, "fixes": [{"action": "<action>", "params": {"service": "<name>"}, "risk": "low|medium|high", "rationale": "<why>"}]}`

type diagnosisReply struct {
	RootCause  string  `json:"rootCause"`
	Confidence float64 `json:"confidence"`
	Fixes      []struct {
		Action    string            `json:"action"`
		Params    map[string]string `json:"params"`
		Risk      string            `json:"risk"`
		Rationale string            `json:"rationale"`
	} `json:"fixes"`
}

// diagnose produces a diagnosis for in, asking the model first and falling
// back to the rule table. It never executes anything.
func (p *Pipeline) diagnose(ctx context.Context, in Incident) models.Diagnosis {
	diag, err := p.modelDiagnosis(ctx, in)
	if err != nil {
		if p.advisor != nil {
			metrics.ObserveLLMCall(llm.PurposeDiagnosis, metrics.OutcomeFallback)
			p.logger.Warn("ai diagnosis failed, using rules",
				slog.String("problem_id", in.Problem.ProblemID),
				slog.Any("error", err),
			)
		}
		diag = p.ruleDiagnosis(in)
		if p.advisor != nil {
			diag.Notes = append(diag.Notes, "ai diagnosis unavailable: "+err.Error())
		}
	}
	diag.ProblemID = in.Problem.ProblemID
	diag.CorrelationID = in.CorrelationID()
	diag.SimilarIncidents = in.Similar
	diag.CreatedAt = p.now()
	diag.Notes = append(diag.Notes, in.Notes...)
	if in.Correlation != nil {
		diag.Notes = append(diag.Notes, in.Correlation.Notes...)
	}
	for i := range diag.ProposedFixes {
		diag.ProposedFixes[i] = normalizeFix(diag.ProposedFixes[i])
	}
	return diag
}

var errNoAdvisor = errors.New("no llm configured")

func (p *Pipeline) modelDiagnosis(ctx context.Context, in Incident) (models.Diagnosis, error) {
	if p.advisor == nil {
		return models.Diagnosis{}, errNoAdvisor
	}
	ctx, cancel := context.WithTimeout(ctx, p.advisor.Timeout())
	defer cancel()
	if !p.advisor.Available(ctx) {
		return models.Diagnosis{}, llm.ErrUnavailable
	}
	completion, err := p.advisor.Complete(ctx, llm.PurposeDiagnosis, diagnosisPrompt(in), llm.CompleteOptions{
		System: fmt.Sprintf(diagnosisSystemPrompt, strings.Join(actionNames(), ", ")),
		JSON:   true,
	})
	if err != nil {
		return models.Diagnosis{}, err
	}
	var reply diagnosisReply
	if err := llm.DecodeJSON(completion.Text, &reply); err != nil {
		return models.Diagnosis{}, err
	}
	if strings.TrimSpace(reply.RootCause) == "" {
		return models.Diagnosis{}, errors.New("model reply has no root cause")
	}
	diag := models.Diagnosis{
		RootCauseHypothesis: reply.RootCause,
		Confidence:          clamp01(reply.Confidence),
		Source:              models.DiagnosisAI,
	}
	for _, f := range reply.Fixes {
		diag.ProposedFixes = append(diag.ProposedFixes, models.Fix{
			Action:    f.Action,
			Params:    f.Params,
			RiskLevel: models.RiskLevel(strings.ToLower(strings.TrimSpace(f.Risk))),
			Rationale: f.Rationale,
		})
	}
	return diag, nil
}

func (p *Pipeline) ruleDiagnosis(in Incident) models.Diagnosis {
	rule, ok := p.rules.Match(in.Signals)
	if !ok {
		return models.Diagnosis{
			RootCauseHypothesis: "No rule matched the observed signals",
			Inconclusive:        true,
			Source:              models.DiagnosisRules,
		}
	}
	diag := models.Diagnosis{
		RootCauseHypothesis: rule.RootCause,
		ProposedFixes:       rule.proposedFixes(),
		Confidence:          clamp01(rule.Confidence),
		Inconclusive:        rule.Match.catchAll(),
		Source:              models.DiagnosisRules,
		Notes:               []string{"matched rule " + rule.ID},
	}
	if in.Correlation != nil {
		diag.RootCauseHypothesis = fmt.Sprintf("%s (%s on %s)", rule.RootCause, in.Correlation.Fault.Type, in.Correlation.Fault.Target)
		if in.Correlation.Fault.Status == models.FaultActive {
			for i := range diag.ProposedFixes {
				if diag.ProposedFixes[i].Action == ActionRevertChaos {
					diag.ProposedFixes[i].Params = map[string]string{"faultId": in.Correlation.Fault.ID}
				}
			}
		}
	}
	return diag
}

func (m RuleMatch) catchAll() bool {
	return m.ChaosType == "" && m.Severity == "" && len(m.TitleContains) == 0 &&
		len(m.LogContains) == 0 && len(m.MetricContains) == 0 && m.MinErrorRatio == 0
}

func diagnosisPrompt(in Incident) string {
	var b strings.Builder
	pr := in.Problem
	fmt.Fprintf(&b, "Problem %s: %s\nSeverity: %s\nStatus: %s\n", pr.ProblemID, pr.Title, pr.Severity, pr.Status)
	if !pr.StartTime.IsZero() {
		fmt.Fprintf(&b, "Started: %s\n", pr.StartTime.UTC().Format("2006-01-02T15:04:05Z"))
	}
	fmt.Fprintf(&b, "Affected entities: %s\n", strings.Join(pr.EntityNames(), ", "))

	if in.Correlation != nil {
		f := in.Correlation.Fault
		fmt.Fprintf(&b, "Correlated chaos fault: %s on %s (intensity %d, status %s, id %s)\n", f.Type, f.Target, f.Intensity, f.Status, f.ID)
	}
	if len(in.ActiveFaults) > 0 {
		b.WriteString("Active faults:\n")
		for _, f := range in.ActiveFaults {
			fmt.Fprintf(&b, "- %s on %s (id %s)\n", f.Type, f.Target, f.ID)
		}
	}
	if service := in.Service(); service != "" {
		state := in.Flags.PerService[service]
		if len(state) > 0 {
			fmt.Fprintf(&b, "Flag overrides on %s: %v\n", service, state)
		}
	}
	if len(in.Signals.LogSignatures) > 0 {
		fmt.Fprintf(&b, "Error log ratio: %.2f\nTop error messages:\n", in.Signals.LogErrorRatio)
		for _, s := range in.Signals.LogSignatures {
			fmt.Fprintf(&b, "- (%d) %s\n", s.Count, s.Sample)
		}
	}
	if len(in.Signals.MetricAnomalies) > 0 {
		b.WriteString("Metric anomalies:\n")
		for i, a := range in.Signals.MetricAnomalies {
			if i == 5 {
				break
			}
			fmt.Fprintf(&b, "- %s on %s: %.2f (z=%.1f)\n", a.MetricID, a.Entity, a.Value, a.Score)
		}
	}
	if len(in.Topology) > 0 {
		b.WriteString("Topology:\n")
		for _, e := range in.Topology {
			fmt.Fprintf(&b, "- %s calls %s\n", e.DisplayName, strings.Join(e.CallsTo, ", "))
		}
	}
	if len(in.Similar) > 0 {
		b.WriteString("Similar past incidents:\n")
		for _, s := range in.Similar {
			fmt.Fprintf(&b, "- %s\n", s.Text)
		}
	}
	return b.String()
}

func actionNames() []string {
	specs := Actions()
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	return names
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
