package librarian

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/miradorstack/mirador-chaos/internal/llm"
	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

const (
	learningSourceAI       = "ai"
	learningSourceTemplate = "template"
)

const learningSystemPrompt = `You write short blameless postmortems for a chaos engineering platform.
Reply with a single JSON object:
{"title": "...", "summary": "...", "rootCause": "...", "fixes": ["..."], "recommendations": ["..."]}`

type learningReply struct {
	Title           string   `json:"title"`
	Summary         string   `json:"summary"`
	RootCause       string   `json:"rootCause"`
	Fixes           []string `json:"fixes"`
	Recommendations []string `json:"recommendations"`
}

// GenerateLearning writes a postmortem from the incident timeline. The model
// is tried first and a deterministic template is used when it is unavailable
// or replies with garbage. The learning is indexed for later recall; the
// timeline itself is only read.
func (l *Librarian) GenerateLearning(ctx context.Context, problemID string) (models.Learning, error) {
	timeline, err := l.GetIncidentTimeline(ctx, problemID)
	if err != nil {
		return models.Learning{}, err
	}
	if len(timeline) == 0 {
		return models.Learning{}, utils.NewAppError("librarian.learn", problemID, ErrNoTimeline)
	}

	learning := templateLearning(problemID, timeline)
	if reply, ok := l.modelLearning(ctx, timeline); ok {
		learning.Source = learningSourceAI
		if reply.Title != "" {
			learning.Title = reply.Title
		}
		if reply.Summary != "" {
			learning.Summary = reply.Summary
		}
		if reply.RootCause != "" {
			learning.RootCause = reply.RootCause
		}
		if len(reply.Fixes) > 0 {
			learning.Fixes = reply.Fixes
		}
		if len(reply.Recommendations) > 0 {
			learning.Recommendations = reply.Recommendations
		}
	}
	learning.GeneratedAt = l.opts.Now().UTC()

	l.indexIncident(ctx, models.IncidentDocument{
		ID:         "learning-" + problemID,
		ProblemID:  problemID,
		Text:       learning.Title + ". " + learning.Summary,
		RootCause:  learning.RootCause,
		Fixes:      learning.Fixes,
		RecordedAt: learning.GeneratedAt,
	})
	return learning, nil
}

func (l *Librarian) modelLearning(ctx context.Context, timeline []models.HistoryEntry) (learningReply, bool) {
	if l.llm == nil {
		return learningReply{}, false
	}
	var prompt strings.Builder
	prompt.WriteString("Incident timeline (oldest first):\n")
	for _, e := range timeline {
		fmt.Fprintf(&prompt, "- %s [%s] %s\n", e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.Kind, e.Summary)
	}
	completion, err := l.llm.Complete(ctx, llm.PurposeLearning, prompt.String(), llm.CompleteOptions{
		System: learningSystemPrompt,
		JSON:   true,
	})
	if err != nil {
		l.logger.Warn("learning falls back to template", slog.Any("error", err))
		return learningReply{}, false
	}
	var reply learningReply
	if err := llm.DecodeJSON(completion.Text, &reply); err != nil {
		l.logger.Warn("learning falls back to template: unparsable reply", slog.Any("error", err))
		return learningReply{}, false
	}
	if reply.Summary == "" && reply.RootCause == "" {
		return learningReply{}, false
	}
	return reply, true
}

func templateLearning(problemID string, timeline []models.HistoryEntry) models.Learning {
	learning := models.Learning{
		ProblemID:  problemID,
		Title:      "Incident " + problemID,
		Source:     learningSourceTemplate,
		EntryCount: len(timeline),
	}

	var (
		faults   []models.Fault
		problem  *models.Problem
		verified bool
		fixes    []string
	)
	for _, e := range timeline {
		switch e.Kind {
		case models.KindChaos:
			var f models.Fault
			if json.Unmarshal(e.Payload, &f) == nil {
				faults = append(faults, f)
			}
		case models.KindProblem:
			var p models.Problem
			if json.Unmarshal(e.Payload, &p) == nil {
				problem = &p
			}
		case models.KindDiagnosis:
			var d models.Diagnosis
			if json.Unmarshal(e.Payload, &d) == nil && d.RootCauseHypothesis != "" {
				learning.RootCause = d.RootCauseHypothesis
			}
		case models.KindFix:
			var run models.FixItRun
			if json.Unmarshal(e.Payload, &run) == nil {
				verified = verified || run.Verified
				for _, f := range run.FixesExecuted {
					if f.Success {
						fixes = append(fixes, f.Action)
					}
				}
				for _, r := range run.Recommendations {
					learning.Recommendations = append(learning.Recommendations, "consider "+r.Action+" (risk "+string(r.RiskLevel)+")")
				}
			}
		}
	}
	learning.Fixes = distinct(fixes)

	var summary []string
	if problem != nil {
		learning.Title = fmt.Sprintf("%s: %s", problemID, problem.Title)
	}
	for _, f := range faults {
		summary = append(summary, fmt.Sprintf("Chaos %s was injected on %s at intensity %d.", f.Type, f.Target, f.Intensity))
	}
	if problem != nil {
		summary = append(summary, fmt.Sprintf("Monitoring raised %q (%s) affecting %s.",
			problem.Title, problem.Severity, strings.Join(problem.EntityNames(), ", ")))
	}
	if learning.RootCause != "" {
		summary = append(summary, "Diagnosis: "+learning.RootCause+".")
	}
	switch {
	case len(learning.Fixes) > 0 && verified:
		summary = append(summary, fmt.Sprintf("Resolved by %s and verified.", strings.Join(learning.Fixes, ", ")))
	case len(learning.Fixes) > 0:
		summary = append(summary, fmt.Sprintf("Applied %s; resolution was not verified.", strings.Join(learning.Fixes, ", ")))
	default:
		summary = append(summary, "No automatic fix was applied.")
	}
	if len(faults) == 0 {
		learning.Recommendations = append(learning.Recommendations, "no injected fault correlates with this problem; investigate organic causes")
	}
	learning.Summary = strings.Join(summary, " ")
	return learning
}
