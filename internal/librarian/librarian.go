// Package librarian is the operational memory: an append-only causal log of
// chaos, problems, diagnoses and fixes, plus similarity search over past
// incidents.
package librarian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-chaos/internal/llm"
	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/patterns"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

var (
	// ErrInvalidEntry rejects entries with an unknown kind or no correlation.
	ErrInvalidEntry = errors.New("invalid history entry")
	// ErrNoTimeline is returned when nothing has been recorded for a problem.
	ErrNoTimeline = errors.New("no history for problem")
)

// Completer is the slice of the LLM guard used to write postmortems.
type Completer interface {
	Complete(ctx context.Context, purpose, prompt string, opts llm.CompleteOptions) (llm.Completion, error)
}

// Options tunes a Librarian.
type Options struct {
	Now      func() time.Time
	NewID    func() string
	SimilarK int
}

// Librarian owns the history log and the incident index.
type Librarian struct {
	history  History
	index    Index
	embedder llm.Embedder
	llm      Completer
	miner    *patterns.Miner
	opts     Options
	logger   *slog.Logger
}

// New wires a Librarian. index, embedder and completer are optional.
func New(history History, index Index, embedder llm.Embedder, completer Completer, opts Options, logger *slog.Logger) *Librarian {
	if history == nil {
		history = NewMemoryHistory()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.SimilarK <= 0 {
		opts.SimilarK = 3
	}
	return &Librarian{
		history:  history,
		index:    index,
		embedder: embedder,
		llm:      completer,
		miner:    patterns.NewMiner(logger),
		opts:     opts,
		logger:   utils.Component(logger, "librarian"),
	}
}

// Record appends a caller-built entry, filling id and timestamp when absent.
func (l *Librarian) Record(ctx context.Context, entry models.HistoryEntry) (models.HistoryEntry, error) {
	if !entry.Kind.Valid() {
		return models.HistoryEntry{}, fmt.Errorf("%w: kind %q", ErrInvalidEntry, entry.Kind)
	}
	if entry.CorrelationID == "" {
		entry.CorrelationID = entry.ProblemID
	}
	if entry.CorrelationID == "" {
		return models.HistoryEntry{}, fmt.Errorf("%w: correlation id is required", ErrInvalidEntry)
	}
	if entry.ID == "" {
		entry.ID = l.opts.NewID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.opts.Now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	stored, err := l.history.Append(ctx, entry)
	if err != nil {
		return models.HistoryEntry{}, utils.NewAppError("librarian.record", "append history entry", err)
	}
	l.logger.Debug("history entry recorded",
		slog.String("kind", string(stored.Kind)),
		slog.String("correlation_id", stored.CorrelationID),
		slog.Int64("seq", stored.Seq))
	return stored, nil
}

func (l *Librarian) recordPayload(ctx context.Context, kind models.HistoryKind, correlationID, problemID, summary string, at time.Time, payload any) (models.HistoryEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return l.Record(ctx, models.HistoryEntry{
		Kind:          kind,
		CorrelationID: correlationID,
		ProblemID:     problemID,
		Summary:       summary,
		Payload:       raw,
		Timestamp:     at,
	})
}

// RecordChaosEvent logs an injection under the fault's correlation id.
func (l *Librarian) RecordChaosEvent(ctx context.Context, fault models.Fault) error {
	summary := fmt.Sprintf("injected %s on %s at intensity %d", fault.Type, fault.Target, fault.Intensity)
	_, err := l.recordPayload(ctx, models.KindChaos, fault.CorrelationID, "", summary, fault.InjectedAt, fault)
	return err
}

// RecordRevert logs the end of a fault.
func (l *Librarian) RecordRevert(ctx context.Context, fault models.Fault) error {
	at := l.opts.Now()
	if fault.RevertedAt != nil {
		at = *fault.RevertedAt
	}
	summary := fmt.Sprintf("reverted %s on %s (%s)", fault.Type, fault.Target, fault.RevertReason)
	_, err := l.recordPayload(ctx, models.KindRevert, fault.CorrelationID, "", summary, at, fault)
	return err
}

// RecordProblem logs a detected problem. correlationID links it to the chaos
// that caused it; when empty the problem id is used.
func (l *Librarian) RecordProblem(ctx context.Context, problem models.Problem, correlationID string) (models.HistoryEntry, error) {
	if correlationID == "" {
		correlationID = problem.ProblemID
	}
	summary := fmt.Sprintf("problem %s: %s", problem.ProblemID, problem.Title)
	return l.recordPayload(ctx, models.KindProblem, correlationID, problem.ProblemID, summary, time.Time{}, problem)
}

// RecordDiagnosis logs a diagnosis.
func (l *Librarian) RecordDiagnosis(ctx context.Context, diagnosis models.Diagnosis) (models.HistoryEntry, error) {
	summary := fmt.Sprintf("diagnosed %s (%s, confidence %.2f): %s",
		diagnosis.ProblemID, diagnosis.Source, diagnosis.Confidence, utils.Truncate(diagnosis.RootCauseHypothesis, 160, "..."))
	return l.recordPayload(ctx, models.KindDiagnosis, diagnosis.CorrelationID, diagnosis.ProblemID, summary, time.Time{}, diagnosis)
}

// RecordFix logs a finished Fix-It run and indexes it as a past incident.
// Indexing failures are logged, never returned.
func (l *Librarian) RecordFix(ctx context.Context, run models.FixItRun) (models.HistoryEntry, error) {
	summary := fmt.Sprintf("fix run %s for %s: %d executed, verified=%t",
		run.RunID, run.ProblemID, len(run.FixesExecuted), run.Verified)
	entry, err := l.recordPayload(ctx, models.KindFix, run.CorrelationID, run.ProblemID, summary, time.Time{}, run)
	if err != nil {
		return models.HistoryEntry{}, err
	}
	l.indexIncident(ctx, incidentFromRun(run, l.problemTitle(ctx, run.ProblemID), entry.Timestamp))
	return entry, nil
}

// RecordFlagChange logs a remediation write to the flag store.
func (l *Librarian) RecordFlagChange(ctx context.Context, correlationID, problemID string, delta models.FlagDelta) (models.HistoryEntry, error) {
	scope := delta.Service
	if scope == "" {
		scope = "global"
	}
	summary := fmt.Sprintf("flags changed on %s: set=%v unset=%v", scope, delta.Set, delta.Unset)
	return l.recordPayload(ctx, models.KindFlagChange, correlationID, problemID, summary, time.Time{}, delta)
}

// Query returns raw history.
func (l *Librarian) Query(ctx context.Context, filter models.HistoryFilter) ([]models.HistoryEntry, error) {
	return l.history.Query(ctx, filter)
}

// GetIncidentTimeline returns every entry tied to problemID, directly or
// through a correlation id shared with one of its entries, in time order.
func (l *Librarian) GetIncidentTimeline(ctx context.Context, problemID string) ([]models.HistoryEntry, error) {
	if strings.TrimSpace(problemID) == "" {
		return nil, fmt.Errorf("%w: problem id is required", ErrInvalidEntry)
	}
	direct, err := l.history.Query(ctx, models.HistoryFilter{ProblemIDs: []string{problemID}})
	if err != nil {
		return nil, utils.NewAppError("librarian.timeline", "query problem entries", err)
	}
	correlations := []string{problemID}
	seen := map[string]struct{}{problemID: {}}
	for _, e := range direct {
		if _, ok := seen[e.CorrelationID]; ok || e.CorrelationID == "" {
			continue
		}
		seen[e.CorrelationID] = struct{}{}
		correlations = append(correlations, e.CorrelationID)
	}
	entries, err := l.history.Query(ctx, models.HistoryFilter{
		CorrelationIDs: correlations,
		ProblemIDs:     []string{problemID},
	})
	if err != nil {
		return nil, utils.NewAppError("librarian.timeline", "query correlated entries", err)
	}
	sortEntries(entries)
	return entries, nil
}

// SearchSimilar recalls up to k past incidents resembling query. Any backend
// failure degrades to an empty result.
func (l *Librarian) SearchSimilar(ctx context.Context, query string, k int) []models.SimilarIncident {
	empty := []models.SimilarIncident{}
	if l.index == nil || l.embedder == nil || strings.TrimSpace(query) == "" {
		return empty
	}
	if k <= 0 {
		k = l.opts.SimilarK
	}
	vectors, err := l.embedder.Embed(ctx, []string{query})
	if err != nil || len(vectors) == 0 {
		l.logger.Warn("similarity search degraded: embedding failed", slog.Any("error", err))
		return empty
	}
	results, err := l.index.Search(ctx, vectors[0], k)
	if err != nil {
		l.logger.Warn("similarity search degraded: index failed", slog.Any("error", err))
		return empty
	}
	if results == nil {
		return empty
	}
	return results
}

func (l *Librarian) indexIncident(ctx context.Context, doc models.IncidentDocument) {
	if l.index == nil || l.embedder == nil {
		return
	}
	vectors, err := l.embedder.Embed(ctx, []string{doc.Text})
	if err != nil || len(vectors) == 0 {
		l.logger.Warn("incident not indexed: embedding failed", slog.String("doc_id", doc.ID), slog.Any("error", err))
		return
	}
	doc.Vector = vectors[0]
	if err := l.index.Upsert(ctx, doc); err != nil {
		l.logger.Warn("incident not indexed", slog.String("doc_id", doc.ID), slog.Any("error", err))
	}
}

func (l *Librarian) problemTitle(ctx context.Context, problemID string) string {
	if problemID == "" {
		return ""
	}
	entries, err := l.history.Query(ctx, models.HistoryFilter{
		Kinds:      []models.HistoryKind{models.KindProblem},
		ProblemIDs: []string{problemID},
		Limit:      1,
	})
	if err != nil || len(entries) == 0 {
		return ""
	}
	var p models.Problem
	if json.Unmarshal(entries[0].Payload, &p) != nil {
		return ""
	}
	return p.Title
}

func incidentFromRun(run models.FixItRun, title string, at time.Time) models.IncidentDocument {
	doc := models.IncidentDocument{
		ID:         "run-" + run.RunID,
		ProblemID:  run.ProblemID,
		RecordedAt: at,
	}
	if run.Diagnosis != nil {
		doc.RootCause = run.Diagnosis.RootCauseHypothesis
	}
	for _, f := range run.FixesExecuted {
		if f.Success {
			doc.Fixes = append(doc.Fixes, f.Action)
		}
	}
	var b strings.Builder
	if title != "" {
		b.WriteString(title)
		b.WriteString(". ")
	}
	if doc.RootCause != "" {
		fmt.Fprintf(&b, "Root cause: %s. ", doc.RootCause)
	}
	if len(doc.Fixes) > 0 {
		fmt.Fprintf(&b, "Fixed by: %s. ", strings.Join(doc.Fixes, ", "))
	}
	fmt.Fprintf(&b, "Verified: %t.", run.Verified)
	doc.Text = b.String()
	return doc
}

// Stats summarises the log, the index and recurring fault patterns.
func (l *Librarian) Stats(ctx context.Context) (models.MemoryStats, error) {
	entries, err := l.history.Query(ctx, models.HistoryFilter{})
	if err != nil {
		return models.MemoryStats{}, utils.NewAppError("librarian.stats", "query history", err)
	}
	stats := models.MemoryStats{
		TotalEntries: len(entries),
		ByKind:       make(map[models.HistoryKind]int),
		Patterns:     l.miner.Mine(entries),
	}
	problems := make(map[string]struct{})
	for _, e := range entries {
		stats.ByKind[e.Kind]++
		if e.ProblemID != "" {
			problems[e.ProblemID] = struct{}{}
		}
	}
	stats.Incidents = len(problems)
	if len(entries) > 0 {
		stats.Oldest = entries[0].Timestamp
		stats.Newest = entries[len(entries)-1].Timestamp
	}
	if stats.Patterns == nil {
		stats.Patterns = []models.FaultPattern{}
	}
	if l.index != nil {
		n, err := l.index.Count(ctx)
		if err != nil {
			l.logger.Warn("index count unavailable", slog.Any("error", err))
		} else {
			stats.IndexedIncidents = n
		}
	}
	return stats, nil
}

func distinct(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
