package fixit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-chaos/internal/extractors"
	"github.com/miradorstack/mirador-chaos/internal/models"
)

// Metric selectors queried for every incident.
const incidentMetricSelector = "builtin:service.errors.total.rate,builtin:service.response.time,builtin:service.cpu.time"

const contextWindow = 15 * time.Minute

// Incident is everything gathered about one problem before diagnosis.
type Incident struct {
	Problem      models.Problem
	Logs         []models.LogEntry
	Metrics      []models.MetricSeries
	Topology     []models.Entity
	Flags        models.ServiceFlagState
	ActiveFaults []models.Fault
	Correlation  *Correlation
	Similar      []models.SimilarIncident
	Signals      Signals
	Notes        []string
}

// CorrelationID is the chaos correlation id when one was resolved, else the
// problem id.
func (in Incident) CorrelationID() string {
	if in.Correlation != nil && in.Correlation.Fault.CorrelationID != "" {
		return in.Correlation.Fault.CorrelationID
	}
	return in.Problem.ProblemID
}

// Service is the primary affected service.
func (in Incident) Service() string {
	if in.Correlation != nil && in.Correlation.Direct {
		return in.Correlation.Fault.Target
	}
	if names := in.Problem.EntityNames(); len(names) > 0 {
		return names[0]
	}
	if in.Correlation != nil {
		return in.Correlation.Fault.Target
	}
	return ""
}

// gather loads problem details and the surrounding signals. Only the problem
// lookup is fatal; every other source degrades to a note. snapshot is used
// when the details call fails.
func (p *Pipeline) gather(ctx context.Context, problemID string, snapshot *models.Problem) (Incident, error) {
	problem, err := p.obs.GetProblemDetails(ctx, problemID)
	if err != nil {
		if snapshot == nil {
			return Incident{}, err
		}
		p.logger.Warn("problem details unavailable, using detector snapshot",
			slog.String("problem_id", problemID),
			slog.Any("error", err),
		)
		problem = *snapshot
	}
	if problem.ProblemID == "" {
		problem.ProblemID = problemID
	}

	in := Incident{Problem: problem}
	tf := incidentTimeframe(problem, p.now())
	entitySelector := serviceSelector(problem.EntityNames())

	var mu sync.Mutex
	note := func(format string, args ...any) {
		mu.Lock()
		in.Notes = append(in.Notes, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		logs, err := p.obs.GetLogs(ctx, logQuery(problem.EntityNames()), tf, p.cfg.LogLimit)
		if err != nil {
			note("logs unavailable: %v", err)
			return nil
		}
		in.Logs = logs
		return nil
	})
	g.Go(func() error {
		series, err := p.obs.GetMetrics(ctx, incidentMetricSelector, entitySelector, tf)
		if err != nil {
			note("metrics unavailable: %v", err)
			return nil
		}
		in.Metrics = series
		return nil
	})
	if entitySelector != "" {
		g.Go(func() error {
			entities, err := p.obs.GetTopology(ctx, entitySelector)
			if err != nil {
				note("topology unavailable: %v", err)
				return nil
			}
			in.Topology = entities
			return nil
		})
	}
	if p.store != nil {
		g.Go(func() error {
			state, err := p.store.GetFlags(ctx)
			if err != nil {
				note("flags unavailable: %v", err)
				return nil
			}
			in.Flags = state
			return nil
		})
	}
	_ = g.Wait()

	if p.faults != nil {
		in.ActiveFaults = p.faults.Active()
		if corr, ok := p.correlator.Correlate(problem, p.faults.Recent(), in.Topology); ok {
			in.Correlation = &corr
		}
	}
	in.Signals = p.signals(in)
	if p.memory != nil {
		in.Similar = p.memory.SearchSimilar(ctx, similarityQuery(in), p.cfg.SimilarIncidents)
	}
	for _, n := range in.Notes {
		p.logger.Warn("incident context degraded", slog.String("problem_id", problemID), slog.String("note", n))
	}
	return in, nil
}

func (p *Pipeline) signals(in Incident) Signals {
	sig := Signals{
		Title:           in.Problem.Title,
		Severity:        in.Problem.Severity,
		Entities:        in.Problem.EntityNames(),
		LogErrorRatio:   extractors.ErrorRatio(in.Logs),
		LogSignatures:   p.logsExtractor.Signatures(in.Logs, 5),
		LogAnomalies:    p.logsExtractor.Detect(in.Logs),
		MetricAnomalies: p.metricsExtractor.DetectSeries(in.Metrics, 2.0),
	}
	if in.Correlation != nil {
		sig.ChaosType = in.Correlation.Fault.Type
	}
	return sig
}

func incidentTimeframe(problem models.Problem, now time.Time) models.Timeframe {
	if problem.StartTime.IsZero() {
		return models.Last(2*contextWindow, now)
	}
	return models.Timeframe{From: problem.StartTime.Add(-contextWindow), To: now}
}

func serviceSelector(names []string) string {
	if len(names) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(names))
	for _, n := range names {
		quoted = append(quoted, strconv.Quote(n))
	}
	return fmt.Sprintf("type(SERVICE),entityName.in(%s)", strings.Join(quoted, ","))
}

func logQuery(names []string) string {
	clauses := make([]string, 0, len(names))
	for _, n := range names {
		clauses = append(clauses, "service.name:"+strconv.Quote(n))
	}
	return strings.Join(clauses, " OR ")
}

func similarityQuery(in Incident) string {
	parts := []string{in.Problem.Title}
	if in.Signals.ChaosType != "" {
		parts = append(parts, in.Signals.ChaosType)
	}
	for _, s := range in.Signals.LogSignatures {
		parts = append(parts, s.Sample)
	}
	return strings.Join(parts, ". ")
}
