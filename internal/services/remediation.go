package services

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

type problemRequest struct {
	ProblemID string `json:"problemId"`
}

type agenticRequest struct {
	Description string `json:"description"`
}

type runRequest struct {
	RunID string `json:"runId"`
}

type runsRequest struct {
	ProblemID string `json:"problemId"`
	Limit     int    `json:"limit"`
}

type historyQuery struct {
	Kinds          []models.HistoryKind `json:"kinds"`
	CorrelationIDs []string             `json:"correlationIds"`
	ProblemIDs     []string             `json:"problemIds"`
	Since          string               `json:"since"`
	Limit          int                  `json:"limit"`
}

type searchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

// AutoFix diagnoses, remediates and verifies one problem.
func (s *ControlService) AutoFix(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.FixIt != nil, "fix-it pipeline"); err != nil {
		return nil, err
	}
	var in problemRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.c.FixIt.AutoFix(ctx, in.ProblemID)
	if err != nil {
		return nil, s.toStatus("auto-fix", err)
	}
	s.observe(time.Since(start))
	return encode(result)
}

// Diagnose returns a root-cause hypothesis without executing anything.
func (s *ControlService) Diagnose(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.FixIt != nil, "fix-it pipeline"); err != nil {
		return nil, err
	}
	var in problemRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	diag, err := s.c.FixIt.Diagnose(ctx, in.ProblemID)
	if err != nil {
		return nil, s.toStatus("diagnose", err)
	}
	return encode(diag)
}

// AgenticDiagnose runs the tool-calling investigation loop.
func (s *ControlService) AgenticDiagnose(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.FixIt != nil, "fix-it pipeline"); err != nil {
		return nil, err
	}
	var in agenticRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	res, err := s.c.FixIt.AgenticDiagnose(ctx, in.Description)
	if err != nil {
		return nil, s.toStatus("agentic diagnose", err)
	}
	return encode(res)
}

// GetFixRun returns one retained run.
func (s *ControlService) GetFixRun(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.FixIt != nil, "fix-it pipeline"); err != nil {
		return nil, err
	}
	var in runRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	run, ok := s.c.FixIt.GetRun(in.RunID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "fix run %q not found", in.RunID)
	}
	return encode(run)
}

// ListFixRuns lists retained runs, newest first, optionally for one problem.
func (s *ControlService) ListFixRuns(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.FixIt != nil, "fix-it pipeline"); err != nil {
		return nil, err
	}
	var in runsRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	var runs []models.FixItRun
	if in.ProblemID != "" {
		runs = s.c.FixIt.RunsForProblem(in.ProblemID)
		if in.Limit > 0 && len(runs) > in.Limit {
			runs = runs[:in.Limit]
		}
	} else {
		runs = s.c.FixIt.Runs(in.Limit)
	}
	if runs == nil {
		runs = []models.FixItRun{}
	}
	latency := s.latencies.Summary()
	latencyMs := map[string]int64{
		"count": int64(latency.Count),
		"p50":   latency.P50.Milliseconds(),
		"p95":   latency.P95.Milliseconds(),
		"max":   latency.Max.Milliseconds(),
	}
	return encode(map[string]any{"runs": runs, "autoFixLatencyMs": latencyMs})
}

// RecordHistory appends a caller-built history entry.
func (s *ControlService) RecordHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Librarian != nil, "operational memory"); err != nil {
		return nil, err
	}
	var entry models.HistoryEntry
	if err := decode(req, &entry); err != nil {
		return nil, err
	}
	stored, err := s.c.Librarian.Record(ctx, entry)
	if err != nil {
		return nil, s.toStatus("record history", err)
	}
	return encode(stored)
}

// QueryHistory returns raw history entries.
func (s *ControlService) QueryHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Librarian != nil, "operational memory"); err != nil {
		return nil, err
	}
	var in historyQuery
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	var since time.Time
	if in.Since != "" {
		parsed, err := utils.ParseRFC3339(in.Since)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "since: %v", err)
		}
		since = parsed
	}
	entries, err := s.c.Librarian.Query(ctx, models.HistoryFilter{
		Kinds:          in.Kinds,
		CorrelationIDs: in.CorrelationIDs,
		ProblemIDs:     in.ProblemIDs,
		Since:          since,
		Limit:          in.Limit,
	})
	if err != nil {
		return nil, s.toStatus("query history", err)
	}
	return encode(map[string]any{"entries": nonNil(entries)})
}

// SearchSimilar recalls past incidents. Backend failures yield no results.
func (s *ControlService) SearchSimilar(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Librarian != nil, "operational memory"); err != nil {
		return nil, err
	}
	var in searchRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if in.Query == "" {
		return nil, status.Error(codes.InvalidArgument, "query is required")
	}
	return encode(map[string]any{"incidents": s.c.Librarian.SearchSimilar(ctx, in.Query, in.K)})
}

// IncidentTimeline returns the correlated history of one problem.
func (s *ControlService) IncidentTimeline(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Librarian != nil, "operational memory"); err != nil {
		return nil, err
	}
	var in problemRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	entries, err := s.c.Librarian.GetIncidentTimeline(ctx, in.ProblemID)
	if err != nil {
		return nil, s.toStatus("incident timeline", err)
	}
	return encode(map[string]any{"problemId": in.ProblemID, "entries": nonNil(entries)})
}

// GenerateLearning writes a postmortem for one problem.
func (s *ControlService) GenerateLearning(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Librarian != nil, "operational memory"); err != nil {
		return nil, err
	}
	var in problemRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	learning, err := s.c.Librarian.GenerateLearning(ctx, in.ProblemID)
	if err != nil {
		return nil, s.toStatus("generate learning", err)
	}
	return encode(learning)
}

// MemoryStats summarises operational memory.
func (s *ControlService) MemoryStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Librarian != nil, "operational memory"); err != nil {
		return nil, err
	}
	stats, err := s.c.Librarian.Stats(ctx)
	if err != nil {
		return nil, s.toStatus("memory stats", err)
	}
	return encode(stats)
}

func (s *ControlService) observe(d time.Duration) {
	s.latencies.Observe(d)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		summary := s.latencies.Summary()
		s.logger.Info("auto-fix latency",
			slog.Duration("p50", summary.P50),
			slog.Duration("p95", summary.P95),
			slog.Duration("max", summary.Max),
			slog.Int("samples", summary.Count))
	}
}

func nonNil(entries []models.HistoryEntry) []models.HistoryEntry {
	if entries == nil {
		return []models.HistoryEntry{}
	}
	return entries
}
