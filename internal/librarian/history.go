package librarian

import (
	"context"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-chaos/internal/models"
)

// History is the append-only operational log. Append assigns Seq; Query
// returns entries ordered by timestamp, then Seq.
type History interface {
	Append(ctx context.Context, entry models.HistoryEntry) (models.HistoryEntry, error)
	Query(ctx context.Context, filter models.HistoryFilter) ([]models.HistoryEntry, error)
	Close() error
}

// MemoryHistory keeps the log in process memory.
type MemoryHistory struct {
	mu      sync.RWMutex
	seq     int64
	entries []models.HistoryEntry
}

// NewMemoryHistory creates an empty in-memory log.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

// Append implements History.
func (h *MemoryHistory) Append(_ context.Context, entry models.HistoryEntry) (models.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	entry.Seq = h.seq
	entry.Payload = append([]byte(nil), entry.Payload...)
	h.entries = append(h.entries, entry)
	return entry, nil
}

// Query implements History.
func (h *MemoryHistory) Query(_ context.Context, filter models.HistoryFilter) ([]models.HistoryEntry, error) {
	match := newMatcher(filter)
	h.mu.RLock()
	out := make([]models.HistoryEntry, 0)
	for _, e := range h.entries {
		if match(e) {
			out = append(out, e)
		}
	}
	h.mu.RUnlock()
	sortEntries(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close implements History.
func (h *MemoryHistory) Close() error { return nil }

func newMatcher(filter models.HistoryFilter) func(models.HistoryEntry) bool {
	kinds := toSet(filter.Kinds)
	correlations := toSet(filter.CorrelationIDs)
	problems := toSet(filter.ProblemIDs)
	return func(e models.HistoryEntry) bool {
		if len(kinds) > 0 {
			if _, ok := kinds[e.Kind]; !ok {
				return false
			}
		}
		if len(correlations) > 0 || len(problems) > 0 {
			_, byCorrelation := correlations[e.CorrelationID]
			_, byProblem := problems[e.ProblemID]
			if !byCorrelation && !byProblem {
				return false
			}
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			return false
		}
		return true
	}
}

func toSet[T comparable](values []T) map[T]struct{} {
	out := make(map[T]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

func sortEntries(entries []models.HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].Seq < entries[j].Seq
	})
}
