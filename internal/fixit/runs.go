package fixit

import (
	"sort"
	"sync"

	"github.com/miradorstack/mirador-chaos/internal/models"
)

// RunRegistry keeps the most recent Fix-It runs queryable by run and problem.
type RunRegistry struct {
	mu        sync.RWMutex
	retention int
	runs      map[string]models.FixItRun
	order     []string
}

// NewRunRegistry keeps up to retention runs; non-positive selects 200.
func NewRunRegistry(retention int) *RunRegistry {
	if retention <= 0 {
		retention = 200
	}
	return &RunRegistry{retention: retention, runs: make(map[string]models.FixItRun)}
}

// Put inserts or replaces a run, evicting the oldest finished runs beyond
// retention.
func (r *RunRegistry) Put(run models.FixItRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.RunID]; !ok {
		r.order = append(r.order, run.RunID)
	}
	r.runs[run.RunID] = run
	for i := 0; len(r.runs) > r.retention && i < len(r.order); {
		id := r.order[i]
		if !r.runs[id].Done() {
			i++
			continue
		}
		delete(r.runs, id)
		r.order = append(r.order[:i], r.order[i+1:]...)
	}
}

// Get returns a run by id.
func (r *RunRegistry) Get(runID string) (models.FixItRun, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	return run, ok
}

// ForProblem returns runs for problemID, newest first.
func (r *RunRegistry) ForProblem(problemID string) []models.FixItRun {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.FixItRun
	for i := len(r.order) - 1; i >= 0; i-- {
		if run := r.runs[r.order[i]]; run.ProblemID == problemID {
			out = append(out, run)
		}
	}
	return out
}

// List returns up to limit runs, newest first. limit <= 0 returns all.
func (r *RunRegistry) List(limit int) []models.FixItRun {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.FixItRun, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, r.runs[r.order[i]])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Len is the number of retained runs.
func (r *RunRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}
