package fixit

import (
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

// Correlation ties a problem to the chaos fault that most likely caused it.
type Correlation struct {
	Fault models.Fault
	// Direct is set when the fault targets an affected entity rather than one
	// of its dependencies.
	Direct bool
	Score  float64
	Notes  []string
}

// Correlator matches problems against recent faults by target and timing.
type Correlator struct {
	slack  time.Duration
	logger *slog.Logger
}

// NewCorrelator builds a correlator. slack widens the window in which a fault
// may start after the problem and still be considered its cause.
func NewCorrelator(slack time.Duration, logger *slog.Logger) *Correlator {
	if slack < 0 {
		slack = 0
	}
	return &Correlator{slack: slack, logger: utils.Component(logger, "fixit.correlate")}
}

// Correlate picks the most recent fault whose target is an affected entity and
// whose injection precedes the problem start within the slack window. When no
// affected entity was faulted it falls back to faulted dependencies found in
// topology.
func (c *Correlator) Correlate(problem models.Problem, faults []models.Fault, topology []models.Entity) (Correlation, bool) {
	if len(faults) == 0 {
		return Correlation{}, false
	}
	affected := make(map[string]struct{})
	for _, name := range problem.EntityNames() {
		affected[strings.ToLower(name)] = struct{}{}
	}
	for _, e := range problem.AffectedEntities {
		if e.ID != "" {
			affected[strings.ToLower(e.ID)] = struct{}{}
		}
	}
	if len(affected) == 0 {
		return Correlation{}, false
	}
	dependencies := dependenciesOf(affected, topology)

	var direct, indirect *models.Fault
	var notes []string
	for i := range faults {
		f := faults[i]
		if !c.activeAround(f, problem.StartTime) {
			continue
		}
		target := strings.ToLower(f.Target)
		if _, ok := affected[target]; ok {
			if direct == nil || f.InjectedAt.After(direct.InjectedAt) {
				direct = &faults[i]
			}
			notes = append(notes, f.Type+" on "+f.Target+" precedes problem")
			continue
		}
		if _, ok := dependencies[target]; ok {
			if indirect == nil || f.InjectedAt.After(indirect.InjectedAt) {
				indirect = &faults[i]
			}
			notes = append(notes, f.Type+" on dependency "+f.Target)
		}
	}

	switch {
	case direct != nil:
		return Correlation{Fault: *direct, Direct: true, Score: 0.9, Notes: notes}, true
	case indirect != nil:
		c.logger.Debug("problem correlated through topology",
			slog.String("problem_id", problem.ProblemID),
			slog.String("fault_target", indirect.Target),
		)
		return Correlation{Fault: *indirect, Score: 0.6, Notes: notes}, true
	default:
		return Correlation{}, false
	}
}

// activeAround reports whether f was injected no later than start+slack and
// had not been reverted before start-slack.
func (c *Correlator) activeAround(f models.Fault, start time.Time) bool {
	if start.IsZero() {
		return f.Status == models.FaultActive
	}
	if f.InjectedAt.After(start.Add(c.slack)) {
		return false
	}
	if f.RevertedAt != nil && f.RevertedAt.Before(start.Add(-c.slack)) {
		return false
	}
	return true
}

// dependenciesOf returns the lower-cased names and ids of entities the
// affected set calls.
func dependenciesOf(affected map[string]struct{}, topology []models.Entity) map[string]struct{} {
	names := make(map[string]string, len(topology))
	for _, e := range topology {
		names[e.EntityID] = e.DisplayName
	}
	deps := make(map[string]struct{})
	for _, e := range topology {
		_, byName := affected[strings.ToLower(e.DisplayName)]
		_, byID := affected[strings.ToLower(e.EntityID)]
		if !byName && !byID {
			continue
		}
		for _, callee := range e.CallsTo {
			deps[strings.ToLower(callee)] = struct{}{}
			if name := names[callee]; name != "" {
				deps[strings.ToLower(name)] = struct{}{}
			}
		}
	}
	for key := range affected {
		delete(deps, key)
	}
	return deps
}
