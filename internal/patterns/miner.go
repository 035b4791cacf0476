// Package patterns mines recurring chaos outcomes from operational history.
package patterns

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

// Miner aggregates (chaos type, target) pairs with what happened after them.
type Miner struct {
	logger *slog.Logger
}

// NewMiner constructs a Miner.
func NewMiner(logger *slog.Logger) *Miner {
	return &Miner{logger: utils.Component(logger, "patterns")}
}

type faultKey struct {
	chaosType string
	target    string
}

type aggregate struct {
	pattern  models.FaultPattern
	problems map[string]struct{}
	actions  map[string]int
}

// Mine walks entries in any order and returns patterns ordered by injection count.
func (m *Miner) Mine(entries []models.HistoryEntry) []models.FaultPattern {
	if len(entries) == 0 {
		return nil
	}

	byCorrelation := make(map[string]faultKey)
	aggs := make(map[faultKey]*aggregate)

	for _, e := range entries {
		if e.Kind != models.KindChaos {
			continue
		}
		var fault models.Fault
		if err := json.Unmarshal(e.Payload, &fault); err != nil {
			m.logger.Debug("skipping undecodable chaos entry", slog.String("entry_id", e.ID), slog.Any("error", err))
			continue
		}
		key := faultKey{chaosType: fault.Type, target: strings.ToLower(fault.Target)}
		byCorrelation[e.CorrelationID] = key
		agg := ensureAggregate(aggs, key, fault.Target)
		agg.pattern.Injections++
		if e.Timestamp.After(agg.pattern.LastSeen) {
			agg.pattern.LastSeen = e.Timestamp
		}
	}

	for _, e := range entries {
		key, ok := byCorrelation[e.CorrelationID]
		if !ok {
			continue
		}
		agg := aggs[key]
		switch e.Kind {
		case models.KindProblem:
			if e.ProblemID != "" {
				agg.problems[e.ProblemID] = struct{}{}
			}
		case models.KindFix:
			var run models.FixItRun
			if err := json.Unmarshal(e.Payload, &run); err != nil {
				continue
			}
			agg.pattern.FixRuns++
			if run.Verified {
				agg.pattern.VerifiedFixes++
			}
			for _, fix := range run.FixesExecuted {
				if fix.Success {
					agg.actions[fix.Action]++
				}
			}
		default:
			continue
		}
		if e.Timestamp.After(agg.pattern.LastSeen) {
			agg.pattern.LastSeen = e.Timestamp
		}
	}

	patterns := make([]models.FaultPattern, 0, len(aggs))
	for _, agg := range aggs {
		p := agg.pattern
		p.Problems = len(agg.problems)
		if p.Injections > 0 {
			p.DetectionRate = float64(p.Problems) / float64(p.Injections)
		}
		if p.FixRuns > 0 {
			p.ResolutionRate = float64(p.VerifiedFixes) / float64(p.FixRuns)
		}
		p.TopActions = agg.topActions(3)
		patterns = append(patterns, p)
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Injections != patterns[j].Injections {
			return patterns[i].Injections > patterns[j].Injections
		}
		if patterns[i].ChaosType != patterns[j].ChaosType {
			return patterns[i].ChaosType < patterns[j].ChaosType
		}
		return patterns[i].Target < patterns[j].Target
	})
	return patterns
}

func ensureAggregate(m map[faultKey]*aggregate, key faultKey, target string) *aggregate {
	agg, ok := m[key]
	if !ok {
		agg = &aggregate{
			pattern:  models.FaultPattern{ChaosType: key.chaosType, Target: target},
			problems: make(map[string]struct{}),
			actions:  make(map[string]int),
		}
		m[key] = agg
	}
	return agg
}

func (agg *aggregate) topActions(limit int) []string {
	actions := make([]string, 0, len(agg.actions))
	for a := range agg.actions {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool {
		if agg.actions[actions[i]] != agg.actions[actions[j]] {
			return agg.actions[actions[i]] > agg.actions[actions[j]]
		}
		return actions[i] < actions[j]
	})
	if len(actions) > limit {
		actions = actions[:limit]
	}
	return actions
}
