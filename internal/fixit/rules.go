package fixit

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-chaos/internal/chaos"
	"github.com/miradorstack/mirador-chaos/internal/extractors"
	"github.com/miradorstack/mirador-chaos/internal/models"
)

// Signals are the facts rule matching runs against.
type Signals struct {
	Title           string
	Severity        string
	Entities        []string
	ChaosType       string
	LogErrorRatio   float64
	LogSignatures   []extractors.LogSignature
	LogAnomalies    []extractors.LogAnomaly
	MetricAnomalies []extractors.MetricAnomaly
}

// Rule maps a signal pattern to a root cause and fixes. A rule with an empty
// match applies to everything.
type Rule struct {
	ID         string    `yaml:"id"`
	Match      RuleMatch `yaml:"match"`
	RootCause  string    `yaml:"root_cause"`
	Confidence float64   `yaml:"confidence"`
	Fixes      []RuleFix `yaml:"fixes"`
}

// RuleMatch holds optional conditions; every condition set must hold.
// Within a list any element may match.
type RuleMatch struct {
	ChaosType      string   `yaml:"chaos_type"`
	Severity       string   `yaml:"severity"`
	TitleContains  []string `yaml:"title_contains"`
	LogContains    []string `yaml:"log_contains"`
	MetricContains []string `yaml:"metric_contains"`
	MinErrorRatio  float64  `yaml:"min_error_ratio"`
}

// RuleFix is a fix proposed by a rule.
type RuleFix struct {
	Action    string           `yaml:"action"`
	Risk      models.RiskLevel `yaml:"risk"`
	Rationale string           `yaml:"rationale"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// RuleTable evaluates rules top to bottom; the first match wins.
type RuleTable struct {
	rules []Rule
}

// NewRuleTable builds a table from rules in precedence order.
func NewRuleTable(rules []Rule) *RuleTable {
	return &RuleTable{rules: append([]Rule(nil), rules...)}
}

// LoadRules reads a rule pack from path. An empty path or a missing file yields
// the built-in table.
func LoadRules(path string) (*RuleTable, error) {
	if path == "" {
		return NewRuleTable(BuiltinRules()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewRuleTable(BuiltinRules()), nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	for i, rule := range cfg.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d in %s has no id", i, path)
		}
		for _, fix := range rule.Fixes {
			if _, ok := LookupAction(fix.Action); !ok {
				return nil, fmt.Errorf("rule %s: %w: %q", rule.ID, ErrUnknownAction, fix.Action)
			}
		}
	}
	return NewRuleTable(cfg.Rules), nil
}

// Rules returns the table in precedence order.
func (t *RuleTable) Rules() []Rule {
	if t == nil {
		return nil
	}
	return append([]Rule(nil), t.rules...)
}

// Match returns the first rule whose conditions all hold.
func (t *RuleTable) Match(sig Signals) (Rule, bool) {
	if t == nil {
		return Rule{}, false
	}
	for _, rule := range t.rules {
		if rule.Match.matches(sig) {
			return rule, true
		}
	}
	return Rule{}, false
}

func (m RuleMatch) matches(sig Signals) bool {
	if m.ChaosType != "" && !strings.EqualFold(m.ChaosType, sig.ChaosType) {
		return false
	}
	if m.Severity != "" && !strings.EqualFold(m.Severity, sig.Severity) {
		return false
	}
	if len(m.TitleContains) > 0 && !containsAny(sig.Title, m.TitleContains) {
		return false
	}
	if len(m.LogContains) > 0 && !logsContain(sig.LogSignatures, m.LogContains) {
		return false
	}
	if len(m.MetricContains) > 0 && !metricsContain(sig.MetricAnomalies, m.MetricContains) {
		return false
	}
	if m.MinErrorRatio > 0 && sig.LogErrorRatio < m.MinErrorRatio {
		return false
	}
	return true
}

func containsAny(text string, keywords []string) bool {
	text = strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func logsContain(signatures []extractors.LogSignature, keywords []string) bool {
	for _, sig := range signatures {
		if containsAny(sig.Sample, keywords) {
			return true
		}
	}
	return false
}

func metricsContain(anomalies []extractors.MetricAnomaly, keywords []string) bool {
	for _, a := range anomalies {
		if containsAny(a.MetricID, keywords) {
			return true
		}
	}
	return false
}

// proposedFixes converts a matched rule into fixes.
func (r Rule) proposedFixes() []models.Fix {
	fixes := make([]models.Fix, 0, len(r.Fixes))
	for _, f := range r.Fixes {
		fixes = append(fixes, models.Fix{Action: f.Action, RiskLevel: f.Risk, Rationale: f.Rationale})
	}
	return fixes
}

// BuiltinRules is the default table. Chaos-correlated rules come first so a
// known fault outranks generic symptom matching.
func BuiltinRules() []Rule {
	revert := RuleFix{Action: ActionRevertChaos, Risk: models.RiskMedium, Rationale: "Remove the injected fault at its source."}
	return []Rule{
		{
			ID:         "chaos-error-rate",
			Match:      RuleMatch{ChaosType: chaos.RecipeIncreaseErrorRate},
			RootCause:  "Injected error rate on the affected service",
			Confidence: 0.9,
			Fixes: []RuleFix{
				{Action: ActionResetErrorRate, Risk: models.RiskLow, Rationale: "Clear the error rate flag."},
				revert,
			},
		},
		{
			ID:         "chaos-latency",
			Match:      RuleMatch{ChaosType: chaos.RecipeSlowResponses},
			RootCause:  "Injected response latency on the affected service",
			Confidence: 0.9,
			Fixes: []RuleFix{
				{Action: ActionResetLatency, Risk: models.RiskLow, Rationale: "Clear the latency flag."},
				revert,
			},
		},
		{
			ID:         "chaos-circuit-breaker",
			Match:      RuleMatch{ChaosType: chaos.RecipeDisableCircuitBreaker},
			RootCause:  "Circuit breaker disabled, downstream failures cascade",
			Confidence: 0.85,
			Fixes: []RuleFix{
				{Action: ActionEnableCircuitBreaker, Risk: models.RiskLow, Rationale: "Restore failure isolation."},
				revert,
			},
		},
		{
			ID:         "chaos-cache",
			Match:      RuleMatch{ChaosType: chaos.RecipeDisableCache},
			RootCause:  "Response cache disabled, backend overloaded",
			Confidence: 0.85,
			Fixes: []RuleFix{
				{Action: ActionEnableCache, Risk: models.RiskLow, Rationale: "Restore the cache."},
				revert,
			},
		},
		{
			ID:         "chaos-resource",
			Match:      RuleMatch{ChaosType: chaos.RecipeResourceExhaustion},
			RootCause:  "Synthetic CPU stress starving request handling",
			Confidence: 0.85,
			Fixes: []RuleFix{
				{Action: ActionResetResourceLimits, Risk: models.RiskLow, Rationale: "Stop the CPU burn."},
				revert,
			},
		},
		{
			ID:         "failure-rate",
			Match:      RuleMatch{TitleContains: []string{"failure rate", "error rate", "errors"}},
			RootCause:  "Elevated failure rate without a correlated fault",
			Confidence: 0.5,
			Fixes: []RuleFix{
				{Action: ActionResetErrorRate, Risk: models.RiskLow, Rationale: "Clear any error injection override."},
				{Action: ActionRestartService, Risk: models.RiskHigh, Rationale: "Restart if errors persist."},
			},
		},
		{
			ID:         "slowdown",
			Match:      RuleMatch{TitleContains: []string{"response time", "slowdown", "latency"}},
			RootCause:  "Response time degradation without a correlated fault",
			Confidence: 0.5,
			Fixes: []RuleFix{
				{Action: ActionResetLatency, Risk: models.RiskLow, Rationale: "Clear any latency override."},
				{Action: ActionEnableCache, Risk: models.RiskLow, Rationale: "Make sure the cache is serving."},
				{Action: ActionScaleOut, Risk: models.RiskHigh, Rationale: "Add capacity if latency persists."},
			},
		},
		{
			ID:         "saturation",
			Match:      RuleMatch{TitleContains: []string{"cpu", "saturation", "resource"}},
			RootCause:  "Resource saturation on the affected service",
			Confidence: 0.5,
			Fixes: []RuleFix{
				{Action: ActionResetResourceLimits, Risk: models.RiskLow, Rationale: "Stop any synthetic stress."},
				{Action: ActionScaleOut, Risk: models.RiskHigh, Rationale: "Add capacity."},
			},
		},
		{
			ID:         "error-logs",
			Match:      RuleMatch{MinErrorRatio: 0.2},
			RootCause:  "Error log spike on the affected service",
			Confidence: 0.4,
			Fixes: []RuleFix{
				{Action: ActionEnableCircuitBreaker, Risk: models.RiskLow, Rationale: "Contain downstream failures."},
				{Action: ActionRollbackDeployment, Risk: models.RiskHigh, Rationale: "Roll back if a release introduced the errors."},
			},
		},
		{
			ID:         "fallback",
			RootCause:  "No dominant signal",
			Confidence: 0.2,
			Fixes: []RuleFix{
				{Action: ActionRollbackDeployment, Risk: models.RiskHigh, Rationale: "Review recent deployments for regressions."},
			},
		},
	}
}
