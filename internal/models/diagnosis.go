package models

import "time"

// RiskLevel grades how dangerous a remediation is to apply automatically.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank orders risk levels; unknown levels rank as high.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	default:
		return 2
	}
}

// AutoExecutable reports whether fixes at this risk may run unattended.
func (r RiskLevel) AutoExecutable() bool { return r.Rank() < RiskHigh.Rank() }

// Fix is a proposed or executed remediation.
type Fix struct {
	Action    string            `json:"action"`
	Params    map[string]string `json:"params,omitempty"`
	RiskLevel RiskLevel         `json:"riskLevel"`
	Rationale string            `json:"rationale,omitempty"`
	Executed  bool              `json:"executed"`
	Success   bool              `json:"success"`
	Result    string            `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// DiagnosisSource records which path produced a diagnosis.
type DiagnosisSource string

const (
	DiagnosisAI    DiagnosisSource = "ai"
	DiagnosisRules DiagnosisSource = "rules"
)

// Diagnosis is the root-cause hypothesis and proposed fixes for one problem.
type Diagnosis struct {
	ProblemID           string            `json:"problemId"`
	RootCauseHypothesis string            `json:"rootCauseHypothesis"`
	ProposedFixes       []Fix             `json:"proposedFixes"`
	Confidence          float64           `json:"confidence"`
	Inconclusive        bool              `json:"inconclusive"`
	Source              DiagnosisSource   `json:"source"`
	CorrelationID       string            `json:"correlationId,omitempty"`
	SimilarIncidents    []SimilarIncident `json:"similarIncidents,omitempty"`
	Notes               []string          `json:"notes,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
}

// FixItRun is the unit of remediation work for a single problem.
type FixItRun struct {
	RunID           string        `json:"runId"`
	ProblemID       string        `json:"problemId"`
	CorrelationID   string        `json:"correlationId,omitempty"`
	Diagnosis       *Diagnosis    `json:"diagnosis,omitempty"`
	FixesExecuted   []Fix         `json:"fixesExecuted"`
	Recommendations []Fix         `json:"recommendations"`
	Verified        bool          `json:"verified"`
	VerifyNote      string        `json:"verifyNote,omitempty"`
	StartedAt       time.Time     `json:"startedAt"`
	FinishedAt      time.Time     `json:"finishedAt,omitempty"`
	TotalDuration   time.Duration `json:"-"`
	TotalDurationMs int64         `json:"totalDurationMs"`
	Error           string        `json:"error,omitempty"`
}

// Done reports whether the run reached a terminal state.
func (r FixItRun) Done() bool { return !r.FinishedAt.IsZero() }

// FixItRunResult is the structured outcome returned to autoFix callers.
type FixItRunResult struct {
	RunID           string `json:"runId"`
	ProblemID       string `json:"problemId"`
	Verified        bool   `json:"verified"`
	TotalDurationMs int64  `json:"totalDurationMs"`
	FixesExecuted   []Fix  `json:"fixesExecuted"`
	Recommendations []Fix  `json:"recommendations"`
	CorrelationID   string `json:"correlationId,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Result projects the run onto its caller-facing result.
func (r FixItRun) Result() FixItRunResult {
	return FixItRunResult{
		RunID:           r.RunID,
		ProblemID:       r.ProblemID,
		Verified:        r.Verified,
		TotalDurationMs: r.TotalDurationMs,
		FixesExecuted:   append([]Fix(nil), r.FixesExecuted...),
		Recommendations: append([]Fix(nil), r.Recommendations...),
		CorrelationID:   r.CorrelationID,
		Error:           r.Error,
	}
}

// AgentOutcome is how an agentic diagnosis loop terminated.
type AgentOutcome string

const (
	AgentConcluded         AgentOutcome = "concluded"
	AgentTurnLimitExceeded AgentOutcome = "turn-limit-exceeded"
	AgentFailed            AgentOutcome = "failed"
)

// AgentStep is one tool invocation in an agentic diagnosis.
type AgentStep struct {
	Turn      int    `json:"turn"`
	Tool      string `json:"tool"`
	Arguments string `json:"arguments"`
	Output    string `json:"output"`
	Error     string `json:"error,omitempty"`
}

// AgenticDiagnosis is the result of a bounded tool-use diagnosis loop.
type AgenticDiagnosis struct {
	Description  string       `json:"description"`
	Answer       string       `json:"answer"`
	Outcome      AgentOutcome `json:"outcome"`
	Inconclusive bool         `json:"inconclusive"`
	Turns        int          `json:"turns"`
	Steps        []AgentStep  `json:"steps"`
	Error        string       `json:"error,omitempty"`
}
