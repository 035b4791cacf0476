package models

import (
	"encoding/json"
	"time"
)

// HistoryKind classifies an operational-memory entry.
type HistoryKind string

const (
	KindChaos      HistoryKind = "chaos"
	KindRevert     HistoryKind = "revert"
	KindProblem    HistoryKind = "problem"
	KindDiagnosis  HistoryKind = "diagnosis"
	KindFix        HistoryKind = "fix"
	KindFlagChange HistoryKind = "flag-change"
)

// Valid reports whether k is a known kind.
func (k HistoryKind) Valid() bool {
	switch k {
	case KindChaos, KindRevert, KindProblem, KindDiagnosis, KindFix, KindFlagChange:
		return true
	}
	return false
}

// HistoryEntry is an append-only operational-memory record.
type HistoryEntry struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Kind          HistoryKind     `json:"kind"`
	CorrelationID string          `json:"correlationId"`
	ProblemID     string          `json:"problemId,omitempty"`
	Summary       string          `json:"summary,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// HistoryFilter selects entries from the history store. Empty fields match all.
type HistoryFilter struct {
	Kinds          []HistoryKind
	CorrelationIDs []string
	ProblemIDs     []string
	Since          time.Time
	Limit          int
}

// SimilarIncident is a past incident recalled by similarity search.
type SimilarIncident struct {
	ID         string    `json:"id"`
	ProblemID  string    `json:"problemId,omitempty"`
	Text       string    `json:"text"`
	RootCause  string    `json:"rootCause,omitempty"`
	Fixes      []string  `json:"fixes,omitempty"`
	Score      float64   `json:"score"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Learning is a synthesized postmortem for one incident.
type Learning struct {
	ProblemID       string    `json:"problemId"`
	Title           string    `json:"title"`
	Summary         string    `json:"summary"`
	RootCause       string    `json:"rootCause,omitempty"`
	Fixes           []string  `json:"fixes,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Source          string    `json:"source"`
	EntryCount      int       `json:"entryCount"`
	GeneratedAt     time.Time `json:"generatedAt"`
}

// FaultPattern aggregates outcomes of recurring (chaos type, target) pairs.
type FaultPattern struct {
	ChaosType      string    `json:"chaosType"`
	Target         string    `json:"target"`
	Injections     int       `json:"injections"`
	Problems       int       `json:"problems"`
	FixRuns        int       `json:"fixRuns"`
	VerifiedFixes  int       `json:"verifiedFixes"`
	DetectionRate  float64   `json:"detectionRate"`
	ResolutionRate float64   `json:"resolutionRate"`
	TopActions     []string  `json:"topActions,omitempty"`
	LastSeen       time.Time `json:"lastSeen"`
}

// MemoryStats summarises the operational memory.
type MemoryStats struct {
	TotalEntries     int                 `json:"totalEntries"`
	ByKind           map[HistoryKind]int `json:"byKind"`
	Incidents        int                 `json:"incidents"`
	IndexedIncidents int                 `json:"indexedIncidents"`
	Patterns         []FaultPattern      `json:"patterns"`
	Oldest           time.Time           `json:"oldest,omitempty"`
	Newest           time.Time           `json:"newest,omitempty"`
}

// IncidentDocument is one entry in the incident similarity index.
type IncidentDocument struct {
	ID         string    `json:"id"`
	ProblemID  string    `json:"problemId,omitempty"`
	Text       string    `json:"text"`
	RootCause  string    `json:"rootCause,omitempty"`
	Fixes      []string  `json:"fixes,omitempty"`
	Vector     []float32 `json:"-"`
	RecordedAt time.Time `json:"recordedAt"`
}
