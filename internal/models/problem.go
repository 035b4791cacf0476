package models

import "time"

// ProblemStatus mirrors the observability backend's problem status.
type ProblemStatus string

const (
	ProblemOpen   ProblemStatus = "OPEN"
	ProblemClosed ProblemStatus = "CLOSED"
)

// EntityRef names an entity affected by a problem.
type EntityRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Problem is an immutable snapshot of an externally detected problem.
type Problem struct {
	ProblemID        string        `json:"problemId"`
	DisplayID        string        `json:"displayId,omitempty"`
	Title            string        `json:"title"`
	Severity         string        `json:"severity"`
	Status           ProblemStatus `json:"status"`
	StartTime        time.Time     `json:"startTime"`
	EndTime          time.Time     `json:"endTime,omitempty"`
	AffectedEntities []EntityRef   `json:"affectedEntities"`
}

// Active reports whether the problem is still open.
func (p Problem) Active() bool { return p.Status != ProblemClosed }

// EntityNames returns the affected entity names, falling back to ids.
func (p Problem) EntityNames() []string {
	names := make([]string, 0, len(p.AffectedEntities))
	for _, e := range p.AffectedEntities {
		if e.Name != "" {
			names = append(names, e.Name)
		} else if e.ID != "" {
			names = append(names, e.ID)
		}
	}
	return names
}

// DetectedProblem is the detector's local wrapper around a polled problem.
type DetectedProblem struct {
	Problem
	SeenAt time.Time `json:"seenAt"`
}

// Timeframe bounds observability queries.
type Timeframe struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Last returns a timeframe covering d up to now.
func Last(d time.Duration, now time.Time) Timeframe {
	return Timeframe{From: now.Add(-d), To: now}
}

// LogEntry is a single log record returned by the observability backend.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	Entity    string    `json:"entity,omitempty"`
}

// MetricPoint is one sample in a metric series.
type MetricPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// MetricSeries is a metric over one entity.
type MetricSeries struct {
	MetricID string        `json:"metricId"`
	Entity   string        `json:"entity,omitempty"`
	Points   []MetricPoint `json:"points"`
}

// Entity is a topology node with its call relationships.
type Entity struct {
	EntityID    string   `json:"entityId"`
	DisplayName string   `json:"displayName"`
	Type        string   `json:"type"`
	CallsTo     []string `json:"callsTo,omitempty"`
	CalledBy    []string `json:"calledBy,omitempty"`
}

// Event is an observability event, including chaos and remediation markers.
type Event struct {
	EventID        string            `json:"eventId,omitempty"`
	EventType      string            `json:"eventType"`
	Title          string            `json:"title"`
	EntitySelector string            `json:"entitySelector,omitempty"`
	StartTime      time.Time         `json:"startTime"`
	EndTime        time.Time         `json:"endTime,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
}

// ChaosCorrelationProperty links observability events to an injected fault.
const ChaosCorrelationProperty = "correlation.chaos"
