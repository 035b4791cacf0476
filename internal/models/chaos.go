package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// FaultStatus is the lifecycle state of an injected fault.
type FaultStatus string

const (
	FaultActive   FaultStatus = "active"
	FaultReverted FaultStatus = "reverted"
)

// Fault is a single injected failure condition.
type Fault struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Target        string      `json:"target"`
	Intensity     int         `json:"intensity"`
	InjectedAt    time.Time   `json:"injectedAt"`
	ExpiresAt     *time.Time  `json:"expiresAt,omitempty"`
	Status        FaultStatus `json:"status"`
	CorrelationID string      `json:"correlationId"`
	RevertedAt    *time.Time  `json:"revertedAt,omitempty"`
	RevertReason  string      `json:"revertReason,omitempty"`
	Source        string      `json:"source,omitempty"`
}

// Indefinite reports whether the fault has no scheduled expiry.
func (f Fault) Indefinite() bool { return f.ExpiresAt == nil }

// ChaosDecision is the scheduler's one-shot choice of what to inject.
type ChaosDecision struct {
	Type       string `json:"type" validate:"required"`
	Target     string `json:"target" validate:"required"`
	Intensity  int    `json:"intensity" validate:"min=1,max=10"`
	DurationMs int64  `json:"durationMs" validate:"gte=0"`
	Reasoning  string `json:"reasoning,omitempty"`
	Source     string `json:"source,omitempty"`
}

// Duration converts DurationMs; zero means indefinite.
func (d ChaosDecision) Duration() time.Duration {
	return time.Duration(d.DurationMs) * time.Millisecond
}

var decisionValidate = validator.New()

// Validate checks field bounds on the decision.
func (d ChaosDecision) Validate() error {
	return decisionValidate.Struct(d)
}

// Recipe describes a chaos archetype and the flags it drives.
type Recipe struct {
	Name            string        `json:"name" yaml:"name"`
	Description     string        `json:"description" yaml:"description"`
	Flag            string        `json:"flag" yaml:"flag"`
	PerIntensity    float64       `json:"perIntensity" yaml:"per_intensity"`
	Max             float64       `json:"max" yaml:"max"`
	Toggle          bool          `json:"toggle" yaml:"toggle"`
	DefaultDuration time.Duration `json:"defaultDuration" yaml:"default_duration"`
	Weight          float64       `json:"weight" yaml:"weight"`
}

// RevertSummary reports the outcome of a bulk revert.
type RevertSummary struct {
	Reverted int               `json:"reverted"`
	Failed   int               `json:"failed"`
	Errors   map[string]string `json:"errors,omitempty"`
}
