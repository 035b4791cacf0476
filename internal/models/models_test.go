package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChaosDecisionValidate(t *testing.T) {
	valid := ChaosDecision{Type: "increase_error_rate", Target: "PaymentService", Intensity: 6, DurationMs: 300000}
	require.NoError(t, valid.Validate())

	tooHot := valid
	tooHot.Intensity = 11
	assert.Error(t, tooHot.Validate())

	noTarget := valid
	noTarget.Target = ""
	assert.Error(t, noTarget.Validate())

	negative := valid
	negative.DurationMs = -1
	assert.Error(t, negative.Validate())
}

func TestRiskLevelAutoExecutable(t *testing.T) {
	assert.True(t, RiskLow.AutoExecutable())
	assert.True(t, RiskMedium.AutoExecutable())
	assert.False(t, RiskHigh.AutoExecutable())
	assert.False(t, RiskLevel("catastrophic").AutoExecutable(), "unknown risk must be treated as high")
}

func TestServiceFlagStateCloneIsIndependent(t *testing.T) {
	state := ServiceFlagState{
		Global:     FlagValues{FlagCache: 1},
		PerService: map[string]FlagValues{"checkout": {FlagErrorRate: 0.2}},
	}
	clone := state.Clone()
	clone.PerService["checkout"][FlagErrorRate] = 0.9
	clone.Global[FlagCache] = 0

	v, ok := state.Lookup("checkout", FlagErrorRate)
	require.True(t, ok)
	assert.Equal(t, 0.2, v)
	v, ok = state.Lookup("", FlagCache)
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestProblemEntityNamesFallsBackToID(t *testing.T) {
	p := Problem{AffectedEntities: []EntityRef{{ID: "SERVICE-1", Name: "PaymentService"}, {ID: "SERVICE-2"}}}
	assert.Equal(t, []string{"PaymentService", "SERVICE-2"}, p.EntityNames())
}
