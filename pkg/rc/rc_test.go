package rc

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latentfields/openclaw/pkg/rterr"
	"github.com/latentfields/openclaw/pkg/types"
)

func TestScoreWorkedExample(t *testing.T) {
	signals := types.RCConflictSignals{
		ProvenanceMismatch:      1.0,
		IdentityInconsistency:   0.5,
		TemporalDiscontinuity:   0.0,
		ToolOutputInconsistency: 0.0,
	}
	weights := types.RCConflictWeights{
		ProvenanceMismatch:      0.4,
		IdentityInconsistency:   0.3,
		TemporalDiscontinuity:   0.2,
		ToolOutputInconsistency: 0.1,
	}
	score, err := Score(signals, weights)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, score, 1e-9)
}

func TestScoreRejectsOutOfRangeSignal(t *testing.T) {
	signals := types.RCConflictSignals{ProvenanceMismatch: 1.5}
	_, err := Score(signals, types.DefaultRCConflictWeights())
	require.Error(t, err)
	assert.True(t, rterr.Is(err, rterr.CodeInvalidArgument))
}

func TestScorePropertyAlwaysInRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("score is always within [0,1] for valid signals", prop.ForAll(
		func(a, b, c, d float64) bool {
			signals := types.RCConflictSignals{
				ProvenanceMismatch:      a,
				IdentityInconsistency:   b,
				TemporalDiscontinuity:   c,
				ToolOutputInconsistency: d,
			}
			score, err := Score(signals, types.DefaultRCConflictWeights())
			if err != nil {
				return false
			}
			return score >= 0 && score <= 1
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

func TestHysteresisFlow(t *testing.T) {
	h, err := NewHysteresis(DefaultThresholds())
	require.NoError(t, err)

	updates := []float64{0.1, 0.7, 0.8, 0.92, 0.7, 0.2}
	want := []types.RCState{
		types.RCNormal, types.RCVerify, types.RCVerify,
		types.RCLockdown, types.RCVerify, types.RCNormal,
	}

	for i, score := range updates {
		got, err := h.Update(score)
		require.NoError(t, err)
		assert.Equal(t, want[i], got, "update %d (score=%v)", i, score)
	}
}

func TestHysteresisExactThresholdCrossings(t *testing.T) {
	thresholds := DefaultThresholds()

	h, err := NewHysteresis(thresholds)
	require.NoError(t, err)
	state, err := h.Update(thresholds.High)
	require.NoError(t, err)
	assert.Equal(t, types.RCVerify, state, "score exactly at t_high must enter VERIFY")

	h, err = NewHysteresis(thresholds)
	require.NoError(t, err)
	state, err = h.Update(thresholds.Lock)
	require.NoError(t, err)
	assert.Equal(t, types.RCLockdown, state, "score exactly at t_lock must enter LOCKDOWN")
}

func TestHysteresisRejectsOutOfRangeScore(t *testing.T) {
	h, err := NewHysteresis(DefaultThresholds())
	require.NoError(t, err)
	_, err = h.Update(1.5)
	require.Error(t, err)
	assert.True(t, rterr.Is(err, rterr.CodeInvalidArgument))
}

func TestHysteresisRejectsInvalidThresholds(t *testing.T) {
	_, err := NewHysteresis(Thresholds{Low: 0.7, High: 0.5, Lock: 0.9})
	require.Error(t, err)
}

func TestScorePropertyLockdownReachedAtOrAboveLock(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)
	thresholds := DefaultThresholds()

	properties.Property("score >= t_lock always yields LOCKDOWN from the initial NORMAL state", prop.ForAll(
		func(score float64) bool {
			h, _ := NewHysteresis(thresholds)
			got, err := h.Update(score)
			if err != nil {
				return false
			}
			if score >= thresholds.Lock {
				return got == types.RCLockdown
			}
			return true
		},
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
