// Package rc implements the conflict-risk scorer and the hysteresis
// posture machine that together govern the strictness of the capability
// verifier.
package rc

import (
	"github.com/latentfields/openclaw/pkg/rterr"
	"github.com/latentfields/openclaw/pkg/types"
)

// Score computes the weighted-average conflict-risk score in [0,1]. Each
// input signal must already be within [0,1]; out-of-range signals are
// rejected rather than clamped. The final weighted average is clamped to
// [0,1] to absorb floating-point rounding at the boundary.
func Score(signals types.RCConflictSignals, weights types.RCConflictWeights) (float64, error) {
	vals := []float64{
		signals.ProvenanceMismatch,
		signals.IdentityInconsistency,
		signals.TemporalDiscontinuity,
		signals.ToolOutputInconsistency,
	}
	for _, v := range vals {
		if v < 0 || v > 1 {
			return 0, rterr.New(rterr.CodeInvalidArgument, "RC signal out of range [0,1]")
		}
	}

	w := []float64{
		weights.ProvenanceMismatch,
		weights.IdentityInconsistency,
		weights.TemporalDiscontinuity,
		weights.ToolOutputInconsistency,
	}
	var weightSum float64
	for _, wv := range w {
		if wv < 0 {
			return 0, rterr.New(rterr.CodeInvalidArgument, "RC weight must be non-negative")
		}
		weightSum += wv
	}
	if weightSum <= 0 {
		return 0, rterr.New(rterr.CodeInvalidArgument, "RC weights must sum to more than zero")
	}

	var weighted float64
	for i, v := range vals {
		weighted += v * w[i]
	}
	score := weighted / weightSum

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}
