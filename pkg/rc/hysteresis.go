package rc

import (
	"sync"

	"github.com/latentfields/openclaw/pkg/rterr"
	"github.com/latentfields/openclaw/pkg/types"
)

// Thresholds are the three hysteresis boundaries. The invariant
// 0 ≤ Low < High < Lock ≤ 1 must hold.
type Thresholds struct {
	Low  float64
	High float64
	Lock float64
}

// DefaultThresholds returns the default 0.35/0.65/0.9 band.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 0.35, High: 0.65, Lock: 0.9}
}

// Validate checks the threshold invariant.
func (t Thresholds) Validate() error {
	if !(0 <= t.Low && t.Low < t.High && t.High < t.Lock && t.Lock <= 1) {
		return rterr.New(rterr.CodeInvalidArgument, "RC thresholds must satisfy 0 <= low < high < lock <= 1")
	}
	return nil
}

// Hysteresis is the single-instance-per-runtime three-state posture
// machine. It is mutated only by Update; no locking is required under
// the runtime's single-threaded model, but a mutex is retained so the
// machine is safe to read from concurrently (e.g. for status reporting)
// without a data race.
type Hysteresis struct {
	mu         sync.RWMutex
	thresholds Thresholds
	state      types.RCState
}

// NewHysteresis constructs a Hysteresis machine in the NORMAL state with
// the given thresholds.
func NewHysteresis(thresholds Thresholds) (*Hysteresis, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Hysteresis{thresholds: thresholds, state: types.RCNormal}, nil
}

// State returns the current posture.
func (h *Hysteresis) State() types.RCState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Update applies one score observation and returns the resulting state.
// Transitions, evaluated in order:
//
//  1. score >= Lock              -> LOCKDOWN (from any state)
//  2. NORMAL and score >= High   -> VERIFY
//  3. {VERIFY,LOCKDOWN} and score <= Low -> NORMAL
//  4. LOCKDOWN and Low < score < Lock    -> VERIFY (stepwise de-escalation)
//  5. otherwise                  -> unchanged
func (h *Hysteresis) Update(score float64) (types.RCState, error) {
	if score < 0 || score > 1 {
		return "", rterr.New(rterr.CodeInvalidArgument, "RC score out of range [0,1]")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case score >= h.thresholds.Lock:
		h.state = types.RCLockdown
	case h.state == types.RCNormal && score >= h.thresholds.High:
		h.state = types.RCVerify
	case (h.state == types.RCVerify || h.state == types.RCLockdown) && score <= h.thresholds.Low:
		h.state = types.RCNormal
	case h.state == types.RCLockdown && score > h.thresholds.Low && score < h.thresholds.Lock:
		h.state = types.RCVerify
	}

	return h.state, nil
}
