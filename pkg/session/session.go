// Package session orchestrates multi-step autonomous sessions: each
// step builds and ranks rollout candidates, nudges the ranking with the
// trajectory's memory bias, runs one full cycle on the winning
// candidate, and checks budget limits before and after every step.
package session

import (
	"context"
	"time"

	"github.com/latentfields/openclaw/pkg/boundary"
	"github.com/latentfields/openclaw/pkg/memory"
	"github.com/latentfields/openclaw/pkg/rollout"
	"github.com/latentfields/openclaw/pkg/runtime"
	"github.com/latentfields/openclaw/pkg/types"
)

// Closed stop-reason taxonomy.
const (
	ReasonCompleted              = "completed"
	ReasonNoCandidates            = "no_candidates"
	ReasonRejectedStep            = "rejected_step"
	ReasonMaxCommandCountReached  = "max_command_count_reached"
	ReasonMaxWallClockReached     = "max_wall_clock_reached"
	ReasonMaxStepsReached         = "max_steps_reached"
)

// Policy bounds an autonomous session.
type Policy struct {
	MaxSteps             int
	MaxCommandCount      *int
	MaxWallClockSeconds  *float64
	StopOnReject         bool
}

// StepSpec is the caller-supplied input for one loop iteration: the
// rollout proposals to choose among, plus the context needed to build a
// cycle input for whichever candidate wins.
type StepSpec struct {
	Proposals         []rollout.Proposal
	SignalOverrides   map[string]types.RolloutSignals
	RCSignals         types.RCConflictSignals
	ConsentToken      *types.ConsentToken
	Provenance        types.Provenance
	ProvidedVerifiers map[string]bool
	ProposalType      string
}

// StepOutcome records what happened on one executed step.
type StepOutcome struct {
	TrajectoryRef string
	CycleResult   runtime.CycleResult
}

// Result is the outcome of a full session run.
type Result struct {
	StepsExecuted int
	StopReason    string
	Outcomes      []StepOutcome
}

// Runner ties the cycle, boundary router, and session memory together
// to execute a policy-bounded sequence of steps.
type Runner struct {
	cycle  *runtime.Cycle
	router *boundary.Router
	memory *memory.Store
	clock  func() time.Time
}

// Option configures a Runner at construction.
type Option func(*Runner)

// WithClock overrides the runner's clock, for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) { r.clock = clock }
}

// New constructs a Runner.
func New(cycle *runtime.Cycle, router *boundary.Router, mem *memory.Store, opts ...Option) *Runner {
	r := &Runner{cycle: cycle, router: router, memory: mem, clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes steps[0 .. min(policy.MaxSteps, len(steps))) in order,
// subject to the wall-clock and command-count budgets.
func (r *Runner) Run(ctx context.Context, sessionID, goalText string, steps []StepSpec, policy Policy) (Result, error) {
	policySnapshot := map[string]interface{}{
		"max_steps":               policy.MaxSteps,
		"max_command_count":       policy.MaxCommandCount,
		"max_wall_clock_seconds":  policy.MaxWallClockSeconds,
		"stop_on_reject":          policy.StopOnReject,
	}
	if err := r.memory.RecordSessionStarted(sessionID, goalText, policySnapshot); err != nil {
		return Result{}, err
	}

	start := r.clock()
	executed := 0
	var outcomes []StepOutcome
	stopReason := ReasonCompleted

	limit := len(steps)
	if policy.MaxSteps < limit {
		limit = policy.MaxSteps
	}

loop:
	for stepIndex := 0; stepIndex < limit; stepIndex++ {
		if policy.MaxWallClockSeconds != nil && r.clock().Sub(start).Seconds() >= *policy.MaxWallClockSeconds {
			stopReason = ReasonMaxWallClockReached
			break loop
		}
		if policy.MaxCommandCount != nil && executed >= *policy.MaxCommandCount {
			stopReason = ReasonMaxCommandCountReached
			break loop
		}

		step := steps[stepIndex]
		if len(step.Proposals) == 0 {
			stopReason = ReasonNoCandidates
			break loop
		}

		candidates, err := rollout.BuildCandidates(r.router, step.Proposals)
		if err != nil {
			return Result{}, err
		}
		ranked, err := rollout.RankCandidates(candidates, step.SignalOverrides, rollout.DefaultWeights.Viability, rollout.DefaultWeights.Valence)
		if err != nil {
			return Result{}, err
		}

		selected, bias, err := r.selectWithMemoryBias(ranked)
		if err != nil {
			return Result{}, err
		}

		cycleResult, err := r.cycle.Run(ctx, runtime.CycleInput{
			ActionClass:       selected.Candidate.ActionClass,
			Scope:             selected.Candidate.Scope,
			EffectClass:       selected.Candidate.EffectClass,
			Command:           selected.Candidate.Command,
			ProposalType:      step.ProposalType,
			TrajectoryRef:     selected.Candidate.TrajectoryRef,
			RCSignals:         step.RCSignals,
			ConsentToken:      step.ConsentToken,
			Provenance:        step.Provenance,
			ProvidedVerifiers: step.ProvidedVerifiers,
		})
		if err != nil {
			return Result{}, err
		}

		commitID := ""
		if cycleResult.CommitToken != nil {
			commitID = cycleResult.CommitToken.ID
		}
		if err := r.memory.RecordStep(sessionID, memory.StepRecord{
			StepIndex:         stepIndex,
			TrajectoryRef:     selected.Candidate.TrajectoryRef,
			RankingScore:      selected.RankingScore,
			MemoryBiasApplied: bias,
			ActionClass:       selected.Candidate.ActionClass,
			Scope:             selected.Candidate.Scope,
			EffectClass:       string(selected.Candidate.EffectClass),
			Allowed:           cycleResult.Allowed,
			Reason:            cycleResult.Decision.Reason,
			RCState:           string(cycleResult.RCState),
			RCConflictScore:   cycleResult.RCScore,
			CommitID:          commitID,
		}); err != nil {
			return Result{}, err
		}
		executed++
		outcomes = append(outcomes, StepOutcome{TrajectoryRef: selected.Candidate.TrajectoryRef, CycleResult: cycleResult})

		if !cycleResult.Allowed && policy.StopOnReject {
			stopReason = ReasonRejectedStep
			break loop
		}

		if policy.MaxWallClockSeconds != nil && r.clock().Sub(start).Seconds() >= *policy.MaxWallClockSeconds {
			stopReason = ReasonMaxWallClockReached
			break loop
		}
	}

	if stopReason == ReasonCompleted && len(steps) > policy.MaxSteps {
		stopReason = ReasonMaxStepsReached
	}

	if err := r.memory.RecordSessionFinished(sessionID, stopReason, executed); err != nil {
		return Result{}, err
	}

	return Result{StepsExecuted: executed, StopReason: stopReason, Outcomes: outcomes}, nil
}

// selectWithMemoryBias adds each candidate's trajectory_bias to its
// ranking score and returns the argmax (with the bias that was applied
// to it), first-seen-wins on ties.
func (r *Runner) selectWithMemoryBias(ranked []types.RankedCandidate) (types.RankedCandidate, float64, error) {
	var best types.RankedCandidate
	var bestBias float64
	bestScore := 0.0
	haveBest := false

	for _, candidate := range ranked {
		bias, err := r.memory.TrajectoryBias(candidate.Candidate.TrajectoryRef)
		if err != nil {
			return types.RankedCandidate{}, 0, err
		}
		adjusted := candidate.RankingScore + bias
		if !haveBest || adjusted > bestScore {
			best = candidate
			best.RankingScore = adjusted
			bestBias = bias
			bestScore = adjusted
			haveBest = true
		}
	}

	return best, bestBias, nil
}
