// Package runtime wires the classify -> RC update -> verify ->
// (mint -> execute -> commit) | reject sequence into a single cycle,
// matching the ordering guarantee that ledger append is always the last
// step of an allowed cycle.
package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/latentfields/openclaw/pkg/commit"
	"github.com/latentfields/openclaw/pkg/ledger"
	"github.com/latentfields/openclaw/pkg/rc"
	"github.com/latentfields/openclaw/pkg/rterr"
	"github.com/latentfields/openclaw/pkg/rtlog"
	"github.com/latentfields/openclaw/pkg/sandbox"
	"github.com/latentfields/openclaw/pkg/types"
	"github.com/latentfields/openclaw/pkg/verifier"
)

// CycleInput is everything one cycle needs to classify, score, verify,
// and (if allowed) execute and commit a single proposed action.
type CycleInput struct {
	ActionClass       string
	Scope             string
	EffectClass       types.EffectClass
	Command           []string
	ProposalType      string
	TrajectoryRef     string
	RCSignals         types.RCConflictSignals
	ConsentToken      *types.ConsentToken
	Provenance        types.Provenance
	ProvidedVerifiers map[string]bool
}

// CycleResult is the outcome of one cycle.
type CycleResult struct {
	Allowed               bool
	Decision              types.VerificationDecision
	RCScore               float64
	RCState               types.RCState
	Execution             *sandbox.ExecResult
	CommitToken           *types.CommitToken
	SerializedCommitToken string
	LedgerEntry           types.LedgerEntry
}

// Cycle owns the subsystems a single runtime instance needs to process
// one cycle at a time: RC posture, the capability verifier, the
// sandboxed executor, and the tamper-evident ledger.
type Cycle struct {
	hysteresis *rc.Hysteresis
	rcWeights  types.RCConflictWeights
	verifier   *verifier.Verifier
	sandbox    *sandbox.Sandbox
	ledger     *ledger.Ledger
	clock      func() time.Time
	commitTTL  time.Duration
	commitKey  []byte
	logger     *slog.Logger
	metrics    *rtlog.Metrics
}

// Option configures a Cycle at construction.
type Option func(*Cycle)

// WithClock overrides the cycle's clock, for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(c *Cycle) { c.clock = clock }
}

// WithRCWeights overrides the default RC conflict-signal weights.
func WithRCWeights(weights types.RCConflictWeights) Option {
	return func(c *Cycle) { c.rcWeights = weights }
}

// WithCommitTokenSecret configures the secret and TTL used to serialize
// minted commit tokens. Without it, commit tokens are minted but never
// serialized to a bearer string.
func WithCommitTokenSecret(secret []byte, ttl time.Duration) Option {
	return func(c *Cycle) {
		c.commitKey = secret
		c.commitTTL = ttl
	}
}

// WithLogger overrides the cycle's structured logger, which defaults to
// a "runtime"-tagged logger writing JSON to stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cycle) { c.logger = logger }
}

// WithMetrics attaches the RC-score, sandbox-duration, and
// ledger-append-duration instruments the cycle observes on every run.
// Without this option the cycle still logs but records no metrics.
func WithMetrics(metrics *rtlog.Metrics) Option {
	return func(c *Cycle) { c.metrics = metrics }
}

// New constructs a Cycle bound to the given hysteresis machine,
// verifier, sandbox, and ledger.
func New(h *rc.Hysteresis, v *verifier.Verifier, sb *sandbox.Sandbox, l *ledger.Ledger, opts ...Option) *Cycle {
	c := &Cycle{
		hysteresis: h,
		rcWeights:  types.DefaultRCConflictWeights(),
		verifier:   v,
		sandbox:    sb,
		ledger:     l,
		clock:      time.Now,
		commitTTL:  5 * time.Minute,
		logger:     rtlog.New("runtime"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes one full cycle: classify -> RC update -> verify ->
// (mint -> execute -> append commit_executed) | append
// proposal_rejected. Ledger append is always the last step of an
// allowed cycle; a sandbox violation or timeout during execution
// propagates out without any ledger append, per the runtime's ordering
// guarantee.
func (c *Cycle) Run(ctx context.Context, input CycleInput) (CycleResult, error) {
	score, err := rc.Score(input.RCSignals, c.rcWeights)
	if err != nil {
		return CycleResult{}, err
	}
	c.metrics.ObserveRCScore(ctx, score)

	rcState, err := c.hysteresis.Update(score)
	if err != nil {
		return CycleResult{}, err
	}

	req := types.VerificationRequest{
		ActionClass:       input.ActionClass,
		Scope:             input.Scope,
		EffectClass:       input.EffectClass,
		RCState:           rcState,
		RCScore:           score,
		ConsentToken:      input.ConsentToken,
		Provenance:        input.Provenance,
		ProvidedVerifiers: input.ProvidedVerifiers,
	}
	decision := c.verifier.Verify(req)

	if !decision.Allowed {
		appendStart := c.clock()
		entry, err := c.ledger.Append(map[string]interface{}{
			"event":             "proposal_rejected",
			"action_class":      input.ActionClass,
			"scope":             input.Scope,
			"effect_class":      input.EffectClass,
			"rc_state":          rcState,
			"rc_conflict_score": score,
			"reason":            decision.Reason,
			"proposal_type":     input.ProposalType,
		})
		c.metrics.ObserveLedgerAppendDuration(ctx, c.clock().Sub(appendStart).Seconds())
		if err != nil {
			return CycleResult{}, err
		}
		c.logger.Info("proposal rejected",
			"action_class", input.ActionClass,
			"scope", input.Scope,
			"rc_state", rcState,
			"reason", decision.Reason,
		)
		return CycleResult{
			Allowed:     false,
			Decision:    decision,
			RCScore:     score,
			RCState:     rcState,
			LedgerEntry: entry,
		}, nil
	}

	verifierState := "baseline"
	if decision.StrictMode {
		verifierState = "strict"
	}
	token := commit.Mint(input.ActionClass, input.TrajectoryRef, verifierState, rcState, score, c.clock())

	var serialized string
	if c.commitKey != nil {
		serialized, err = commit.Serialize(token, c.commitKey, c.commitTTL)
		if err != nil {
			return CycleResult{}, err
		}
	}

	execStart := c.clock()
	execResult, err := c.sandbox.Run(ctx, input.Command, 0)
	c.metrics.ObserveSandboxDuration(ctx, c.clock().Sub(execStart).Seconds())
	if err != nil {
		// Execution failed before any durable effect is assumed to
		// have happened; the cycle aborts with no ledger append.
		c.logger.Error("sandbox execution failed", "action_class", input.ActionClass, "commit_id", token.ID, "error", err)
		return CycleResult{}, rterr.Wrap(rterr.CodeSandboxViolation, "cycle execution failed", err)
	}

	appendStart := c.clock()
	entry, err := c.ledger.Append(map[string]interface{}{
		"event":             "commit_executed",
		"commit_id":         token.ID,
		"action_class":      input.ActionClass,
		"scope":             input.Scope,
		"effect_class":      input.EffectClass,
		"rc_state":          rcState,
		"rc_conflict_score": score,
		"verifier_state":    verifierState,
		"command":           input.Command,
		"execution": map[string]interface{}{
			"returncode": execResult.ReturnCode,
			"stdout":     execResult.Stdout,
			"stderr":     execResult.Stderr,
		},
	})
	c.metrics.ObserveLedgerAppendDuration(ctx, c.clock().Sub(appendStart).Seconds())
	if err != nil {
		// The action has already executed; a post-execute ledger
		// failure is a critical fault the caller must treat as such.
		c.logger.Error("ledger append failed after execution", "commit_id", token.ID, "error", err)
		return CycleResult{}, err
	}

	c.logger.Info("commit executed",
		"action_class", input.ActionClass,
		"scope", input.Scope,
		"commit_id", token.ID,
		"rc_state", rcState,
		"verifier_state", verifierState,
		"returncode", execResult.ReturnCode,
	)

	return CycleResult{
		Allowed:               true,
		Decision:              decision,
		RCScore:               score,
		RCState:               rcState,
		Execution:             &execResult,
		CommitToken:           &token,
		SerializedCommitToken: serialized,
		LedgerEntry:           entry,
	}, nil
}
