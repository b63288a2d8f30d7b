// Package types defines the core data model shared across the runtime:
// the payload-type taxonomy, provenance records, the typed envelope, RC
// signal/weight vectors, capability records, consent tokens, commit
// tokens, ledger entries, and rollout candidates. These are value types —
// they are passed by copy between subsystems.
package types

import "time"

// PayloadType is the closed enumeration of envelope payload kinds.
type PayloadType string

const (
	PayloadOBS  PayloadType = "OBS"
	PayloadINS  PayloadType = "INS"
	PayloadTRAJ PayloadType = "TRAJ"
	PayloadPOL  PayloadType = "POL"
	PayloadID   PayloadType = "ID"
	PayloadCAPS PayloadType = "CAPS"
)

// TrustedStoreTypes is the set of payload types that only an
// internally-trusted source class may produce.
var TrustedStoreTypes = map[PayloadType]bool{
	PayloadPOL:  true,
	PayloadID:   true,
	PayloadCAPS: true,
}

// EffectClass is the closed enumeration of action severities, totally
// ordered: None < Reversible < Privileged < Destructive.
type EffectClass string

const (
	EffectNone        EffectClass = "none"
	EffectReversible  EffectClass = "reversible"
	EffectPrivileged  EffectClass = "privileged"
	EffectDestructive EffectClass = "destructive"
)

var effectSeverity = map[EffectClass]int{
	EffectNone:        0,
	EffectReversible:  1,
	EffectPrivileged:  2,
	EffectDestructive: 3,
}

// Severity returns the total order rank of an effect class, or -1 if the
// class is not one of the four closed variants.
func (e EffectClass) Severity() int {
	if s, ok := effectSeverity[e]; ok {
		return s
	}
	return -1
}

// SourceClass is the closed enumeration of envelope origin classes.
type SourceClass string

const (
	SourceUser            SourceClass = "USER"
	SourceModelInternal    SourceClass = "MODEL_INTERNAL"
	SourceTrustedInternal SourceClass = "trusted_internal"
)

// Provenance is an immutable record of an envelope's origin.
type Provenance struct {
	SourceClass      SourceClass `json:"source_class"`
	SourceID         string      `json:"source_id"`
	ModelCallID      string      `json:"model_call_id,omitempty"`
	PromptHash       string      `json:"prompt_hash,omitempty"`
	InputProvenance  []string    `json:"input_provenance,omitempty"`
	Timestamp        time.Time   `json:"timestamp"`
}

// Envelope is an immutable, typed, provenanced message unit at the trust
// boundary.
type Envelope struct {
	PayloadType  PayloadType            `json:"payload_type"`
	Payload      map[string]interface{} `json:"payload"`
	Provenance   Provenance             `json:"provenance"`
	EffectClass  EffectClass            `json:"effect_class"`
}

// RCConflictSignals are the four real-valued conflict-risk inputs, each
// constrained to [0,1] by the scorer.
type RCConflictSignals struct {
	ProvenanceMismatch      float64
	IdentityInconsistency   float64
	TemporalDiscontinuity   float64
	ToolOutputInconsistency float64
}

// RCConflictWeights are the non-negative weights applied to each signal;
// they must sum to more than zero.
type RCConflictWeights struct {
	ProvenanceMismatch      float64
	IdentityInconsistency   float64
	TemporalDiscontinuity   float64
	ToolOutputInconsistency float64
}

// DefaultRCConflictWeights mirrors the weighting used in the worked
// example in the scoring design notes: 0.4/0.3/0.2/0.1.
func DefaultRCConflictWeights() RCConflictWeights {
	return RCConflictWeights{
		ProvenanceMismatch:      0.4,
		IdentityInconsistency:   0.3,
		TemporalDiscontinuity:   0.2,
		ToolOutputInconsistency: 0.1,
	}
}

// RCState is the closed three-state posture enumeration.
type RCState string

const (
	RCNormal   RCState = "NORMAL"
	RCVerify   RCState = "VERIFY"
	RCLockdown RCState = "LOCKDOWN"
)

// Capability is an immutable record keyed by action class.
type Capability struct {
	ActionClass         string
	EffectClass         EffectClass
	RequiresConsent     bool
	AllowedScopes       map[string]bool
	RequiredVerifiers   map[string]bool
	ProvenanceBindings  map[string]bool
}

// ConsentToken authorizes one (action class, scope) pair, optionally
// until an expiry.
type ConsentToken struct {
	ActionClass string
	Scope       string
	Nonce       string
	IssuedAt    time.Time
	Expiry      *time.Time
}

// IsValidFor reports whether the token authorizes the given action class
// and scope at the given instant.
func (t ConsentToken) IsValidFor(actionClass, scope string, now time.Time) bool {
	if t.ActionClass != actionClass || t.Scope != scope {
		return false
	}
	if t.Expiry != nil && now.After(*t.Expiry) {
		return false
	}
	return true
}

// VerificationRequest carries everything the verifier's decision pipeline
// inspects.
type VerificationRequest struct {
	ActionClass       string
	Scope             string
	EffectClass       EffectClass
	RCState           RCState
	RCScore           float64
	ConsentToken      *ConsentToken
	Provenance        Provenance
	ProvidedVerifiers map[string]bool
}

// VerificationDecision is the value returned by the verifier — it is
// never an error, even when it denies the request.
type VerificationDecision struct {
	Allowed         bool   `json:"allowed"`
	Reason          string `json:"reason"`
	RequiresConsent bool   `json:"requires_consent"`
	StrictMode      bool   `json:"strict_mode"`
}

// Closed set of verifier decision reasons.
const (
	ReasonAllowed                     = "allowed"
	ReasonUnknownActionClass          = "unknown_action_class"
	ReasonEffectClassMismatch         = "effect_class_mismatch"
	ReasonScopeNotAllowed             = "scope_not_allowed"
	ReasonRequiredVerifierMissing     = "required_verifier_missing"
	ReasonProvenanceBindingMissing    = "provenance_binding_missing"
	ReasonLockdownPostureBlock        = "lockdown_posture_block"
	ReasonConsentRequired             = "consent_required"
	ReasonDestructiveBlockedInStrict  = "destructive_blocked_in_strict_mode"
)

// CommitToken is the opaque, single-use proof-of-admission minted on
// allow. Its lifetime is one ledger append.
type CommitToken struct {
	ID             string    `json:"id"`
	ActionClass    string    `json:"action_class"`
	TrajectoryRef  string    `json:"trajectory_ref"`
	VerifierState  string    `json:"verifier_state"` // "strict" | "baseline"
	RCStateAtMint  RCState   `json:"rc_state_at_mint"`
	RCScoreAtMint  float64   `json:"rc_score_at_mint"`
	IssuedAt       time.Time `json:"issued_at"`
}

// LedgerEntry is one hash-chained line of the append-only ledger.
type LedgerEntry struct {
	Index        int                    `json:"index"`
	Timestamp    time.Time              `json:"timestamp"`
	Payload      map[string]interface{} `json:"payload"`
	PreviousHash string                 `json:"previous_hash"`
	EntryHash    string                 `json:"entry_hash"`
}

// RolloutSignals are the viability/valence inputs for rollout ranking.
type RolloutSignals struct {
	Viability float64
	Valence   float64
}

// DefaultRolloutSignals is the (0.5, 0.5) default used when no override
// is supplied for a candidate.
func DefaultRolloutSignals() RolloutSignals {
	return RolloutSignals{Viability: 0.5, Valence: 0.5}
}

// RolloutCandidate pairs a routed envelope with the action/scope/effect
// fields and the command it would run if committed.
type RolloutCandidate struct {
	Envelope      Envelope
	ActionClass   string
	Scope         string
	EffectClass   EffectClass
	Command       []string
	TrajectoryRef string
}

// RankedCandidate is a RolloutCandidate annotated with its computed
// ranking score.
type RankedCandidate struct {
	Candidate    RolloutCandidate
	RankingScore float64
}
