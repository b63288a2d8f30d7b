// Package verifier implements the capability verifier: the fixed,
// ordered admission-decision pipeline that turns a request, a capability
// record, and the current RC posture into an allow/deny decision. The
// pipeline's order is contract, not a plugin chain — changing it changes
// behavior, and it is never generalized into a configurable expression
// language.
package verifier

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/latentfields/openclaw/pkg/capabilities"
	"github.com/latentfields/openclaw/pkg/rtlog"
	"github.com/latentfields/openclaw/pkg/types"
)

// Verifier holds the capability manifest and the RC-high threshold used
// to compute strict mode, and optionally emits one audit JSON line per
// verification.
type Verifier struct {
	manifest     *capabilities.Manifest
	rcHighThresh float64
	clock        func() time.Time
	logger       *slog.Logger
	metrics      *rtlog.Metrics

	mu        sync.Mutex
	auditSink io.Writer
}

// Option configures a Verifier at construction.
type Option func(*Verifier)

// WithRCHighThreshold overrides the default strict-mode RC-score
// threshold (0.65).
func WithRCHighThreshold(threshold float64) Option {
	return func(v *Verifier) { v.rcHighThresh = threshold }
}

// WithClock overrides the verifier's clock, for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(v *Verifier) { v.clock = clock }
}

// WithAuditSink configures the writer that receives one JSON line per
// verification. When unset, no audit line is emitted.
func WithAuditSink(w io.Writer) Option {
	return func(v *Verifier) { v.auditSink = w }
}

// WithLogger overrides the verifier's structured logger, which defaults
// to a "verifier"-tagged logger writing JSON to stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

// WithMetrics attaches the decision counter the verifier increments
// once per Verify call, labeled by decision reason. Without this option
// decisions are still logged but not counted.
func WithMetrics(metrics *rtlog.Metrics) Option {
	return func(v *Verifier) { v.metrics = metrics }
}

// New constructs a Verifier bound to a capability manifest.
func New(manifest *capabilities.Manifest, opts ...Option) *Verifier {
	v := &Verifier{
		manifest:     manifest,
		rcHighThresh: 0.65,
		clock:        time.Now,
		logger:       rtlog.New("verifier"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// auditLine is the on-disk shape of one audit log entry.
type auditLine struct {
	Timestamp time.Time      `json:"timestamp"`
	Request   auditRequest   `json:"request"`
	Decision  types.VerificationDecision `json:"decision"`
}

type auditRequest struct {
	ActionClass string          `json:"action_class"`
	Scope       string          `json:"scope"`
	EffectClass types.EffectClass `json:"effect_class"`
	RCState     types.RCState   `json:"rc_state"`
	RCScore     float64         `json:"rc_conflict_score"`
}

// Verify runs the fixed decision pipeline. It never raises for a policy
// decision — it always returns a VerificationDecision, even when denying.
func (v *Verifier) Verify(req types.VerificationRequest) types.VerificationDecision {
	decision := v.decide(req)

	v.logger.Info("verification decision",
		"action_class", req.ActionClass,
		"scope", req.Scope,
		"effect_class", req.EffectClass,
		"rc_state", req.RCState,
		"rc_conflict_score", req.RCScore,
		"allowed", decision.Allowed,
		"reason", decision.Reason,
		"strict_mode", decision.StrictMode,
	)
	v.metrics.CountVerifierDecision(context.Background(), decision.Reason)

	v.emitAudit(req, decision)
	return decision
}

func (v *Verifier) decide(req types.VerificationRequest) types.VerificationDecision {
	cap, ok := v.manifest.Lookup(req.ActionClass)
	if !ok {
		return deny(types.ReasonUnknownActionClass)
	}

	if req.EffectClass != cap.EffectClass {
		return deny(types.ReasonEffectClassMismatch)
	}

	if !cap.AllowedScopes[req.Scope] {
		return deny(types.ReasonScopeNotAllowed)
	}

	for required := range cap.RequiredVerifiers {
		if !req.ProvidedVerifiers[required] {
			return deny(types.ReasonRequiredVerifierMissing)
		}
	}

	if !provenanceBindingsSatisfied(cap, req.Provenance) {
		return deny(types.ReasonProvenanceBindingMissing)
	}

	strictMode := req.RCScore >= v.rcHighThresh || req.RCState == types.RCVerify || req.RCState == types.RCLockdown
	requiresConsent := cap.RequiresConsent || (strictMode && req.EffectClass != types.EffectNone)

	if req.RCState == types.RCLockdown && (req.EffectClass == types.EffectPrivileged || req.EffectClass == types.EffectDestructive) {
		return types.VerificationDecision{
			Allowed:         false,
			Reason:          types.ReasonLockdownPostureBlock,
			RequiresConsent: requiresConsent,
			StrictMode:      strictMode,
		}
	}

	if requiresConsent {
		if req.ConsentToken == nil || !req.ConsentToken.IsValidFor(req.ActionClass, req.Scope, v.clock()) {
			return types.VerificationDecision{
				Allowed:         false,
				Reason:          types.ReasonConsentRequired,
				RequiresConsent: requiresConsent,
				StrictMode:      strictMode,
			}
		}
	}

	if strictMode && req.EffectClass == types.EffectDestructive {
		return types.VerificationDecision{
			Allowed:         false,
			Reason:          types.ReasonDestructiveBlockedInStrict,
			RequiresConsent: requiresConsent,
			StrictMode:      strictMode,
		}
	}

	return types.VerificationDecision{
		Allowed:         true,
		Reason:          types.ReasonAllowed,
		RequiresConsent: requiresConsent,
		StrictMode:      strictMode,
	}
}

// provenanceBindingsSatisfied checks that every provenance field named in
// the capability's bindings is present and non-empty.
func provenanceBindingsSatisfied(cap types.Capability, prov types.Provenance) bool {
	for binding := range cap.ProvenanceBindings {
		switch binding {
		case "source_id":
			if prov.SourceID == "" {
				return false
			}
		case "model_call_id":
			if prov.ModelCallID == "" {
				return false
			}
		case "prompt_hash":
			if prov.PromptHash == "" {
				return false
			}
		case "input_provenance":
			if len(prov.InputProvenance) == 0 {
				return false
			}
		default:
			// Unknown binding names fail closed.
			return false
		}
	}
	return true
}

func deny(reason string) types.VerificationDecision {
	return types.VerificationDecision{Allowed: false, Reason: reason}
}

func (v *Verifier) emitAudit(req types.VerificationRequest, decision types.VerificationDecision) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.auditSink == nil {
		return
	}

	line := auditLine{
		Timestamp: v.clock().UTC(),
		Request: auditRequest{
			ActionClass: req.ActionClass,
			Scope:       req.Scope,
			EffectClass: req.EffectClass,
			RCState:     req.RCState,
			RCScore:     req.RCScore,
		},
		Decision: decision,
	}

	encoded, err := json.Marshal(line)
	if err != nil {
		return
	}
	encoded = append(encoded, '\n')
	_, _ = v.auditSink.Write(encoded)
}
