// Package boundary is the single choke point through which text enters
// the runtime as a typed, provenanced Envelope. It is the one place that
// guarantees model output cannot masquerade as policy or identity data.
package boundary

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/latentfields/openclaw/pkg/rterr"
	"github.com/latentfields/openclaw/pkg/types"
)

// roleMapping is the fixed role→payload-type table for routed model
// output. policy_draft is deliberately downgraded to INS: model output
// can never directly produce a POL record.
var roleMapping = map[string]types.PayloadType{
	"interpretation":       types.PayloadOBS,
	"rollout":              types.PayloadTRAJ,
	"execution_suggestion": types.PayloadINS,
	"policy_draft":         types.PayloadINS,
}

// DefaultTrustedSources is the default set of source classes permitted to
// write trusted-store payload types.
func DefaultTrustedSources() map[types.SourceClass]bool {
	return map[types.SourceClass]bool{
		types.SourceTrustedInternal: true,
	}
}

// Router classifies inbound text into typed envelopes and enforces the
// trust-class → payload-type boundary. It optionally rate-limits inbound
// model-output routing per model-call-id to blunt floods of proposal
// spam before they ever reach the RC scorer.
type Router struct {
	trustedSources map[types.SourceClass]bool
	clock          func() time.Time

	limiterRate  rate.Limit
	limiterBurst int
	limiters     map[string]*rate.Limiter
}

// Option configures a Router at construction.
type Option func(*Router)

// WithTrustedSources overrides the default trusted-source set.
func WithTrustedSources(sources map[types.SourceClass]bool) Option {
	return func(r *Router) { r.trustedSources = sources }
}

// WithClock overrides the router's clock, for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) { r.clock = clock }
}

// WithRateLimit enables per-model-call-id rate limiting of routed model
// output at the given steady-state rate and burst size.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(rt *Router) {
		rt.limiterRate = r
		rt.limiterBurst = burst
	}
}

// NewRouter constructs a Router with the default trusted-source set
// unless overridden.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		trustedSources: DefaultTrustedSources(),
		clock:          time.Now,
		limiters:       make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AssertMayWrite fails with a typed-boundary error if sourceClass is not
// trusted and payloadType is one of the trusted-store types.
func (r *Router) AssertMayWrite(sourceClass types.SourceClass, payloadType types.PayloadType) error {
	if types.TrustedStoreTypes[payloadType] && !r.trustedSources[sourceClass] {
		return rterr.New(rterr.CodeTypedBoundary,
			"source class "+string(sourceClass)+" may not write payload type "+string(payloadType))
	}
	return nil
}

// RouteUserMessage classifies raw user text. Payload type is OBS when
// asObservation, else INS. Source class is always USER.
func (r *Router) RouteUserMessage(text string, asObservation bool, sourceID string) (types.Envelope, error) {
	if sourceID == "" {
		sourceID = "user"
	}
	payloadType := types.PayloadINS
	if asObservation {
		payloadType = types.PayloadOBS
	}

	if err := r.AssertMayWrite(types.SourceUser, payloadType); err != nil {
		return types.Envelope{}, err
	}

	return types.Envelope{
		PayloadType: payloadType,
		Payload:     map[string]interface{}{"text": text},
		Provenance: types.Provenance{
			SourceClass: types.SourceUser,
			SourceID:    sourceID,
			Timestamp:   r.clock().UTC(),
		},
		EffectClass: types.EffectNone,
	}, nil
}

// RouteLLMOutput classifies model output text according to the fixed
// role-to-payload-type table. proposedEffectClass is attached to the
// envelope for later verifier inspection; routing never decides
// admissibility.
func (r *Router) RouteLLMOutput(
	content string,
	role string,
	modelCallID string,
	promptHash string,
	inputProvenance []string,
	proposedEffectClass types.EffectClass,
) (types.Envelope, error) {
	payloadType, ok := roleMapping[role]
	if !ok {
		return types.Envelope{}, rterr.New(rterr.CodeInvalidArgument, "unknown role: "+role)
	}

	if err := r.AssertMayWrite(types.SourceModelInternal, payloadType); err != nil {
		return types.Envelope{}, err
	}

	if err := r.rateLimit(modelCallID); err != nil {
		return types.Envelope{}, err
	}

	return types.Envelope{
		PayloadType: payloadType,
		Payload:     map[string]interface{}{"content": content, "role": role},
		Provenance: types.Provenance{
			SourceClass:     types.SourceModelInternal,
			SourceID:        modelCallID,
			ModelCallID:     modelCallID,
			PromptHash:      promptHash,
			InputProvenance: inputProvenance,
			Timestamp:       r.clock().UTC(),
		},
		EffectClass: proposedEffectClass,
	}, nil
}

func (r *Router) rateLimit(modelCallID string) error {
	if r.limiterRate == 0 {
		return nil
	}
	key := modelCallID
	if key == "" {
		key = "_unknown_"
	}
	lim, ok := r.limiters[key]
	if !ok {
		lim = rate.NewLimiter(r.limiterRate, r.limiterBurst)
		r.limiters[key] = lim
	}
	if !lim.Allow() {
		return rterr.New(rterr.CodeInvalidArgument, "rate limit exceeded for model_call_id "+key)
	}
	return nil
}
