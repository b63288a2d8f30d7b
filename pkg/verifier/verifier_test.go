package verifier

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latentfields/openclaw/pkg/capabilities"
	"github.com/latentfields/openclaw/pkg/types"
)

const manifestJSON = `{
  "capabilities": [
    {
      "action_class": "WRITE_FILE",
      "effect_class": "reversible",
      "requires_consent": false,
      "allowed_scopes": ["workspace:project"],
      "required_verifiers": [],
      "provenance_bindings": ["input_provenance"]
    },
    {
      "action_class": "SEND_EMAIL",
      "effect_class": "privileged",
      "requires_consent": true,
      "allowed_scopes": ["mailbox:primary"],
      "required_verifiers": [],
      "provenance_bindings": []
    },
    {
      "action_class": "WIPE_DISK",
      "effect_class": "destructive",
      "requires_consent": true,
      "allowed_scopes": ["host:local"],
      "required_verifiers": [],
      "provenance_bindings": []
    }
  ]
}`

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	m, err := capabilities.Load([]byte(manifestJSON))
	require.NoError(t, err)
	return New(m)
}

func TestScenarioHappyPath(t *testing.T) {
	v := newTestVerifier(t)
	req := types.VerificationRequest{
		ActionClass: "WRITE_FILE",
		Scope:       "workspace:project",
		EffectClass: types.EffectReversible,
		RCState:     types.RCNormal,
		RCScore:     0.2,
		Provenance:  types.Provenance{InputProvenance: []string{"test-user-message"}},
	}
	decision := v.Verify(req)
	assert.True(t, decision.Allowed)
	assert.Equal(t, types.ReasonAllowed, decision.Reason)
}

func TestScenarioPrivilegedWithoutConsent(t *testing.T) {
	v := newTestVerifier(t)
	req := types.VerificationRequest{
		ActionClass: "SEND_EMAIL",
		Scope:       "mailbox:primary",
		EffectClass: types.EffectPrivileged,
		RCState:     types.RCNormal,
		RCScore:     0.1,
	}
	decision := v.Verify(req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, types.ReasonConsentRequired, decision.Reason)
}

func TestScenarioLockdownWithConsent(t *testing.T) {
	v := newTestVerifier(t)
	now := time.Now()
	token := types.ConsentToken{ActionClass: "SEND_EMAIL", Scope: "mailbox:primary", IssuedAt: now}
	req := types.VerificationRequest{
		ActionClass:  "SEND_EMAIL",
		Scope:        "mailbox:primary",
		EffectClass:  types.EffectPrivileged,
		RCState:      types.RCLockdown,
		RCScore:      0.95,
		ConsentToken: &token,
	}
	decision := v.Verify(req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, types.ReasonLockdownPostureBlock, decision.Reason)
}

func TestScenarioProvenanceBindingMissing(t *testing.T) {
	v := newTestVerifier(t)
	req := types.VerificationRequest{
		ActionClass: "WRITE_FILE",
		Scope:       "workspace:project",
		EffectClass: types.EffectReversible,
		RCState:     types.RCNormal,
		RCScore:     0.1,
		Provenance:  types.Provenance{},
	}
	decision := v.Verify(req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, types.ReasonProvenanceBindingMissing, decision.Reason)
}

func TestUnknownActionClass(t *testing.T) {
	v := newTestVerifier(t)
	decision := v.Verify(types.VerificationRequest{ActionClass: "NOPE"})
	assert.False(t, decision.Allowed)
	assert.Equal(t, types.ReasonUnknownActionClass, decision.Reason)
}

func TestEffectClassMismatch(t *testing.T) {
	v := newTestVerifier(t)
	req := types.VerificationRequest{
		ActionClass: "WRITE_FILE",
		Scope:       "workspace:project",
		EffectClass: types.EffectDestructive,
		Provenance:  types.Provenance{InputProvenance: []string{"x"}},
	}
	decision := v.Verify(req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, types.ReasonEffectClassMismatch, decision.Reason)
}

func TestScopeNotAllowed(t *testing.T) {
	v := newTestVerifier(t)
	req := types.VerificationRequest{
		ActionClass: "WRITE_FILE",
		Scope:       "workspace:other",
		EffectClass: types.EffectReversible,
		Provenance:  types.Provenance{InputProvenance: []string{"x"}},
	}
	decision := v.Verify(req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, types.ReasonScopeNotAllowed, decision.Reason)
}

func TestRequiredVerifierMissing(t *testing.T) {
	m, err := capabilities.Load([]byte(`{
      "capabilities": [{"action_class": "X", "effect_class": "none", "allowed_scopes": ["s"], "required_verifiers": ["human"]}]
    }`))
	require.NoError(t, err)
	v := New(m)
	decision := v.Verify(types.VerificationRequest{ActionClass: "X", Scope: "s", EffectClass: types.EffectNone})
	assert.False(t, decision.Allowed)
	assert.Equal(t, types.ReasonRequiredVerifierMissing, decision.Reason)
}

func TestDestructiveBlockedInStrictMode(t *testing.T) {
	v := newTestVerifier(t)
	now := time.Now()
	token := types.ConsentToken{ActionClass: "WIPE_DISK", Scope: "host:local", IssuedAt: now}
	req := types.VerificationRequest{
		ActionClass:  "WIPE_DISK",
		Scope:        "host:local",
		EffectClass:  types.EffectDestructive,
		RCState:      types.RCVerify,
		RCScore:      0.7,
		ConsentToken: &token,
	}
	decision := v.Verify(req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, types.ReasonDestructiveBlockedInStrict, decision.Reason)
}

func TestEffectClassMismatchTakesPriorityOverEverythingElse(t *testing.T) {
	v := newTestVerifier(t)
	req := types.VerificationRequest{
		ActionClass: "WRITE_FILE",
		Scope:       "workspace:other", // also wrong, but effect mismatch must win
		EffectClass: types.EffectPrivileged,
	}
	decision := v.Verify(req)
	assert.Equal(t, types.ReasonEffectClassMismatch, decision.Reason)
}

func TestAuditLineEmitted(t *testing.T) {
	var buf bytes.Buffer
	m, err := capabilities.Load([]byte(manifestJSON))
	require.NoError(t, err)
	v := New(m, WithAuditSink(&buf))

	v.Verify(types.VerificationRequest{
		ActionClass: "WRITE_FILE",
		Scope:       "workspace:project",
		EffectClass: types.EffectReversible,
		Provenance:  types.Provenance{InputProvenance: []string{"x"}},
	})

	assert.Contains(t, buf.String(), `"action_class":"WRITE_FILE"`)
	assert.Contains(t, buf.String(), `"allowed":true`)
}
