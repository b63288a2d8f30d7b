package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latentfields/openclaw/pkg/capabilities"
	"github.com/latentfields/openclaw/pkg/ledger"
	"github.com/latentfields/openclaw/pkg/rc"
	"github.com/latentfields/openclaw/pkg/sandbox"
	"github.com/latentfields/openclaw/pkg/types"
	"github.com/latentfields/openclaw/pkg/verifier"
)

const testManifest = `{
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
    }
  ]
}`

func newTestCycle(t *testing.T) *Cycle {
	t.Helper()

	manifest, err := capabilities.Load([]byte(testManifest))
	require.NoError(t, err)

	h, err := rc.NewHysteresis(rc.DefaultThresholds())
	require.NoError(t, err)

	v := verifier.New(manifest)

	sb, err := sandbox.New(t.TempDir(), sandbox.Policy{AllowedCommands: map[string]bool{"echo": true}})
	require.NoError(t, err)

	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, err)

	return New(h, v, sb, l)
}

func flatSignals(v float64) types.RCConflictSignals {
	return types.RCConflictSignals{
		ProvenanceMismatch:      v,
		IdentityInconsistency:   v,
		TemporalDiscontinuity:   v,
		ToolOutputInconsistency: v,
	}
}

func TestScenarioHappyPathCycle(t *testing.T) {
	c := newTestCycle(t)
	result, err := c.Run(context.Background(), CycleInput{
		ActionClass:   "WRITE_FILE",
		Scope:         "workspace:project",
		EffectClass:   types.EffectReversible,
		Command:       []string{"echo", "runtime_cycle_ok"},
		RCSignals:     flatSignals(0.2),
		Provenance:    types.Provenance{SourceClass: types.SourceUser, SourceID: "test-user-message", InputProvenance: []string{"test-user-message"}},
	})
	require.NoError(t, err)

	assert.True(t, result.Allowed)
	require.NotNil(t, result.Execution)
	assert.Equal(t, 0, result.Execution.ReturnCode)
	assert.Contains(t, result.Execution.Stdout, "runtime_cycle_ok")
	assert.Equal(t, "commit_executed", result.LedgerEntry.Payload["event"])

	ok, _ := c.ledger.VerifyChain()
	assert.True(t, ok)
}

func TestScenarioPrivilegedWithoutConsentCycle(t *testing.T) {
	c := newTestCycle(t)
	result, err := c.Run(context.Background(), CycleInput{
		ActionClass: "SEND_EMAIL",
		Scope:       "mailbox:primary",
		EffectClass: types.EffectPrivileged,
		RCSignals:   flatSignals(0.2),
		Provenance:  types.Provenance{SourceClass: types.SourceUser, SourceID: "s"},
	})
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	assert.Equal(t, types.ReasonConsentRequired, result.Decision.Reason)
	assert.Nil(t, result.CommitToken)
	assert.Nil(t, result.Execution)
	assert.Equal(t, "proposal_rejected", result.LedgerEntry.Payload["event"])
}

func TestScenarioLockdownWithConsentCycle(t *testing.T) {
	c := newTestCycle(t)
	future := time.Now().Add(time.Hour)
	token := &types.ConsentToken{ActionClass: "SEND_EMAIL", Scope: "mailbox:primary", Expiry: &future}

	result, err := c.Run(context.Background(), CycleInput{
		ActionClass:  "SEND_EMAIL",
		Scope:        "mailbox:primary",
		EffectClass:  types.EffectPrivileged,
		RCSignals:    flatSignals(0.95),
		ConsentToken: token,
		Provenance:   types.Provenance{SourceClass: types.SourceUser, SourceID: "s"},
	})
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	assert.Equal(t, types.ReasonLockdownPostureBlock, result.Decision.Reason)
	assert.Equal(t, types.RCLockdown, result.RCState)
}

func TestScenarioProvenanceBindingMissingCycle(t *testing.T) {
	c := newTestCycle(t)
	result, err := c.Run(context.Background(), CycleInput{
		ActionClass: "WRITE_FILE",
		Scope:       "workspace:project",
		EffectClass: types.EffectReversible,
		Command:     []string{"echo", "x"},
		RCSignals:   flatSignals(0.1),
		Provenance:  types.Provenance{SourceClass: types.SourceUser, SourceID: "s"},
	})
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	assert.Equal(t, types.ReasonProvenanceBindingMissing, result.Decision.Reason)
}
