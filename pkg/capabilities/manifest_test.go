package capabilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latentfields/openclaw/pkg/types"
)

const sampleManifest = `{
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
      "required_verifiers": ["human_review"],
      "provenance_bindings": []
    },
    {
      "action_class": "WRITE_FILE",
      "effect_class": "privileged",
      "requires_consent": true,
      "allowed_scopes": ["workspace:project"],
      "required_verifiers": [],
      "provenance_bindings": []
    }
  ]
}`

func TestLoadParsesRecords(t *testing.T) {
	m, err := Load([]byte(sampleManifest))
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	cap, ok := m.Lookup("SEND_EMAIL")
	require.True(t, ok)
	assert.Equal(t, types.EffectPrivileged, cap.EffectClass)
	assert.True(t, cap.RequiresConsent)
	assert.True(t, cap.AllowedScopes["mailbox:primary"])
	assert.True(t, cap.RequiredVerifiers["human_review"])
}

func TestLoadDuplicateActionClassLastWins(t *testing.T) {
	m, err := Load([]byte(sampleManifest))
	require.NoError(t, err)

	cap, ok := m.Lookup("WRITE_FILE")
	require.True(t, ok)
	assert.Equal(t, types.EffectPrivileged, cap.EffectClass, "the second WRITE_FILE record must win")
	assert.True(t, cap.RequiresConsent)
}

func TestLoadRejectsInvalidSchema(t *testing.T) {
	_, err := Load([]byte(`{"capabilities": [{"action_class": "X"}]}`))
	require.Error(t, err)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	_, err := Load([]byte(`not json`))
	require.Error(t, err)
}

func TestLoadUnknownActionClass(t *testing.T) {
	m, err := Load([]byte(sampleManifest))
	require.NoError(t, err)
	_, ok := m.Lookup("DELETE_DATABASE")
	assert.False(t, ok)
}
