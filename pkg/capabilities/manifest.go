// Package capabilities loads the capability manifest — the external JSON
// document binding each action class to its mandated effect class, scope
// set, required-verifier labels, consent requirement, and provenance
// bindings.
package capabilities

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/latentfields/openclaw/pkg/rterr"
	"github.com/latentfields/openclaw/pkg/types"
)

// manifestSchema is the Draft 2020-12 JSON Schema a capability manifest
// document must satisfy before its records are parsed.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["capabilities"],
  "properties": {
    "capabilities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["action_class", "effect_class"],
        "properties": {
          "action_class": {"type": "string", "minLength": 1},
          "effect_class": {"enum": ["none", "reversible", "privileged", "destructive"]},
          "requires_consent": {"type": "boolean"},
          "allowed_scopes": {"type": "array", "items": {"type": "string"}},
          "required_verifiers": {"type": "array", "items": {"type": "string"}},
          "provenance_bindings": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

// record mirrors the on-disk JSON shape of one capability entry.
type record struct {
	ActionClass        string   `json:"action_class"`
	EffectClass        string   `json:"effect_class"`
	RequiresConsent    bool     `json:"requires_consent"`
	AllowedScopes      []string `json:"allowed_scopes"`
	RequiredVerifiers  []string `json:"required_verifiers"`
	ProvenanceBindings []string `json:"provenance_bindings"`
}

type document struct {
	Capabilities []record `json:"capabilities"`
}

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("openclaw://capability-manifest.json", strings.NewReader(manifestSchema)); err != nil {
		panic(fmt.Sprintf("capabilities: invalid embedded schema: %v", err))
	}
	schema, err := compiler.Compile("openclaw://capability-manifest.json")
	if err != nil {
		panic(fmt.Sprintf("capabilities: schema compile failed: %v", err))
	}
	return schema
}

// Manifest is the parsed, immutable set of capability records, keyed by
// action class.
type Manifest struct {
	byActionClass map[string]types.Capability
}

// Load parses and validates a capability manifest document. Duplicate
// action classes: last one wins.
func Load(raw []byte) (*Manifest, error) {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, rterr.Wrap(rterr.CodeInvalidArgument, "capability manifest is not valid JSON", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, rterr.Wrap(rterr.CodeInvalidArgument, "capability manifest failed schema validation", err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, rterr.Wrap(rterr.CodeInvalidArgument, "capability manifest decode failed", err)
	}

	m := &Manifest{byActionClass: make(map[string]types.Capability, len(doc.Capabilities))}
	for _, r := range doc.Capabilities {
		cap := types.Capability{
			ActionClass:        r.ActionClass,
			EffectClass:        types.EffectClass(r.EffectClass),
			RequiresConsent:    r.RequiresConsent,
			AllowedScopes:      toSet(r.AllowedScopes),
			RequiredVerifiers:  toSet(r.RequiredVerifiers),
			ProvenanceBindings: toSet(r.ProvenanceBindings),
		}
		m.byActionClass[r.ActionClass] = cap // last one wins
	}
	return m, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// Lookup returns the capability record for an action class, and whether
// it was found.
func (m *Manifest) Lookup(actionClass string) (types.Capability, bool) {
	c, ok := m.byActionClass[actionClass]
	return c, ok
}

// Len returns the number of distinct action classes in the manifest.
func (m *Manifest) Len() int {
	return len(m.byActionClass)
}
