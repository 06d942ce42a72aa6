package profile

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mcalza96/cire-orchestrator/core"
)

// documentSchema rejects unknown top-level keys so typos in profile documents
// fail loudly at load time instead of silently applying defaults. Nested
// sections are validated structurally by the decoder.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["profile_id"],
  "properties": {
    "profile_id": {"type": "string", "minLength": 1},
    "version": {"type": "string"},
    "status": {"enum": ["draft", "active"]},
    "meta": {"type": "object"},
    "identity": {"type": "object"},
    "domain_entities": {"type": "array", "items": {"type": "string"}},
    "router": {"type": "object"},
    "retrieval": {"type": "object"},
    "validation": {"type": "object"},
    "synthesis": {"type": "object"},
    "query_modes": {"type": "object"},
    "capabilities": {"type": "object"},
    "interaction_policy": {"type": "object"}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(documentSchema)))
	if err != nil {
		panic(fmt.Sprintf("profile schema unmarshal: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("profile.schema.json", doc); err != nil {
		panic(fmt.Sprintf("profile schema resource: %v", err))
	}
	schema, err := compiler.Compile("profile.schema.json")
	if err != nil {
		panic(fmt.Sprintf("profile schema compile: %v", err))
	}
	return schema
}

// ValidateDocument checks a raw profile document (already converted to JSON
// bytes) against the schema. Unknown keys are rejected.
func ValidateDocument(raw []byte) error {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return core.NewKernelError("profile.ValidateDocument", "profile", err)
	}
	if err := compiledSchema.Validate(value); err != nil {
		return &core.KernelError{
			Op:   "profile.ValidateDocument",
			Kind: "profile",
			Err:  core.ErrProfileInvalid,
			Message: fmt.Sprintf("profile document rejected: %v", err),
		}
	}
	return nil
}

// DecodeDocument validates then decodes a JSON profile document, applying
// defaults to any omitted section.
func DecodeDocument(raw []byte) (*AgentProfile, error) {
	if err := ValidateDocument(raw); err != nil {
		return nil, err
	}
	var p AgentProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, core.NewKernelError("profile.DecodeDocument", "profile", err)
	}
	return ApplyDefaults(&p), nil
}
