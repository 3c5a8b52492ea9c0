// Package schema defines versioned JSON-schema annotation contracts and the
// validation applied to annotation values at write time.
package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"tessera/runtime/fault"
)

type (
	// AnnotationSchema is a versioned JSON-schema contract describing the
	// structured output expected from an annotation run. Schemas are
	// immutable per (UUID, Version): changing the contract means minting a
	// new version.
	AnnotationSchema struct {
		ID      int64
		UUID    uuid.UUID
		Name    string
		Version int

		// OutputContract is the JSON schema annotation values must satisfy.
		OutputContract map[string]any

		// Instructions is the prompt text given to the model alongside the
		// contract.
		Instructions string

		// FieldJustifications configures which schema fields require
		// per-field justification traces and with what prompt.
		FieldJustifications map[string]JustificationConfig

		// TargetLevel selects which asset level the schema annotates
		// (e.g. "asset", "child").
		TargetLevel string

		InfospaceID int64
		UserID      int64
		CreatedAt   time.Time
	}

	// JustificationConfig tunes justification capture for one field.
	JustificationConfig struct {
		Enabled bool   `json:"enabled"`
		Prompt  string `json:"prompt,omitempty"`
	}

	// Validator compiles output contracts once and validates annotation
	// values against them.
	Validator struct {
		compiled *jsonschema.Schema
	}
)

// New constructs a schema after validating that the output contract is
// itself a valid JSON schema.
func New(name string, version int, contract map[string]any, instructions string, infospaceID, userID int64) (*AnnotationSchema, error) {
	if name == "" {
		return nil, fault.Validation("schema name is required")
	}
	if version <= 0 {
		version = 1
	}
	if _, err := Compile(contract); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "output contract is not a valid JSON schema", err)
	}
	return &AnnotationSchema{
		UUID:           uuid.New(),
		Name:           name,
		Version:        version,
		OutputContract: contract,
		Instructions:   instructions,
		InfospaceID:    infospaceID,
		UserID:         userID,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// Compile compiles a JSON schema document into a validator.
func Compile(contract map[string]any) (*Validator, error) {
	if len(contract) == 0 {
		return nil, fmt.Errorf("schema: output contract is empty")
	}
	// Round-trip through JSON so the compiler sees plain JSON values.
	data, err := json.Marshal(contract)
	if err != nil {
		return nil, fmt.Errorf("schema: marshal contract: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schema: unmarshal contract: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("contract.json", doc); err != nil {
		return nil, fmt.Errorf("schema: add contract resource: %w", err)
	}
	compiled, err := c.Compile("contract.json")
	if err != nil {
		return nil, fmt.Errorf("schema: compile contract: %w", err)
	}
	return &Validator{compiled: compiled}, nil
}

// Validate checks a candidate value against the compiled contract. The
// value must be plain JSON data (maps, slices, strings, numbers, bools).
func (v *Validator) Validate(value any) error {
	// Normalize through JSON so struct values and json.RawMessage inputs
	// validate the same as decoded maps.
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("schema: marshal value: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("schema: unmarshal value: %w", err)
	}
	return v.compiled.Validate(doc)
}

// ValidateValue compiles the schema's contract and validates value against
// it. Callers that validate repeatedly should compile once via Compile.
func (s *AnnotationSchema) ValidateValue(value any) error {
	v, err := Compile(s.OutputContract)
	if err != nil {
		return err
	}
	return v.Validate(value)
}
