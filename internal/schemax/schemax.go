// Package schemax compiles and applies JSON schemas used by the event and
// endpoint catalogs. Schemas are authored as map[string]any literals and
// compiled once at registry construction; validation happens on raw message
// bytes at API boundaries.
package schemax

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Compile turns a schema literal into a compiled validator.
func Compile(name string, schema map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := compiler.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return compiled, nil
}

// MustCompile is Compile for static catalog tables; it panics on authoring
// mistakes, which are unreachable at runtime.
func MustCompile(name string, schema map[string]any) *jsonschema.Schema {
	compiled, err := Compile(name, schema)
	if err != nil {
		panic(err)
	}
	return compiled
}

// ValidateBytes checks raw JSON against a compiled schema. A nil schema
// accepts anything.
func ValidateBytes(schema *jsonschema.Schema, data []byte) error {
	if schema == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(doc)
}

// ValidateValue checks an already-decoded value against a compiled schema.
// The value is round-tripped through JSON so struct inputs validate the same
// way their wire form would.
func ValidateValue(schema *jsonschema.Schema, value any) error {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return ValidateBytes(schema, data)
}
