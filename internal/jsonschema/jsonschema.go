// Package jsonschema wraps github.com/santhosh-tekuri/jsonschema/v6 compile
// and validate calls behind two small helpers, grounded on
// registry.validatePayloadJSONAgainstSchema's compile-then-validate shape.
package jsonschema

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Compile compiles a JSON Schema document (already decoded into a Go value,
// typically map[string]any) and returns the compiled *jsonschema.Schema.
func Compile(doc any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("jsonschema: add resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("jsonschema: compile: %w", err)
	}
	return schema, nil
}

// Validate compiles schemaDoc and validates value against it in one step.
// A nil or empty schemaDoc is treated as "no schema": validation trivially
// succeeds.
func Validate(schemaDoc any, value any) error {
	if schemaDoc == nil {
		return nil
	}
	if m, ok := schemaDoc.(map[string]any); ok && len(m) == 0 {
		return nil
	}
	schema, err := Compile(schemaDoc)
	if err != nil {
		return err
	}
	return schema.Validate(value)
}

// PropertyNames returns the top-level "properties" keys declared by a JSON
// Schema object, or nil if the schema has none/is malformed — used by the
// virtual tool executor to filter call arguments down to what a bound
// tool's schema actually declares.
func PropertyNames(schemaDoc map[string]any) []string {
	props, ok := schemaDoc["properties"].(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	return names
}
