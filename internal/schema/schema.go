// Package schema derives an output JSON Schema from few-shot examples and
// validates model answers against it.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pdiddy/clinical-extract/pkg/types"
)

// Name identifies the schema in the response_format request field.
const Name = "extraction_results"

// Schema is a compiled output constraint.
type Schema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
	classes  []string
}

// FromExamples builds the schema: an object with an "extractions" array
// whose items may only carry the example classes and their attribute
// groups. Classes lists additional allowed classes.
func FromExamples(examples []types.ExampleData, classes []string) (*Schema, error) {
	attrKeys := make(map[string]map[string]bool)
	addClass := func(c string) {
		if _, ok := attrKeys[c]; !ok {
			attrKeys[c] = make(map[string]bool)
		}
	}
	for _, c := range classes {
		addClass(c)
	}
	for _, ex := range examples {
		for _, ext := range ex.Extractions {
			addClass(ext.Class)
			for k := range ext.Attributes {
				attrKeys[ext.Class][k] = true
			}
		}
	}
	if len(attrKeys) == 0 {
		return nil, fmt.Errorf("no extraction classes to build a schema from")
	}

	names := make([]string, 0, len(attrKeys))
	for c := range attrKeys {
		names = append(names, c)
	}
	sort.Strings(names)

	properties := make(map[string]any, 2*len(names))
	for _, c := range names {
		properties[c] = map[string]any{"type": []string{"string", "number"}}

		attrProps := make(map[string]any)
		for k := range attrKeys[c] {
			attrProps[k] = attributeValueSchema()
		}
		properties[c+types.AttributeSuffix] = map[string]any{
			"type":                 []string{"object", "null"},
			"properties":           attrProps,
			"additionalProperties": attributeValueSchema(),
		}
	}

	doc := map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type":    "object",
		"properties": map[string]any{
			"extractions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"properties":           properties,
					"additionalProperties": false,
					"minProperties":        1,
				},
			},
		},
		"required": []string{"extractions"},
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling schema: %w", err)
	}
	return Compile(raw, names)
}

// attributeValueSchema allows scalars and lists of scalars.
func attributeValueSchema() map[string]any {
	return map[string]any{
		"anyOf": []any{
			map[string]any{"type": []string{"string", "number", "boolean", "null"}},
			map[string]any{
				"type":  "array",
				"items": map[string]any{"type": []string{"string", "number", "boolean"}},
			},
		},
	}
}

// Compile loads a raw schema document.
func Compile(raw json.RawMessage, classes []string) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &Schema{raw: raw, compiled: compiled, classes: classes}, nil
}

// Raw returns the schema document.
func (s *Schema) Raw() json.RawMessage {
	return s.raw
}

// Map returns the schema decoded as a generic map, the shape SDK request
// types expect. The "$schema" keyword is dropped; some OpenAI-compatible
// servers reject it.
func (s *Schema) Map() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(s.raw, &m); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	delete(m, "$schema")
	return m, nil
}

// Classes returns the allowed extraction classes in sorted order.
func (s *Schema) Classes() []string {
	return append([]string(nil), s.classes...)
}

// Validate checks a decoded answer (as produced by encoding/json or YAML
// decoding normalized to JSON types) against the schema.
func (s *Schema) Validate(doc any) error {
	if err := s.compiled.Validate(doc); err != nil {
		return fmt.Errorf("answer does not match schema: %w", err)
	}
	return nil
}

// ValidateJSON decodes raw JSON and validates it.
func (s *Schema) ValidateJSON(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decoding answer for validation: %w", err)
	}
	return s.Validate(doc)
}
