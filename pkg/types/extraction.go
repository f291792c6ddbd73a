// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package types defines the data structures shared by the extraction
// engine, the output writers and the CLI: extractions, documents, few-shot
// examples and run configuration.
package types

import (
	"fmt"
	"sort"
	"strconv"
)

// AttributeSuffix marks the key holding an extraction's attributes in model
// output, e.g. "诊断" and "诊断_attributes".
const AttributeSuffix = "_attributes"

// AlignmentStatus records how an extraction's text was located in the source.
type AlignmentStatus string

const (
	MatchExact   AlignmentStatus = "match_exact"
	MatchGreater AlignmentStatus = "match_greater"
	MatchLesser  AlignmentStatus = "match_lesser"
	MatchFuzzy   AlignmentStatus = "match_fuzzy"
)

// FormatType selects the serialization the model is asked to answer in.
type FormatType string

const (
	FormatJSON FormatType = "json"
	FormatYAML FormatType = "yaml"
)

// ParseFormatType validates a format name.
func ParseFormatType(s string) (FormatType, error) {
	switch FormatType(s) {
	case FormatJSON, FormatYAML:
		return FormatType(s), nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown format %q (want json or yaml)", s)
	}
}

// CharInterval is a half-open range of rune offsets into a document's text.
type CharInterval struct {
	StartPos int `json:"start_pos" yaml:"start_pos"`
	EndPos   int `json:"end_pos" yaml:"end_pos"`
}

// Len returns the number of runes covered.
func (c CharInterval) Len() int {
	return c.EndPos - c.StartPos
}

// Overlaps reports whether two intervals share at least one rune.
func (c CharInterval) Overlaps(o CharInterval) bool {
	return c.StartPos < o.EndPos && o.StartPos < c.EndPos
}

// Extraction is a labeled span of source text with key/value attributes.
// CharInterval and AlignmentStatus stay nil when the text could not be
// located in the source.
type Extraction struct {
	Class           string           `json:"extraction_class" yaml:"extraction_class"`
	Text            string           `json:"extraction_text" yaml:"extraction_text"`
	CharInterval    *CharInterval    `json:"char_interval" yaml:"char_interval,omitempty"`
	AlignmentStatus *AlignmentStatus `json:"alignment_status" yaml:"alignment_status,omitempty"`
	ExtractionIndex int              `json:"extraction_index" yaml:"extraction_index,omitempty"`
	GroupIndex      int              `json:"group_index" yaml:"group_index,omitempty"`
	Description     *string          `json:"description" yaml:"description,omitempty"`

	// Attributes values are either string or []string.
	Attributes map[string]any `json:"attributes" yaml:"attributes,omitempty"`
}

// Aligned reports whether the extraction has a source position.
func (e Extraction) Aligned() bool {
	return e.CharInterval != nil
}

// AttributeKeys returns the attribute names in sorted order.
func (e Extraction) AttributeKeys() []string {
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ExampleData is a few-shot example: a source text and the extractions the
// model is expected to produce for it.
type ExampleData struct {
	Text        string       `json:"text" yaml:"text"`
	Extractions []Extraction `json:"extractions" yaml:"extractions"`
}

// Document is the input to one extraction run.
type Document struct {
	ID   string `json:"document_id" yaml:"document_id"`
	Text string `json:"text" yaml:"text"`
}

// AnnotatedDocument is a document together with the extractions found in it.
// It is the unit written to the results JSONL file.
type AnnotatedDocument struct {
	Extractions []Extraction `json:"extractions" yaml:"extractions"`
	Text        string       `json:"text" yaml:"text"`
	DocumentID  string       `json:"document_id" yaml:"document_id"`
}

// ClassCounts tallies extractions by class.
func (d AnnotatedDocument) ClassCounts() map[string]int {
	counts := make(map[string]int)
	for _, e := range d.Extractions {
		counts[e.Class]++
	}
	return counts
}

// Usage counts tokens consumed by model calls.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens" yaml:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens" yaml:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens" yaml:"total_tokens"`
	Calls            int   `json:"calls" yaml:"calls"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
	u.Calls += o.Calls
}

// NormalizeAttributes coerces attribute values to string or []string.
// Numbers and booleans are stringified; nil values are dropped; nested
// mappings are rejected.
func NormalizeAttributes(attrs map[string]any) (map[string]any, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case []string:
			out[k] = val
		case []any:
			items := make([]string, 0, len(val))
			for i, item := range val {
				s, ok := ScalarString(item)
				if !ok {
					return nil, fmt.Errorf("attribute %q item %d: unsupported value %T", k, i, item)
				}
				items = append(items, s)
			}
			out[k] = items
		default:
			s, ok := ScalarString(val)
			if !ok {
				return nil, fmt.Errorf("attribute %q: unsupported value %T", k, v)
			}
			out[k] = s
		}
	}
	return out, nil
}

// scalarString stringifies the scalar values that JSON and YAML decoders
// produce.
func ScalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return fmt.Sprintf("%t", val), true
	case int:
		return fmt.Sprintf("%d", val), true
	case int64:
		return fmt.Sprintf("%d", val), true
	case uint64:
		return fmt.Sprintf("%d", val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	default:
		return "", false
	}
}
