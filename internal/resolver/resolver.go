// Package resolver turns raw model output into typed extractions. It
// tolerates code fences and prose around the payload, and accepts either
// JSON or YAML answers.
package resolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/clinical-extract/pkg/types"
)

// ErrEmptyOutput is returned when the model produced no text.
var ErrEmptyOutput = errors.New("empty model output")

// ErrMalformedOutput wraps every parse or shape failure. Callers retry on it.
var ErrMalformedOutput = errors.New("malformed model output")

// Parse decodes the model text into a generic tree with JSON-compatible
// types. format selects which decoder is tried first on every candidate;
// the other is used as a fallback only when no candidate decodes.
func Parse(content string, format types.FormatType) (any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyOutput
	}

	candidates := []string{}
	if stripped := stripCodeFences(content); stripped != "" {
		candidates = append(candidates, stripped)
	}
	candidates = append(candidates, content)
	if extracted := extractJSONCandidate(content); extracted != "" {
		candidates = append(candidates, extracted)
	}

	decoders := []func(string) (any, error){decodeJSON, decodeYAML}
	if format == types.FormatYAML {
		decoders = []func(string) (any, error){decodeYAML, decodeJSON}
	}

	seen := make(map[string]struct{}, len(candidates))
	unique := candidates[:0]
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		unique = append(unique, candidate)
	}

	var lastErr error
	for _, decode := range decoders {
		for _, candidate := range unique {
			doc, err := decode(candidate)
			if err != nil {
				lastErr = err
				continue
			}
			// A bare YAML scalar is valid YAML but never a valid answer.
			switch doc.(type) {
			case map[string]any, []any:
				return doc, nil
			}
			lastErr = fmt.Errorf("unexpected top-level %T", doc)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, lastErr)
}

func decodeJSON(s string) (any, error) {
	var doc any
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeYAML(s string) (any, error) {
	var doc any
	if err := yaml.Unmarshal([]byte(s), &doc); err != nil {
		return nil, err
	}
	return normalizeYAML(doc), nil
}

// normalizeYAML converts YAML-specific container types to the JSON shapes
// used everywhere else.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeYAML(item)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeYAML(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return val
	}
}

// Items returns the list of extraction mappings from a parsed answer: the
// "extractions" list of an object, or a bare list.
func Items(doc any) ([]map[string]any, error) {
	var list []any
	switch d := doc.(type) {
	case map[string]any:
		raw, ok := d["extractions"]
		if !ok {
			return nil, fmt.Errorf("%w: missing \"extractions\" key", ErrMalformedOutput)
		}
		if raw == nil {
			return nil, nil
		}
		l, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: \"extractions\" is %T, want list", ErrMalformedOutput, raw)
		}
		list = l
	case []any:
		list = d
	default:
		return nil, fmt.Errorf("%w: top-level %T", ErrMalformedOutput, doc)
	}

	items := make([]map[string]any, 0, len(list))
	for i, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: item %d is %T, want mapping", ErrMalformedOutput, i, raw)
		}
		items = append(items, m)
	}
	return items, nil
}

// Resolve parses content and converts every item to extractions. Within an
// item, keys ending in "_attributes" attach to the class named by their
// prefix; every other key is a class whose value is the extraction text.
// ExtractionIndex counts from 1 across the answer; GroupIndex is the item's
// position.
func Resolve(content string, format types.FormatType) ([]types.Extraction, error) {
	doc, err := Parse(content, format)
	if err != nil {
		return nil, err
	}
	return FromDocument(doc)
}

// FromDocument converts an already parsed answer.
func FromDocument(doc any) ([]types.Extraction, error) {
	items, err := Items(doc)
	if err != nil {
		return nil, err
	}

	var out []types.Extraction
	index := 0
	for group, item := range items {
		exts, err := fromItem(item, group)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformedOutput, group, err)
		}
		for _, ext := range exts {
			index++
			ext.ExtractionIndex = index
			out = append(out, ext)
		}
	}
	return out, nil
}

func fromItem(item map[string]any, group int) ([]types.Extraction, error) {
	// Sorted keys keep output deterministic when an item carries several
	// classes.
	keys := make([]string, 0, len(item))
	for k := range item {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []types.Extraction
	for _, key := range keys {
		if strings.HasSuffix(key, types.AttributeSuffix) {
			class := strings.TrimSuffix(key, types.AttributeSuffix)
			if _, ok := item[class]; !ok {
				return nil, fmt.Errorf("attributes %q without class %q", key, class)
			}
			continue
		}

		text, ok := types.ScalarString(item[key])
		if !ok {
			return nil, fmt.Errorf("class %q: text is %T, want string", key, item[key])
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		attrs, err := attributes(item[key+types.AttributeSuffix])
		if err != nil {
			return nil, fmt.Errorf("class %q: %w", key, err)
		}

		out = append(out, types.Extraction{
			Class:      key,
			Text:       text,
			GroupIndex: group,
			Attributes: attrs,
		})
	}
	return out, nil
}

// attributes accepts a mapping, null, or a list of mappings. A list is
// merged into one mapping; repeated keys collect their values into a list.
func attributes(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return types.NormalizeAttributes(v)
	case []any:
		merged := make(map[string]any)
		for i, entry := range v {
			m, ok := entry.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("attributes item %d is %T, want mapping", i, entry)
			}
			norm, err := types.NormalizeAttributes(m)
			if err != nil {
				return nil, err
			}
			for k, val := range norm {
				merged[k] = appendValue(merged[k], val)
			}
		}
		if len(merged) == 0 {
			return nil, nil
		}
		return merged, nil
	default:
		return nil, fmt.Errorf("attributes are %T, want mapping", raw)
	}
}

func appendValue(existing, next any) any {
	if existing == nil {
		return next
	}
	var out []string
	switch e := existing.(type) {
	case string:
		out = append(out, e)
	case []string:
		out = append(out, e...)
	}
	switch n := next.(type) {
	case string:
		out = append(out, n)
	case []string:
		out = append(out, n...)
	}
	return out
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "```")
	if start < 0 {
		return ""
	}
	rest := trimmed[start+3:]

	// Drop the language tag line.
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return ""
	}
	rest = rest[nl+1:]

	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// extractJSONCandidate returns the first complete JSON object or array in
// content. Text after the value is ignored even when it holds more
// brackets. When no complete value decodes, the span from the first open
// bracket to the last matching close bracket is returned for the decoders
// to report on.
func extractJSONCandidate(content string) string {
	trimmed := strings.TrimSpace(content)
	first := strings.IndexAny(trimmed, "{[")
	if first < 0 {
		return ""
	}

	for start := first; start >= 0; {
		dec := json.NewDecoder(strings.NewReader(trimmed[start:]))
		var v any
		if err := dec.Decode(&v); err == nil {
			return trimmed[start : start+int(dec.InputOffset())]
		}
		next := strings.IndexAny(trimmed[start+1:], "{[")
		if next < 0 {
			break
		}
		start += next + 1
	}

	closeChar := "}"
	if trimmed[first] == '[' {
		closeChar = "]"
	}
	end := strings.LastIndex(trimmed, closeChar)
	if end < first {
		return ""
	}
	return strings.TrimSpace(trimmed[first : end+1])
}
