// Package prompt renders the few-shot question/answer prompt sent to the
// model for each chunk of the input document.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/clinical-extract/pkg/types"
)

// ExtractionsKey is the top-level key of every answer.
const ExtractionsKey = "extractions"

// promptTmpl lays out the instruction, optional context, the worked examples
// and finally the question for the current chunk.
var promptTmpl = template.Must(template.New("extraction").Parse(`{{.Description}}
{{if .Context}}
{{.Context}}
{{end}}{{if .Examples}}
Examples
{{range .Examples}}Q: {{.Question}}
A: {{.Answer}}

{{end}}{{end}}Q: {{.Question}}
A: `))

// Builder renders prompts for one task. It is safe for concurrent use once
// constructed.
type Builder struct {
	description string
	context     string
	format      types.FormatType
	fence       bool
	examples    []renderedExample
}

type renderedExample struct {
	Question string
	Answer   string
}

// NewBuilder pre-renders the example answers.
func NewBuilder(description string, examples []types.ExampleData, cfg types.ExtractionConfig) (*Builder, error) {
	format := cfg.Format
	if format == "" {
		format = types.FormatJSON
	}
	b := &Builder{
		description: strings.TrimSpace(description),
		context:     strings.TrimSpace(cfg.AdditionalContext),
		format:      format,
		fence:       cfg.FenceOutput,
	}
	for i, ex := range examples {
		answer, err := FormatAnswer(ex.Extractions, format, cfg.FenceOutput)
		if err != nil {
			return nil, fmt.Errorf("formatting example %d: %w", i, err)
		}
		b.examples = append(b.examples, renderedExample{
			Question: ex.Text,
			Answer:   answer,
		})
	}
	return b, nil
}

// Render returns the full prompt for one chunk of input text.
func (b *Builder) Render(question string) (string, error) {
	var buf bytes.Buffer
	err := promptTmpl.Execute(&buf, struct {
		Description string
		Context     string
		Examples    []renderedExample
		Question    string
	}{
		Description: b.description,
		Context:     b.context,
		Examples:    b.examples,
		Question:    question,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Format returns the answer format the builder asks for.
func (b *Builder) Format() types.FormatType {
	return b.format
}

// AnswerItems converts extractions to the wire shape of an answer:
// one mapping per extraction with "<class>" and "<class>_attributes".
func AnswerItems(extractions []types.Extraction) []map[string]any {
	items := make([]map[string]any, 0, len(extractions))
	for _, ext := range extractions {
		item := map[string]any{ext.Class: ext.Text}
		if len(ext.Attributes) > 0 {
			item[ext.Class+types.AttributeSuffix] = ext.Attributes
		}
		items = append(items, item)
	}
	return items
}

// FormatAnswer serializes extractions as an answer in the given format,
// optionally inside a code fence.
func FormatAnswer(extractions []types.Extraction, format types.FormatType, fence bool) (string, error) {
	payload := map[string]any{ExtractionsKey: AnswerItems(extractions)}

	var body string
	switch format {
	case types.FormatJSON:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			return "", fmt.Errorf("encoding JSON answer: %w", err)
		}
		body = strings.TrimRight(buf.String(), "\n")
	case types.FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(payload); err != nil {
			return "", fmt.Errorf("encoding YAML answer: %w", err)
		}
		if err := enc.Close(); err != nil {
			return "", fmt.Errorf("encoding YAML answer: %w", err)
		}
		body = strings.TrimRight(buf.String(), "\n")
	default:
		return "", fmt.Errorf("unsupported format %q", format)
	}

	if !fence {
		return body, nil
	}
	return fmt.Sprintf("```%s\n%s\n```", format, body), nil
}
