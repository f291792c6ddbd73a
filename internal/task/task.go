// Package task defines what a run extracts: the instruction text, the
// few-shot examples and the input document. The built-in clinical task is
// embedded; a YAML file with the same shape can replace it.
package task

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/clinical-extract/pkg/types"
)

//go:embed clinical.yaml
var clinicalYAML []byte

// Task is a prompt description, its examples and the text to extract from.
type Task struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Classes     []string            `yaml:"classes,omitempty"`
	Examples    []types.ExampleData `yaml:"examples"`
	Input       string              `yaml:"input"`
}

// Default returns the built-in clinical task.
func Default() (*Task, error) {
	t, err := Parse(clinicalYAML)
	if err != nil {
		return nil, fmt.Errorf("parsing built-in task: %w", err)
	}
	return t, nil
}

// Load reads a task from a YAML file.
func Load(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing task %s: %w", path, err)
	}
	return t, nil
}

// Parse decodes a task and normalizes its example attributes.
func Parse(data []byte) (*Task, error) {
	var t Task
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	for i := range t.Examples {
		for j := range t.Examples[i].Extractions {
			ext := &t.Examples[i].Extractions[j]
			attrs, err := types.NormalizeAttributes(ext.Attributes)
			if err != nil {
				return nil, fmt.Errorf("example %d extraction %d: %w", i, j, err)
			}
			ext.Attributes = attrs
		}
	}
	return &t, t.Validate()
}

// Resolve returns the task selected by the run configuration: the file
// when taskFile is set, the built-in task otherwise. A non-empty inputFile
// replaces the input text.
func Resolve(taskFile, inputFile string) (*Task, error) {
	var (
		t   *Task
		err error
	)
	if taskFile != "" {
		t, err = Load(taskFile)
	} else {
		t, err = Default()
	}
	if err != nil {
		return nil, err
	}
	if inputFile != "" {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return nil, fmt.Errorf("reading input %s: %w", inputFile, err)
		}
		t.Input = string(data)
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Validate reports structural problems that make the task unusable.
func (t *Task) Validate() error {
	var errs []error
	if strings.TrimSpace(t.Description) == "" {
		errs = append(errs, errors.New("task description is empty"))
	}
	if strings.TrimSpace(t.Input) == "" {
		errs = append(errs, errors.New("task input is empty"))
	}
	for i, ex := range t.Examples {
		if strings.TrimSpace(ex.Text) == "" {
			errs = append(errs, fmt.Errorf("example %d: empty text", i))
		}
		if len(ex.Extractions) == 0 {
			errs = append(errs, fmt.Errorf("example %d: no extractions", i))
		}
		for j, ext := range ex.Extractions {
			if ext.Class == "" {
				errs = append(errs, fmt.Errorf("example %d extraction %d: empty class", i, j))
			}
			if strings.HasSuffix(ext.Class, types.AttributeSuffix) {
				errs = append(errs, fmt.Errorf("example %d extraction %d: class %q must not end in %s", i, j, ext.Class, types.AttributeSuffix))
			}
			if ext.Text == "" {
				errs = append(errs, fmt.Errorf("example %d extraction %d: empty text", i, j))
			}
		}
	}
	return errors.Join(errs...)
}

// Lint returns warnings for examples that would teach the model bad habits:
// extraction text not verbatim in the example, or classes outside the
// declared class list.
func (t *Task) Lint() []string {
	declared := make(map[string]bool, len(t.Classes))
	for _, c := range t.Classes {
		declared[c] = true
	}

	var warnings []string
	for i, ex := range t.Examples {
		for j, ext := range ex.Extractions {
			if !strings.Contains(ex.Text, ext.Text) {
				warnings = append(warnings, fmt.Sprintf("example %d extraction %d: text %q not found verbatim in example text", i, j, ext.Text))
			}
			if len(declared) > 0 && !declared[ext.Class] {
				warnings = append(warnings, fmt.Sprintf("example %d extraction %d: class %q not in declared classes", i, j, ext.Class))
			}
		}
	}
	return warnings
}

// ClassNames returns the declared classes, or the classes used by the
// examples in first-seen order when none are declared.
func (t *Task) ClassNames() []string {
	if len(t.Classes) > 0 {
		return append([]string(nil), t.Classes...)
	}
	seen := make(map[string]bool)
	var names []string
	for _, ex := range t.Examples {
		for _, ext := range ex.Extractions {
			if !seen[ext.Class] {
				seen[ext.Class] = true
				names = append(names, ext.Class)
			}
		}
	}
	return names
}
