package types

import "time"

// AIConfig holds settings for the model provider.
type AIConfig struct {
	// Provider selects the backend implementation (default "openai").
	Provider string `json:"provider" yaml:"provider"`

	// Model is the model identifier (default "gpt-4o-mini").
	Model string `json:"model" yaml:"model"`

	// APIKey is the authentication key for the provider API.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// BaseURL points the client at an OpenAI-compatible endpoint.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// Temperature is the sampling temperature (default 0).
	Temperature float64 `json:"temperature" yaml:"temperature"`

	// MaxTokens caps completion length; 0 leaves it to the provider.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// MaxRetries is the number of retry attempts for a failed chunk (default 3).
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// Timeout bounds a single HTTP request (default 120s).
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// ExtractionConfig holds settings for the extraction engine.
type ExtractionConfig struct {
	// Format is the answer format requested from the model.
	Format FormatType `json:"format" yaml:"format"`

	// FenceOutput wraps example answers in code fences.
	FenceOutput bool `json:"fence_output" yaml:"fence_output"`

	// UseSchemaConstraints derives a JSON Schema from the examples, sends it
	// with the request and validates the answer against it.
	UseSchemaConstraints bool `json:"use_schema_constraints" yaml:"use_schema_constraints"`

	// MaxCharBuffer is the maximum chunk length in runes (default 1000).
	MaxCharBuffer int `json:"max_char_buffer" yaml:"max_char_buffer"`

	// ExtractionPasses is the number of independent passes (default 1).
	ExtractionPasses int `json:"extraction_passes" yaml:"extraction_passes"`

	// MaxWorkers bounds concurrent chunk requests (default 4).
	MaxWorkers int `json:"max_workers" yaml:"max_workers"`

	// FuzzyThreshold is the minimum token match ratio for a fuzzy alignment
	// (default 0.75).
	FuzzyThreshold float64 `json:"fuzzy_threshold" yaml:"fuzzy_threshold"`

	// AcceptMatchLesser allows partial alignments.
	AcceptMatchLesser bool `json:"accept_match_lesser" yaml:"accept_match_lesser"`

	// AdditionalContext is inserted into the prompt before the examples.
	AdditionalContext string `json:"additional_context,omitempty" yaml:"additional_context,omitempty"`
}

// OutputConfig holds settings for run artifacts.
type OutputConfig struct {
	// Dir is the root under which run directories are created (default "outputs").
	Dir string `json:"dir" yaml:"dir"`

	// Catalog records runs in Dir/catalog.db.
	Catalog bool `json:"catalog" yaml:"catalog"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (default INFO).
	Level string `json:"level" yaml:"level"`
}

// RunConfig groups everything a single run needs.
type RunConfig struct {
	AI         AIConfig         `json:"ai" yaml:"ai"`
	Extraction ExtractionConfig `json:"extraction" yaml:"extraction"`
	Output     OutputConfig     `json:"output" yaml:"output"`
	Log        LogConfig        `json:"log" yaml:"log"`

	// TaskFile replaces the built-in clinical task when set.
	TaskFile string `json:"task_file,omitempty" yaml:"task_file,omitempty"`

	// InputFile replaces only the task's input text when set.
	InputFile string `json:"input_file,omitempty" yaml:"input_file,omitempty"`
}
