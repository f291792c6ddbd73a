// Package config resolves the run configuration from .env, the environment,
// an optional config file, the secrets directory and CLI flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/pdiddy/clinical-extract/internal/secrets"
	"github.com/pdiddy/clinical-extract/pkg/types"
)

// Viper keys. Flags are bound to the same keys by the command.
const (
	KeyProvider          = "provider"
	KeyModel             = "model"
	KeyAPIKey            = "api_key"
	KeyBaseURL           = "base_url"
	KeyTemperature       = "temperature"
	KeyMaxTokens         = "max_tokens"
	KeyMaxRetries        = "max_retries"
	KeyTimeout           = "timeout"
	KeyFormat            = "format"
	KeyFenceOutput       = "fence_output"
	KeySchemaConstraints = "use_schema_constraints"
	KeyMaxCharBuffer     = "max_char_buffer"
	KeyPasses            = "extraction_passes"
	KeyMaxWorkers        = "max_workers"
	KeyFuzzyThreshold    = "fuzzy_threshold"
	KeyAcceptLesser      = "accept_match_lesser"
	KeyContext           = "additional_context"
	KeyOutputDir         = "output_dir"
	KeyCatalog           = "catalog"
	KeyLogLevel          = "log_level"
	KeyTask              = "task"
	KeyInput             = "input"
)

// Defaults applied when nothing else sets a value.
const (
	DefaultProvider       = "openai"
	DefaultModel          = "gpt-4o-mini"
	DefaultOutputDir      = "outputs"
	DefaultLogLevel       = "INFO"
	DefaultMaxRetries     = 3
	DefaultMaxCharBuffer  = 1000
	DefaultPasses         = 1
	DefaultMaxWorkers     = 4
	DefaultFuzzyThreshold = 0.75
	DefaultTimeout        = 120 * time.Second
)

// envBindings maps viper keys to environment variable names, in lookup
// order. These names are fixed; they are not derived from a prefix.
var envBindings = map[string][]string{
	KeyAPIKey:    {"OPENAI_API_KEY"},
	KeyBaseURL:   {"OPENAI_BASE_URL", "OPENAI_API_BASE"},
	KeyModel:     {"LLM_MODEL_ID"},
	KeyProvider:  {"LLM_PROVIDER"},
	KeyLogLevel:  {"LOG_LEVEL"},
	KeyOutputDir: {"OUTPUT_DIR"},
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. A missing file is not an error.
// It reports whether at least one file was read.
func LoadDotEnv(paths ...string) (bool, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	loaded := false
	for _, p := range paths {
		err := godotenv.Load(p)
		if err == nil {
			loaded = true
			continue
		}
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return loaded, fmt.Errorf("loading %s: %w", p, err)
	}
	return loaded, nil
}

// SetDefaults registers defaults and environment bindings on v.
func SetDefaults(v *viper.Viper) error {
	v.SetDefault(KeyProvider, DefaultProvider)
	v.SetDefault(KeyModel, DefaultModel)
	v.SetDefault(KeyTemperature, 0.0)
	v.SetDefault(KeyMaxRetries, DefaultMaxRetries)
	v.SetDefault(KeyTimeout, DefaultTimeout)
	v.SetDefault(KeyFormat, string(types.FormatJSON))
	v.SetDefault(KeyFenceOutput, true)
	v.SetDefault(KeySchemaConstraints, true)
	v.SetDefault(KeyMaxCharBuffer, DefaultMaxCharBuffer)
	v.SetDefault(KeyPasses, DefaultPasses)
	v.SetDefault(KeyMaxWorkers, DefaultMaxWorkers)
	v.SetDefault(KeyFuzzyThreshold, DefaultFuzzyThreshold)
	v.SetDefault(KeyAcceptLesser, true)
	v.SetDefault(KeyOutputDir, DefaultOutputDir)
	v.SetDefault(KeyCatalog, true)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("binding %s: %w", key, err)
		}
	}
	return nil
}

// FromViper builds a RunConfig from v, falling back to the secrets map for
// the API key and base URL.
func FromViper(v *viper.Viper, secretValues map[string]string) (types.RunConfig, error) {
	format, err := types.ParseFormatType(strings.ToLower(v.GetString(KeyFormat)))
	if err != nil {
		return types.RunConfig{}, err
	}

	apiKey := v.GetString(KeyAPIKey)
	if apiKey == "" {
		apiKey = secrets.Lookup(secretValues, secrets.OpenAIAPIKey)
	}
	baseURL := v.GetString(KeyBaseURL)
	if baseURL == "" {
		baseURL = secrets.Lookup(secretValues, secrets.OpenAIBaseURL)
	}

	cfg := types.RunConfig{
		AI: types.AIConfig{
			Provider:    strings.ToLower(strings.TrimSpace(v.GetString(KeyProvider))),
			Model:       strings.TrimSpace(v.GetString(KeyModel)),
			APIKey:      apiKey,
			BaseURL:     strings.TrimSpace(baseURL),
			Temperature: v.GetFloat64(KeyTemperature),
			MaxTokens:   v.GetInt(KeyMaxTokens),
			MaxRetries:  v.GetInt(KeyMaxRetries),
			Timeout:     v.GetDuration(KeyTimeout),
		},
		Extraction: types.ExtractionConfig{
			Format:               format,
			FenceOutput:          v.GetBool(KeyFenceOutput),
			UseSchemaConstraints: v.GetBool(KeySchemaConstraints),
			MaxCharBuffer:        v.GetInt(KeyMaxCharBuffer),
			ExtractionPasses:     v.GetInt(KeyPasses),
			MaxWorkers:           v.GetInt(KeyMaxWorkers),
			FuzzyThreshold:       v.GetFloat64(KeyFuzzyThreshold),
			AcceptMatchLesser:    v.GetBool(KeyAcceptLesser),
			AdditionalContext:    v.GetString(KeyContext),
		},
		Output: types.OutputConfig{
			Dir:     v.GetString(KeyOutputDir),
			Catalog: v.GetBool(KeyCatalog),
		},
		Log: types.LogConfig{
			Level: strings.ToUpper(v.GetString(KeyLogLevel)),
		},
		TaskFile:  v.GetString(KeyTask),
		InputFile: v.GetString(KeyInput),
	}

	if err := Validate(cfg); err != nil {
		return types.RunConfig{}, err
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise fail deep inside a run.
func Validate(cfg types.RunConfig) error {
	var errs []error
	if cfg.AI.Model == "" {
		errs = append(errs, errors.New("model must not be empty"))
	}
	if cfg.AI.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries %d must be >= 0", cfg.AI.MaxRetries))
	}
	if cfg.AI.Temperature < 0 || cfg.AI.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature %g out of range [0,2]", cfg.AI.Temperature))
	}
	if cfg.Extraction.MaxCharBuffer <= 0 {
		errs = append(errs, fmt.Errorf("max_char_buffer %d must be > 0", cfg.Extraction.MaxCharBuffer))
	}
	if cfg.Extraction.ExtractionPasses <= 0 {
		errs = append(errs, fmt.Errorf("extraction_passes %d must be > 0", cfg.Extraction.ExtractionPasses))
	}
	if cfg.Extraction.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("max_workers %d must be > 0", cfg.Extraction.MaxWorkers))
	}
	if cfg.Extraction.FuzzyThreshold <= 0 || cfg.Extraction.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("fuzzy_threshold %g out of range (0,1]", cfg.Extraction.FuzzyThreshold))
	}
	if strings.TrimSpace(cfg.Output.Dir) == "" {
		errs = append(errs, errors.New("output_dir must not be empty"))
	}
	return errors.Join(errs...)
}

// MaskKey hides all but the first keep characters of an API key.
func MaskKey(k string, keep int) string {
	if k == "" {
		return "not set"
	}
	if len(k) <= keep {
		return strings.Repeat("*", len(k))
	}
	return k[:keep] + "..." + "****"
}

// OrNotSet returns s, or "not set" when s is empty.
func OrNotSet(s string) string {
	if s == "" {
		return "not set"
	}
	return s
}
