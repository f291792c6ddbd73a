// Package llm sends rendered prompts to a language model and returns the
// raw answer text. Backends are selected by provider name.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/pdiddy/clinical-extract/pkg/types"
)

// Backend abstracts the model API so tests can supply a mock.
type Backend interface {
	Infer(ctx context.Context, req Request) (Response, error)
}

// Request is one prompt sent to a backend.
type Request struct {
	Prompt string

	// Schema, when non-nil, constrains the answer to a JSON Schema.
	Schema map[string]any

	// SchemaName names the schema in the request.
	SchemaName string

	Format types.FormatType
}

// Response is the raw answer for one Request.
type Response struct {
	Text  string
	Model string
	Usage types.Usage
}

// ProviderOpenAI is the default provider. It also serves any
// OpenAI-compatible endpoint through the base URL.
const ProviderOpenAI = "openai"

// ErrUnknownProvider is returned by New for an unregistered provider name.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrEmptyResponse is returned when the API answers without choices.
var ErrEmptyResponse = errors.New("model returned no choices")

// StatusError is a request the API answered with a non-success status.
type StatusError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s request failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a client error that repeating the same
// request cannot fix: any 4xx status except 408 and 429.
func IsPermanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return se.StatusCode >= 400 && se.StatusCode < 500
}

// Factory builds a Backend from configuration.
type Factory func(cfg types.AIConfig, logger *slog.Logger) (Backend, error)

var factories = map[string]Factory{
	ProviderOpenAI: func(cfg types.AIConfig, logger *slog.Logger) (Backend, error) {
		return NewOpenAIBackend(cfg, logger)
	},
}

// Providers returns the registered provider names in sorted order.
func Providers() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the backend registered under name. Names are case-insensitive
// and an empty name selects ProviderOpenAI.
func New(name string, cfg types.AIConfig, logger *slog.Logger) (Backend, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = ProviderOpenAI
	}
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownProvider, name, strings.Join(Providers(), ", "))
	}
	return factory(cfg, logger)
}
