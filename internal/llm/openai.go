package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/pdiddy/clinical-extract/internal/httputil"
	"github.com/pdiddy/clinical-extract/internal/logging"
	"github.com/pdiddy/clinical-extract/pkg/types"
)

// OpenAIBackend implements Backend with the Chat Completions API.
type OpenAIBackend struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
	logger      *slog.Logger
}

// NewOpenAIBackend creates a Chat Completions backend. The HTTP client logs
// each request and backs off on HTTP 429; SDK-level retries are disabled so
// chunk retries are counted in one place. A nil logger means the logger
// carried by each call's context.
func NewOpenAIBackend(cfg types.AIConfig, logger *slog.Logger) (*OpenAIBackend, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("openai: model is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(httputil.NewClient(timeout, 0, logger)),
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIBackend{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger,
	}, nil
}

func (b *OpenAIBackend) log(ctx context.Context) *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return logging.From(ctx)
}

// Model returns the configured model identifier.
func (b *OpenAIBackend) Model() string {
	return b.model
}

// Infer sends one prompt as a user message.
func (b *OpenAIBackend) Infer(ctx context.Context, req Request) (Response, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(b.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
		Temperature: openai.Float(b.temperature),
	}
	if b.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(b.maxTokens))
	}
	if req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = "extraction_results"
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: req.Schema,
					Strict: openai.Bool(false),
				},
			},
		}
	}

	start := time.Now()
	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, ErrEmptyResponse
	}

	usage := types.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Calls:            1,
	}
	b.log(ctx).Debug("model call complete",
		"model", resp.Model,
		"finish_reason", resp.Choices[0].FinishReason,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
		"elapsed", time.Since(start).Round(time.Millisecond))

	model := resp.Model
	if model == "" {
		model = b.model
	}
	return Response{
		Text:  resp.Choices[0].Message.Content,
		Model: model,
		Usage: usage,
	}, nil
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &StatusError{Provider: ProviderOpenAI, StatusCode: apiErr.StatusCode, Err: err}
	}
	return err
}
