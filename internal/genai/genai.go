// Package genai provides the LLM client adapter for schema generation using
// the OpenAI chat completions API.
//
// The adapter sends a full conversation transcript and returns the raw text
// completion. It surfaces rate-limit and model-unavailable rejections as
// distinct errors and never retries internally; retry policy belongs to the
// orchestrator.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/formweaver/formweaver/internal/models"
)

// Default generation parameters, matching the JSON-only schema persona.
const (
	// DefaultModel is the chat model used unless overridden.
	DefaultModel = openai.ChatModelGPT4oMini
	// DefaultTemperature keeps output deterministic enough to parse.
	DefaultTemperature = 0.2
	// DefaultMaxTokens bounds the completion size; schemas are small.
	DefaultMaxTokens = 1000
)

// Error variables for distinguishable failure modes.
var (
	// ErrRateLimited indicates the upstream API rejected the request with a
	// rate-limit response (HTTP 429). Retryable with backoff.
	ErrRateLimited = errors.New("rate limited by AI service")
	// ErrModelUnavailable indicates the configured model is missing or
	// decommissioned. Not retryable.
	ErrModelUnavailable = errors.New("model unavailable or decommissioned")
	// ErrNoChoicesReturned indicates the API returned an empty choice list.
	ErrNoChoicesReturned = errors.New("no choices returned")
)

// ClientInterface defines the operations the orchestrator needs from the LLM
// adapter, allowing substitutable fakes in tests.
type ClientInterface interface {
	Complete(ctx context.Context, transcript []models.ConversationTurn, strict bool) (string, error)
}

// completionService is the minimal chat-completions surface, mockable in tests.
type completionService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for GenAI client construction.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Option configures GenAI client construction.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature overrides the non-strict sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens overrides the output token ceiling.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// Client wraps the OpenAI chat completion service for schema generation.
type Client struct {
	chat        completionService
	model       string
	temperature float64
	maxTokens   int64
}

// NewClient initializes a GenAI client. The API key comes from options or the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: client initialized", "model", cfg.Model, "baseURL_set", cfg.BaseURL != "")
	return &Client{
		chat:        &cli.Chat.Completions,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// Complete sends the transcript and returns the raw text completion. In
// strict mode (validation retries) the temperature drops to zero so the model
// stops improvising.
func (c *Client) Complete(ctx context.Context, transcript []models.ConversationTurn, strict bool) (string, error) {
	temperature := c.temperature
	if strict {
		temperature = 0
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(transcript))
	for _, turn := range transcript {
		switch turn.Role {
		case models.RoleSystem:
			messages = append(messages, openai.SystemMessage(turn.Content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}

	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(temperature),
		MaxTokens:   openai.Int(c.maxTokens),
	})
	if err != nil {
		return "", classifyError(err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("genai.Complete: empty choice list from API", "model", c.model)
		return "", ErrNoChoicesReturned
	}
	slog.Debug("genai.Complete: completion received", "model", c.model, "strict", strict, "length", len(resp.Choices[0].Message.Content))
	return resp.Choices[0].Message.Content, nil
}

// classifyError maps API failures onto the adapter's typed errors so the
// orchestrator can pick the right retry policy.
func classifyError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apierr.StatusCode == 404,
			apierr.Code == "model_not_found",
			apierr.Code == "model_decommissioned":
			return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}
	}
	return fmt.Errorf("chat completion request failed: %w", err)
}
