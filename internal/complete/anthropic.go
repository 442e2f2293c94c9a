package complete

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
)

// AnthropicConfig configures the Anthropic completion adapter.
type AnthropicConfig struct {
	Model       string
	APIKeyEnv   string
	MaxRetries  int
	MaxTokens   int
	Temperature float64
}

// DefaultAnthropicConfig returns sane defaults for the Anthropic adapter.
func DefaultAnthropicConfig() AnthropicConfig {
	return AnthropicConfig{
		Model:       "claude-haiku-4-5",
		APIKeyEnv:   "ANTHROPIC_API_KEY",
		MaxRetries:  DefaultMaxRetries,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
	}
}

var errAPIKeyRequired = errors.New("anthropic: API key required")

// AnthropicCompleter completes prompts against the Anthropic Messages API.
type AnthropicCompleter struct {
	client anthropic.Client
	config AnthropicConfig
}

// NewAnthropicCompleter creates a new Anthropic-backed completer. The API key
// is read from the environment variable named by cfg.APIKeyEnv. Extra client
// options (e.g. option.WithBaseURL for tests) can be supplied via opts.
func NewAnthropicCompleter(cfg AnthropicConfig, opts ...option.RequestOption) (*AnthropicCompleter, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicConfig().Model
	}
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = DefaultAnthropicConfig().APIKeyEnv
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set %s", errAPIKeyRequired, cfg.APIKeyEnv)
	}

	clientOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicCompleter{
		client: anthropic.NewClient(clientOpts...),
		config: cfg,
	}, nil
}

// Complete generates a completion for prompt via the Anthropic Messages API.
func (a *AnthropicCompleter) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	opts = opts.WithDefaults()
	model := opts.Model
	if model == "" {
		model = a.config.Model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(opts.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.System}}
	}

	message, err := a.callWithRetry(ctx, params)
	if err != nil {
		return "", err
	}
	if len(message.Content) == 0 {
		return "", fmt.Errorf("anthropic: empty response content")
	}
	content := message.Content[0]
	if content.Type != "text" {
		return "", fmt.Errorf("anthropic: unexpected content block type %q", content.Type)
	}
	return strings.TrimSpace(content.Text), nil
}

// CompleteStructured prompts Claude to answer according to schema and parses
// the response as JSON. Returns ok=false (not an error) on a malformed
// response so the caller can fall back to regex extraction.
func (a *AnthropicCompleter) CompleteStructured(ctx context.Context, prompt string, schema []byte, out any, opts Options) (bool, error) {
	structuredPrompt := fmt.Sprintf(
		"%s\n\nRespond with ONLY valid JSON matching this schema, no preamble or code fences:\n%s",
		prompt, string(schema),
	)

	text, err := a.Complete(ctx, structuredPrompt, opts)
	if err != nil {
		return false, err
	}

	text = stripJSONFences(text)
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return false, nil
	}
	return true, nil
}

func (a *AnthropicCompleter) callWithRetry(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 16 * time.Second
	b.Multiplier = 2.0
	b.MaxElapsedTime = 0

	attempts := 0
	var lastErr error
	var result *anthropic.Message

	operation := func() error {
		attempts++
		message, err := a.client.Messages.New(ctx, params)
		if err == nil {
			result = message
			return nil
		}

		lastErr = err
		if !isRetryableAnthropicErr(err) || attempts > a.config.MaxRetries {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("anthropic completion failed after %d attempts: %w", attempts, lastErr)
	}
	return result, nil
}

func isRetryableAnthropicErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

// Available reports whether a request would have a usable API key. It does
// not make a network call, since a cheap health probe isn't part of the
// Anthropic API surface.
func (a *AnthropicCompleter) Available(ctx context.Context) bool {
	return os.Getenv(a.config.APIKeyEnv) != ""
}

// ModelName returns the configured model identifier.
func (a *AnthropicCompleter) ModelName() string { return a.config.Model }

// Close is a no-op; the Anthropic client holds no resources to release.
func (a *AnthropicCompleter) Close() error { return nil }
