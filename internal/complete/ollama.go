package complete

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// OllamaConfig configures the Ollama completion adapter.
type OllamaConfig struct {
	Host       string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// DefaultOllamaConfig returns sane defaults for local Ollama completion.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		Host:       "http://localhost:11434",
		Model:      "qwen3:0.6b",
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
	}
}

// OllamaCompleter completes prompts against a local Ollama server's
// /api/generate endpoint.
type OllamaCompleter struct {
	client *http.Client
	config OllamaConfig
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllamaCompleter creates a new Ollama-backed completer.
func NewOllamaCompleter(cfg OllamaConfig) *OllamaCompleter {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaConfig().Host
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaConfig().Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	return &OllamaCompleter{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
	}
}

// Complete generates a completion for prompt using Ollama's /api/generate.
func (o *OllamaCompleter) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	opts = opts.WithDefaults()
	model := opts.Model
	if model == "" {
		model = o.config.Model
	}

	reqBody := ollamaGenerateRequest{
		Model:  model,
		Prompt: prompt,
		System: opts.System,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
		},
	}

	response, err := o.generateWithRetry(ctx, reqBody)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response), nil
}

// CompleteStructured prompts the model to emit JSON conforming to schema and
// unmarshals the response into out. Ollama has no native structured-output
// guarantee, so the schema is embedded in the prompt and the response is
// best-effort parsed: a malformed response returns ok=false, nil rather than
// an error.
func (o *OllamaCompleter) CompleteStructured(ctx context.Context, prompt string, schema []byte, out any, opts Options) (bool, error) {
	structuredPrompt := fmt.Sprintf(
		"%s\n\nRespond with ONLY valid JSON matching this schema, no preamble or code fences:\n%s",
		prompt, string(schema),
	)

	text, err := o.Complete(ctx, structuredPrompt, opts)
	if err != nil {
		return false, err
	}

	text = stripJSONFences(text)
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return false, nil
	}
	return true, nil
}

func (o *OllamaCompleter) generateWithRetry(ctx context.Context, req ollamaGenerateRequest) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 8 * time.Second
	b.Multiplier = 2.0
	b.MaxElapsedTime = 0

	attempts := 0
	var lastErr error
	var result string

	operation := func() error {
		attempts++
		resp, err := o.generate(ctx, req)
		if err == nil {
			result = resp
			return nil
		}

		lastErr = err
		if !isRetryableOllamaErr(err) || attempts > o.config.MaxRetries {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("ollama completion failed after %d attempts: %w", attempts, lastErr)
	}
	return result, nil
}

func (o *OllamaCompleter) generate(ctx context.Context, req ollamaGenerateRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := o.config.Host + "/api/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var genResp ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return genResp.Response, nil
}

func isRetryableOllamaErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "status 429") || strings.Contains(err.Error(), "status 5")
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Available checks whether the Ollama server is reachable.
func (o *OllamaCompleter) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.config.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// ModelName returns the configured model identifier.
func (o *OllamaCompleter) ModelName() string { return o.config.Model }

// Close is a no-op for the HTTP-backed completer.
func (o *OllamaCompleter) Close() error { return nil }

func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
