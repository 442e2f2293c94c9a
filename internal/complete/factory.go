package complete

import (
	"context"
	"fmt"
	"strings"
)

// NewCompleter builds a Completer for the given provider and model.
func NewCompleter(ctx context.Context, provider ProviderType, model string, maxTokens int, temperature float64, ollamaHost, anthropicAPIKeyEnv string) (Completer, error) {
	switch provider {
	case ProviderAnthropic:
		cfg := DefaultAnthropicConfig()
		if model != "" {
			cfg.Model = model
		}
		if anthropicAPIKeyEnv != "" {
			cfg.APIKeyEnv = anthropicAPIKeyEnv
		}
		if maxTokens > 0 {
			cfg.MaxTokens = maxTokens
		}
		if temperature > 0 {
			cfg.Temperature = temperature
		}
		return NewAnthropicCompleter(cfg)

	case ProviderOllama:
		cfg := DefaultOllamaConfig()
		if model != "" {
			cfg.Model = model
		}
		if ollamaHost != "" {
			cfg.Host = ollamaHost
		}
		return NewOllamaCompleter(cfg), nil

	default:
		return nil, fmt.Errorf("complete: unknown provider %q", provider)
	}
}

// ParseProvider converts a string to a ProviderType, defaulting to Ollama for
// unrecognized values.
func ParseProvider(s string) ProviderType {
	switch strings.ToLower(s) {
	case "anthropic":
		return ProviderAnthropic
	case "ollama":
		return ProviderOllama
	default:
		return ProviderOllama
	}
}
