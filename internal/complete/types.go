// Package complete adapts external text-generation models behind a single
// completion port: plain prompt completion and schema-guided structured
// completion.
package complete

import (
	"context"
	"time"
)

// Default completion constants.
const (
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.2
	DefaultTimeout     = 60 * time.Second
	DefaultMaxRetries  = 3
)

// Options configures a single completion call.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	System      string
}

// WithDefaults fills zero-valued fields with package defaults.
func (o Options) WithDefaults() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.Temperature == 0 {
		o.Temperature = DefaultTemperature
	}
	return o
}

// Completer generates text from a prompt, and optionally a typed value from
// a prompt plus a JSON schema.
type Completer interface {
	// Complete returns the raw text completion for prompt.
	Complete(ctx context.Context, prompt string, opts Options) (string, error)

	// CompleteStructured asks the model to answer according to schema and
	// unmarshals the response into out. It returns ok=false (not an error)
	// when the provider's response doesn't parse against schema, so the
	// caller can fall back to regex extraction instead of failing the
	// whole operation.
	CompleteStructured(ctx context.Context, prompt string, schema []byte, out any, opts Options) (ok bool, err error)

	// ModelName returns the model identifier in use.
	ModelName() string

	// Available reports whether the provider is reachable.
	Available(ctx context.Context) bool

	// Close releases resources held by the completer.
	Close() error
}

// ProviderType identifies a concrete Completer implementation.
type ProviderType string

const (
	ProviderOllama    ProviderType = "ollama"
	ProviderAnthropic ProviderType = "anthropic"
)

func (p ProviderType) String() string { return string(p) }
