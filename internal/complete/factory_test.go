package complete

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProvider(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  ProviderType
	}{
		{"anthropic lowercase", "anthropic", ProviderAnthropic},
		{"anthropic uppercase", "ANTHROPIC", ProviderAnthropic},
		{"ollama lowercase", "ollama", ProviderOllama},
		{"unknown defaults to ollama", "gemini", ProviderOllama},
		{"empty defaults to ollama", "", ProviderOllama},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseProvider(tt.input))
		})
	}
}

func TestNewCompleter_Ollama_ReturnsOllamaCompleter(t *testing.T) {
	c, err := NewCompleter(context.Background(), ProviderOllama, "qwen3:0.6b", 0, 0, "", "")
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "qwen3:0.6b", c.ModelName())
}

func TestNewCompleter_Anthropic_RequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewCompleter(context.Background(), ProviderAnthropic, "", 0, 0, "", "ANTHROPIC_API_KEY")
	require.Error(t, err)
}

func TestNewCompleter_Anthropic_WithAPIKey_Succeeds(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	c, err := NewCompleter(context.Background(), ProviderAnthropic, "claude-haiku-4-5", 0, 0, "", "")
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "claude-haiku-4-5", c.ModelName())
}

func TestNewCompleter_UnknownProvider_ReturnsError(t *testing.T) {
	_, err := NewCompleter(context.Background(), ProviderType("gemini"), "", 0, 0, "", "")
	require.Error(t, err)
}
