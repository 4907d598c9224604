package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternlabs/docmind/internal/apperr"
)

func testSettings() *Settings {
	return &Settings{
		LLM: LLMConfig{
			DeepSeekAPIKey: Secret("sk-deepseek"),
			OpenAIAPIKey:   Secret("sk-openai"),
			OllamaBaseURL:  "http://localhost:11434",
		},
	}
}

func resolveWith(t *testing.T, provider, model string) (LLMSettings, error) {
	t.Helper()
	d := DefaultDynamic()
	d.LLMProvider = provider
	d.LLMModel = model
	src, err := NewStaticSource(d)
	require.NoError(t, err)
	return NewResolver(testSettings(), src).Resolve()
}

func TestResolveDeepSeek(t *testing.T) {
	got, err := resolveWith(t, "deepseek", "deepseek-chat")
	require.NoError(t, err)

	assert.Equal(t, "deepseek", got.Provider)
	assert.Equal(t, "deepseek-chat", got.Model)
	assert.Equal(t, "https://api.deepseek.com/v1", got.BaseURL)
	assert.Equal(t, "sk-deepseek", got.APIKey.Value())
}

func TestResolveOpenAI(t *testing.T) {
	got, err := resolveWith(t, "openai", "gpt-4o-mini")
	require.NoError(t, err)

	assert.Equal(t, "https://api.openai.com/v1", got.BaseURL)
	assert.Equal(t, "sk-openai", got.APIKey.Value())
}

func TestResolveOllama(t *testing.T) {
	got, err := resolveWith(t, "ollama", "llama3")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:11434/v1", got.BaseURL)
	assert.Equal(t, "ollama", got.APIKey.Value())
}

func TestResolveUnknownProvider(t *testing.T) {
	_, err := resolveWith(t, "anthropic", "claude")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}
