package config

import (
	"fmt"

	"github.com/lanternlabs/docmind/internal/apperr"
)

// Provider base URLs. Ollama's URL comes from static settings instead.
const (
	deepseekBaseURL = "https://api.deepseek.com/v1"
	openaiBaseURL   = "https://api.openai.com/v1"
)

// LLMSettings is the resolved connection snapshot for one chat call: which
// provider and model to talk to, where, and with what credential.
type LLMSettings struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   Secret
}

// Resolver produces an LLMSettings snapshot. Callers resolve once per call
// and never re-read mid-call, so an in-flight request is unaffected by
// concurrent configuration changes.
type Resolver interface {
	Resolve() (LLMSettings, error)
}

// llmResolver combines static settings (credentials, addresses) with the
// dynamic snapshot (provider and model selection).
type llmResolver struct {
	settings *Settings
	source   DynamicSource
}

// NewResolver builds a Resolver over static settings and a dynamic source.
func NewResolver(settings *Settings, source DynamicSource) Resolver {
	return &llmResolver{settings: settings, source: source}
}

// Resolve reads the dynamic snapshot and maps the selected provider onto its
// base URL and credential shape.
func (r *llmResolver) Resolve() (LLMSettings, error) {
	dyn := r.source.Get()

	out := LLMSettings{
		Provider: dyn.LLMProvider,
		Model:    dyn.LLMModel,
	}

	switch dyn.LLMProvider {
	case "deepseek":
		out.BaseURL = deepseekBaseURL
		out.APIKey = r.settings.LLM.DeepSeekAPIKey
	case "openai":
		out.BaseURL = openaiBaseURL
		out.APIKey = r.settings.LLM.OpenAIAPIKey
	case "ollama":
		out.BaseURL = r.settings.LLM.OllamaBaseURL + "/v1"
		// Ollama ignores the credential but the wire format requires one.
		out.APIKey = Secret("ollama")
	default:
		return LLMSettings{}, fmt.Errorf("%w: unsupported llm provider %q", apperr.ErrInvalidArgument, dyn.LLMProvider)
	}

	return out, nil
}
