package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lanternlabs/docmind/internal/config"
)

// Factory builds chat clients. Each Client() call resolves configuration
// once, so a client is bound to the provider and model selected at that
// moment; later configuration changes only affect subsequent calls.
type Factory struct {
	resolver config.Resolver
	cache    *ClientCache
	logger   *zap.Logger
}

// NewFactory wires a factory over the config resolver and the shared handle
// cache. The cache is owned by the caller and shared across factories so its
// lifecycle follows service startup and shutdown.
func NewFactory(resolver config.Resolver, cache *ClientCache, logger *zap.Logger) *Factory {
	return &Factory{resolver: resolver, cache: cache, logger: logger}
}

// Client resolves the current configuration snapshot and returns a chat
// client over a cached handle.
func (f *Factory) Client() (Client, error) {
	settings, err := f.resolver.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolving llm config: %w", err)
	}

	fp := NewFingerprint(settings.Provider, settings.BaseURL, settings.APIKey)
	handle, err := f.cache.GetOrCreate(fp, func() (*Handle, error) {
		return newHandle(settings.BaseURL, settings.APIKey.Value()), nil
	})
	if err != nil {
		return nil, fmt.Errorf("obtaining client handle: %w", err)
	}

	return &openAIClient{
		provider: settings.Provider,
		model:    settings.Model,
		handle:   handle,
		logger:   f.logger,
		sleep:    defaultSleep,
	}, nil
}
