package vectorstore

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lanternlabs/docmind/internal/config"
)

// NewBackend constructs the vector store backend selected by configuration.
func NewBackend(cfg config.VectorStoreConfig, logger *zap.Logger) (Backend, error) {
	switch cfg.Backend {
	case "qdrant":
		return NewQdrantBackend(QdrantConfig{
			Host:   cfg.Qdrant.Host,
			Port:   cfg.Qdrant.Port,
			APIKey: cfg.Qdrant.APIKey.Value(),
			UseTLS: cfg.Qdrant.UseTLS,
		}, logger)
	case "chromem":
		return NewChromemBackend(ChromemConfig{
			Path:     cfg.Chromem.Path,
			Compress: cfg.Chromem.Compress,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown vector store backend %q", ErrInvalidConfig, cfg.Backend)
	}
}

// NewManagerFromConfig builds the backend for cfg and wraps it in a Manager.
func NewManagerFromConfig(cfg config.VectorStoreConfig, logger *zap.Logger) (*Manager, error) {
	backend, err := NewBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewManager(backend, logger), nil
}
