// Package config provides configuration loading for docmind.
//
// Configuration is split in two layers, mirroring how it is owned at runtime:
//
//   - Settings: static process configuration loaded once at startup from
//     defaults, an optional YAML file, and DOCMIND_* environment variables.
//     Credentials live only here.
//   - Dynamic: operator-tunable values (provider and model selection, chunking
//     parameters) owned by an external dynamic-config store. This package only
//     sees read-only snapshots through the DynamicSource interface.
package config

import (
	"fmt"
)

// Settings holds static process configuration.
type Settings struct {
	LLM         LLMConfig         `koanf:"llm"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// LLMConfig holds endpoint credentials and addresses for chat providers.
type LLMConfig struct {
	// DeepSeekAPIKey authenticates against the DeepSeek API.
	DeepSeekAPIKey Secret `koanf:"deepseek_api_key"`

	// OpenAIAPIKey authenticates against the OpenAI API.
	OpenAIAPIKey Secret `koanf:"openai_api_key"`

	// OllamaBaseURL is the local Ollama server address (no credential).
	OllamaBaseURL string `koanf:"ollama_base_url"`
}

// VectorStoreConfig selects and configures the backing vector store.
type VectorStoreConfig struct {
	// Backend is "qdrant" (external server) or "chromem" (embedded).
	Backend string `koanf:"backend"`

	Qdrant  QdrantConfig  `koanf:"qdrant"`
	Chromem ChromemConfig `koanf:"chromem"`
}

// QdrantConfig configures the Qdrant gRPC client.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
	APIKey Secret `koanf:"api_key"`
}

// ChromemConfig configures the embedded chromem store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty means in-memory only.
	Path string `koanf:"path"`

	// Compress enables gzip compression of persisted collections.
	Compress bool `koanf:"compress"`
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Validate checks settings consistency.
func (s *Settings) Validate() error {
	switch s.VectorStore.Backend {
	case "qdrant":
		if s.VectorStore.Qdrant.Host == "" {
			return fmt.Errorf("vectorstore.qdrant.host required")
		}
		if p := s.VectorStore.Qdrant.Port; p <= 0 || p > 65535 {
			return fmt.Errorf("vectorstore.qdrant.port invalid: %d", p)
		}
	case "chromem":
		// Embedded backend needs no address.
	default:
		return fmt.Errorf("unsupported vectorstore backend: %q (supported: qdrant, chromem)", s.VectorStore.Backend)
	}
	return nil
}

// Dynamic is a snapshot of the operator-tunable configuration. Consumers read
// it once per call and never observe mid-call changes.
type Dynamic struct {
	LLMProvider       string `koanf:"llm_provider"`
	LLMModel          string `koanf:"llm_model"`
	EmbeddingProvider string `koanf:"embedding_provider"`
	EmbeddingModel    string `koanf:"embedding_model"`
	ChunkSize         int    `koanf:"chunk_size"`
	ChunkOverlap      int    `koanf:"chunk_overlap"`
}

// DefaultDynamic returns the schema defaults applied when the dynamic store
// carries no override for a field.
func DefaultDynamic() Dynamic {
	return Dynamic{
		LLMProvider:       "deepseek",
		LLMModel:          "deepseek-chat",
		EmbeddingProvider: "deepseek",
		EmbeddingModel:    "deepseek-embedding",
		ChunkSize:         800,
		ChunkOverlap:      100,
	}
}

// Validate checks field constraints on a dynamic snapshot.
func (d Dynamic) Validate() error {
	if d.LLMProvider == "" {
		return fmt.Errorf("llm_provider required")
	}
	if d.LLMModel == "" {
		return fmt.Errorf("llm_model required")
	}
	if d.ChunkSize < 100 || d.ChunkSize > 4000 {
		return fmt.Errorf("chunk_size out of range [100,4000]: %d", d.ChunkSize)
	}
	if d.ChunkOverlap < 0 || d.ChunkOverlap > 2000 {
		return fmt.Errorf("chunk_overlap out of range [0,2000]: %d", d.ChunkOverlap)
	}
	return nil
}

// DynamicSource supplies dynamic configuration snapshots. The production
// implementation is backed by the external settings store; this package ships
// StaticSource for tests and single-binary deployments.
type DynamicSource interface {
	// Get returns the current snapshot. Implementations must return a value,
	// not shared mutable state.
	Get() Dynamic
}

// StaticSource is a DynamicSource with a fixed snapshot.
type StaticSource struct {
	snapshot Dynamic
}

// NewStaticSource builds a StaticSource, validating the snapshot first.
func NewStaticSource(d Dynamic) (*StaticSource, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dynamic config: %w", err)
	}
	return &StaticSource{snapshot: d}, nil
}

// Get returns the fixed snapshot.
func (s *StaticSource) Get() Dynamic {
	return s.snapshot
}
