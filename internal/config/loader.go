package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces docmind environment variables.
const envPrefix = "DOCMIND_"

// defaultYAML carries the hardcoded defaults, loaded first so file and
// environment values override them.
const defaultYAML = `
llm:
  ollama_base_url: "http://localhost:11434"
vectorstore:
  backend: "chromem"
  qdrant:
    host: "localhost"
    port: 6334
  chromem:
    path: "data/chromem"
logging:
  level: "info"
  format: "json"
`

// Load loads Settings from defaults, then an optional YAML file, then
// DOCMIND_* environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (DOCMIND_LLM_DEEPSEEK_API_KEY, ...)
//  2. YAML config file (configPath; skipped when empty or absent)
//  3. Hardcoded defaults
//
// Environment variables map onto config paths by splitting on the first
// underscore after the prefix:
//
//	DOCMIND_LLM_DEEPSEEK_API_KEY  -> llm.deepseek_api_key
//	DOCMIND_VECTORSTORE_BACKEND   -> vectorstore.backend
//	DOCMIND_LOGGING_LEVEL         -> logging.level
func Load(configPath string) (*Settings, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaultYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
			}
		} else {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// DOCMIND_LLM_DEEPSEEK_API_KEY -> llm.deepseek_api_key
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Settings
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
