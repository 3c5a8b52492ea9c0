// Package config loads runtime configuration from the environment, with an
// optional YAML overlay for settings that are awkward as environment
// variables (feed catalogs, provider options).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the full runtime configuration.
	Config struct {
		// InstanceID identifies this deployment in package provenance.
		InstanceID string `yaml:"instance_id"`

		// StorageRoot is the filesystem root for the local blob store.
		StorageRoot string `yaml:"storage_root"`

		MongoURL string `yaml:"mongo_url"`
		RedisURL string `yaml:"redis_url"`

		Providers ProviderConfig `yaml:"providers"`

		// FeedCatalogPath points at a curated RSS feed catalog (YAML).
		FeedCatalogPath string `yaml:"feed_catalog_path"`
	}

	// ProviderConfig holds API keys and base URLs for external providers.
	// Keys supplied per request override these.
	ProviderConfig struct {
		OpenAIAPIKey    string `yaml:"openai_api_key"`
		AnthropicAPIKey string `yaml:"anthropic_api_key"`
		GeminiAPIKey    string `yaml:"gemini_api_key"`
		VoyageAPIKey    string `yaml:"voyage_api_key"`
		JinaAPIKey      string `yaml:"jina_api_key"`
		TavilyAPIKey    string `yaml:"tavily_api_key"`
		MapboxAPIKey    string `yaml:"mapbox_api_key"`

		// OllamaBaseURL is the local Ollama endpoint (key-less).
		OllamaBaseURL string `yaml:"ollama_base_url"`
		// NominatimBaseURL is the local Nominatim endpoint; the public API is
		// always available as the fallback.
		NominatimBaseURL string `yaml:"nominatim_base_url"`
	}
)

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		InstanceID:  "tessera-local",
		StorageRoot: "./data",
		Providers: ProviderConfig{
			OllamaBaseURL:    "http://localhost:11434",
			NominatimBaseURL: "http://localhost:8080",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (when
// non-empty), then environment variables on top.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// FromEnv builds the configuration from defaults and environment variables
// only.
func FromEnv() Config {
	cfg := Defaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	setenv(&c.InstanceID, "INSTANCE_ID")
	setenv(&c.StorageRoot, "STORAGE_ROOT")
	setenv(&c.MongoURL, "MONGO_URL")
	setenv(&c.RedisURL, "REDIS_URL")
	setenv(&c.FeedCatalogPath, "FEED_CATALOG_PATH")

	p := &c.Providers
	setenv(&p.OpenAIAPIKey, "OPENAI_API_KEY")
	setenv(&p.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setenv(&p.GeminiAPIKey, "GEMINI_API_KEY")
	setenv(&p.VoyageAPIKey, "VOYAGE_API_KEY")
	setenv(&p.JinaAPIKey, "JINA_API_KEY")
	setenv(&p.TavilyAPIKey, "TAVILY_API_KEY")
	setenv(&p.MapboxAPIKey, "MAPBOX_API_KEY")
	setenv(&p.OllamaBaseURL, "OLLAMA_BASE_URL")
	setenv(&p.NominatimBaseURL, "NOMINATIM_BASE_URL")
}

func setenv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
