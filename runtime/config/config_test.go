package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverlaysYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instance_id: from-yaml
storage_root: /var/tessera
providers:
  openai_api_key: yaml-openai
  ollama_base_url: http://ollama:11434
`), 0o600))

	t.Setenv("INSTANCE_ID", "from-env")
	t.Setenv("ANTHROPIC_API_KEY", "env-anthropic")

	cfg, err := Load(path)
	require.NoError(t, err)
	// Environment wins over YAML, YAML wins over defaults.
	assert.Equal(t, "from-env", cfg.InstanceID)
	assert.Equal(t, "/var/tessera", cfg.StorageRoot)
	assert.Equal(t, "yaml-openai", cfg.Providers.OpenAIAPIKey)
	assert.Equal(t, "env-anthropic", cfg.Providers.AnthropicAPIKey)
	assert.Equal(t, "http://ollama:11434", cfg.Providers.OllamaBaseURL)
	assert.Equal(t, "http://localhost:8080", cfg.Providers.NominatimBaseURL)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	require.Error(t, err)
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	assert.Equal(t, "./data", cfg.StorageRoot)
	assert.NotEmpty(t, cfg.InstanceID)
}
