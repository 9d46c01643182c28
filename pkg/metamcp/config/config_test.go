package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "metamcp.db", cfg.DatabasePath)
	assert.Equal(t, DefaultLLMTimeout, cfg.LLMTimeout)
	assert.False(t, cfg.AllowPackageInstall)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("METAMCP_PORT", "9090")
	t.Setenv("METAMCP_DATABASE_PATH", ":memory:")
	t.Setenv("METAMCP_ALLOW_PACKAGE_INSTALL", "true")
	t.Setenv("METAMCP_EMBEDDING_BASE_URL", "http://localhost:11434/v1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, ":memory:", cfg.DatabasePath)
	assert.True(t, cfg.AllowPackageInstall)
	assert.Equal(t, "http://localhost:11434/v1", cfg.EmbeddingBaseURL)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/metamcp.yaml")
	require.Error(t, err)
}
