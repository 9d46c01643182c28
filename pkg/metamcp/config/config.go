// Package config loads runtime configuration for the metamcp gateway.
//
// Configuration comes from an optional YAML file plus METAMCP_-prefixed
// environment variables, resolved through viper. Environment variables win.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the gateway's runtime configuration.
type Config struct {
	// Host and Port bind the downstream HTTP listener.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// DatabasePath is the SQLite database location. ":memory:" is valid
	// and used by tests.
	DatabasePath string `mapstructure:"database_path"`

	// Embedding service settings. BaseURL points at an OpenAI-compatible
	// embeddings endpoint; Model selects the embedding model.
	EmbeddingBaseURL string        `mapstructure:"embedding_base_url"`
	EmbeddingModel   string        `mapstructure:"embedding_model"`
	EmbeddingTimeout time.Duration `mapstructure:"embedding_timeout"`

	// Chat-completions settings used by the ask agent.
	LLMAPIKey  string        `mapstructure:"llm_api_key"`
	LLMBaseURL string        `mapstructure:"llm_base_url"`
	LLMTimeout time.Duration `mapstructure:"llm_timeout"`

	// UpstreamConnectTimeout bounds one upstream connect attempt.
	UpstreamConnectTimeout time.Duration `mapstructure:"upstream_connect_timeout"`

	// AllowPackageInstall gates the optional package-install helper.
	AllowPackageInstall bool `mapstructure:"allow_package_install"`

	// InheritEnv passes the gateway's environment to stdio subprocesses.
	InheritEnv bool `mapstructure:"inherit_env"`
}

// Defaults applied when neither file nor environment provides a value.
const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 12_008
	DefaultLLMTimeout       = 30 * time.Second
	DefaultEmbeddingTimeout = 30 * time.Second
	DefaultConnectTimeout   = 30 * time.Second
)

// Load reads configuration from the given file (optional) and environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("database_path", "metamcp.db")
	v.SetDefault("embedding_timeout", DefaultEmbeddingTimeout)
	v.SetDefault("llm_timeout", DefaultLLMTimeout)
	v.SetDefault("upstream_connect_timeout", DefaultConnectTimeout)

	// Every key needs a registered default so AutomaticEnv resolves it
	// during Unmarshal; env-only keys are invisible to viper otherwise.
	v.SetDefault("embedding_base_url", "")
	v.SetDefault("embedding_model", "")
	v.SetDefault("llm_api_key", "")
	v.SetDefault("llm_base_url", "")
	v.SetDefault("allow_package_install", false)
	v.SetDefault("inherit_env", false)

	v.SetEnvPrefix("METAMCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
