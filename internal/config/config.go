// Package config loads service configuration from a config file and the
// environment, with environment variables taking precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Port         int    `mapstructure:"port"`
	Env          string `mapstructure:"env"`
	CustomDomain string `mapstructure:"custom_domain"`

	DataDir    string `mapstructure:"data_dir"`
	SandboxDir string `mapstructure:"sandbox_dir"`

	RendererURL string `mapstructure:"renderer_url"`
	GithubToken string `mapstructure:"github_token"`

	GatewayURL    string `mapstructure:"gateway_url"`
	GatewayAPIKey string `mapstructure:"gateway_api_key"`
	DefaultModel  string `mapstructure:"default_model"`

	PreviewHost string `mapstructure:"preview_host"`
	PreviewPort int    `mapstructure:"preview_port"`

	RateLimitPerHour int `mapstructure:"rate_limit_per_hour"`
	RateLimitBurst   int `mapstructure:"rate_limit_burst"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Load reads configuration from an optional YAML file and the environment.
// An empty path skips the file and uses environment plus defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("port", 3000)
	v.SetDefault("env", "development")
	v.SetDefault("data_dir", "data")
	v.SetDefault("sandbox_dir", "data/sandboxes")
	v.SetDefault("preview_host", "localhost")
	v.SetDefault("preview_port", 8787)
	v.SetDefault("rate_limit_per_hour", 120)
	v.SetDefault("rate_limit_burst", 20)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "auto")
	v.SetDefault("gateway_url", "http://localhost:8080")
	v.SetDefault("default_model", "default")

	v.SetEnvPrefix("VIBESDK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	return &cfg, nil
}
