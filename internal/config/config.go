// Package config loads the application configuration from file, environment
// and defaults, in that order of increasing precedence for the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fundsim/backtest-backend/pkg/types"
)

// AppConfig is the merged configuration for the backend binaries.
type AppConfig struct {
	LogLevel string `mapstructure:"log_level"`

	// DataDir holds the JSON price files for the file-backed store.
	DataDir string `mapstructure:"data_dir"`
	// DatabaseURL, when set, switches the price source to Postgres.
	DatabaseURL string `mapstructure:"database_url"`

	// OpenAIAPIKey, when set, selects the LLM decision agent.
	OpenAIAPIKey string `mapstructure:"openai_api_key"`

	Server types.ServerConfig `mapstructure:"server"`
	Model  types.ModelConfig  `mapstructure:"model"`
}

// Load reads configuration from an optional YAML file plus BACKTEST_*
// environment variables. A missing file is fine; a malformed one is not.
func Load(path string) (*AppConfig, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("model.name", "gpt-4o")
	v.SetDefault("model.provider", "openai")

	v.SetEnvPrefix("BACKTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("backtest")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
