// Package config resolves runtime settings for the arena CLI from
// flags, environment, and the optional .arena/config.yaml file. The
// per-run ArenaConfig itself is constructed once at init and owned by
// the state document; this package only covers ambient settings.
package config

import (
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
)

// Config holds ambient runtime settings.
type Config struct {
	// ArenasDir is the base directory for numbered run directories.
	ArenasDir string `mapstructure:"arenas_dir"`

	CAS CASConfig `mapstructure:"cas"`
	Log LogConfig `mapstructure:"log"`
}

// CASConfig configures the Cloud Agent Service client.
type CASConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers defaults on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("arenas_dir", core.ArenasDirName)
	v.SetDefault("cas.base_url", "https://cas.example.com")
	v.SetDefault("cas.timeout_seconds", 60)
	v.SetDefault("cas.max_retries", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
}

// Load materializes the config from the given viper instance.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
