// Package config provides configuration management for secretmgr.
//
// Configuration is loaded from, highest priority first:
//  1. command-line flags bound to the viper instance by the caller
//  2. environment variables prefixed SECRETMGR_ (log.level → SECRETMGR_LOG_LEVEL)
//  3. secretmgr.yaml in the working directory or $HOME/.config/secretmgr,
//     or the file passed explicitly
//  4. default values
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable override.
const EnvPrefix = "SECRETMGR"

// Config is the root configuration structure.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Metadata MetadataConfig `mapstructure:"metadata"`
	EnvFile  EnvFileConfig  `mapstructure:"envfile"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
	File   string `mapstructure:"file"`   // empty disables the activity log
}

// MetadataConfig locates the metadata store and holds the values recorded
// for every new secret.
type MetadataConfig struct {
	Path              string `mapstructure:"path"`
	Type              string `mapstructure:"type"`
	Environment       string `mapstructure:"environment"`
	RotationFrequency int    `mapstructure:"rotation_frequency"` // days
	ComplianceTags    string `mapstructure:"compliance_tags"`
}

// EnvFileConfig locates the env file written by secret get.
type EnvFileConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads configuration into v and returns the decoded result. A
// non-empty configFile must exist; otherwise the search paths are tried
// and a missing file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("secretmgr")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/secretmgr")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate checks for configuration errors.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console; got %q", c.Log.Format)
	}
	if c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path must not be empty")
	}
	if c.Metadata.RotationFrequency < 0 {
		return fmt.Errorf("metadata.rotation_frequency must not be negative")
	}
	if c.EnvFile.Path == "" {
		return fmt.Errorf("envfile.path must not be empty")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Log
	v.SetDefault("log.level", "debug")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "activity.log")

	// Metadata store and recorded defaults
	v.SetDefault("metadata.path", "metadata.db")
	v.SetDefault("metadata.type", "password")
	v.SetDefault("metadata.environment", "prod")
	v.SetDefault("metadata.rotation_frequency", 30)
	v.SetDefault("metadata.compliance_tags", "GDPR")

	// Env file
	v.SetDefault("envfile.path", ".env")
}
