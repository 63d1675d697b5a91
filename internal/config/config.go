// Package config holds the process-wide trellis configuration. It can
// be loaded from trellis.yml with environment variable overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the complete trellis configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Resolver ResolverConfig `yaml:"resolver" mapstructure:"resolver"`
	Limits   LimitsConfig   `yaml:"limits" mapstructure:"limits"`
	Search   SearchConfig   `yaml:"search" mapstructure:"search"`
	Access   AccessConfig   `yaml:"access" mapstructure:"access"`
	Debug    bool           `yaml:"debug" mapstructure:"debug"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"` // database file, or :memory:
}

// ResolverConfig bounds hydration.
type ResolverConfig struct {
	MaxDepth    int `yaml:"max_depth" mapstructure:"max_depth"`       // hard hydration depth cap
	DefaultPage int `yaml:"default_page" mapstructure:"default_page"` // default row limit per selection
}

// LimitsConfig sets the request size budgets used when a scheme does
// not declare its own.
type LimitsConfig struct {
	MaxRequestSize int64 `yaml:"max_request_size" mapstructure:"max_request_size"`
	MaxVarSize     int64 `yaml:"max_var_size" mapstructure:"max_var_size"`
	MaxFileSize    int64 `yaml:"max_file_size" mapstructure:"max_file_size"`
	TokenTTLSecs   int   `yaml:"token_ttl_secs" mapstructure:"token_ttl_secs"` // upload token lifetime
}

// SearchConfig shapes full-text headlines.
type SearchConfig struct {
	HeadlineStart    string `yaml:"headline_start" mapstructure:"headline_start"`
	HeadlineStop     string `yaml:"headline_stop" mapstructure:"headline_stop"`
	FragmentDelim    string `yaml:"fragment_delim" mapstructure:"fragment_delim"`
	FragmentMaxWords int    `yaml:"fragment_max_words" mapstructure:"fragment_max_words"`
}

// AccessConfig enables administrative bypass and cross-server auth.
type AccessConfig struct {
	AdminEnabled bool   `yaml:"admin_enabled" mapstructure:"admin_enabled"`
	CrossSecret  string `yaml:"cross_secret" mapstructure:"cross_secret"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "trellis.db"},
		Resolver: ResolverConfig{
			MaxDepth:    3,
			DefaultPage: 100,
		},
		Limits: LimitsConfig{
			MaxRequestSize: 1 << 20,  // 1 MiB
			MaxVarSize:     64 << 10, // 64 KiB
			MaxFileSize:    16 << 20, // 16 MiB
			TokenTTLSecs:   300,
		},
		Search: SearchConfig{
			HeadlineStart:    "<b>",
			HeadlineStop:     "</b>",
			FragmentDelim:    " ... ",
			FragmentMaxWords: 32,
		},
	}
}

// Load reads the configuration file at path (optional) over the
// defaults, applying TRELLIS_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TRELLIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("resolver.max_depth", cfg.Resolver.MaxDepth)
	v.SetDefault("resolver.default_page", cfg.Resolver.DefaultPage)
	v.SetDefault("limits.max_request_size", cfg.Limits.MaxRequestSize)
	v.SetDefault("limits.max_var_size", cfg.Limits.MaxVarSize)
	v.SetDefault("limits.max_file_size", cfg.Limits.MaxFileSize)
	v.SetDefault("limits.token_ttl_secs", cfg.Limits.TokenTTLSecs)
	v.SetDefault("search.headline_start", cfg.Search.HeadlineStart)
	v.SetDefault("search.headline_stop", cfg.Search.HeadlineStop)
	v.SetDefault("search.fragment_delim", cfg.Search.FragmentDelim)
	v.SetDefault("search.fragment_max_words", cfg.Search.FragmentMaxWords)
	v.SetDefault("access.admin_enabled", cfg.Access.AdminEnabled)
	v.SetDefault("access.cross_secret", cfg.Access.CrossSecret)
	v.SetDefault("debug", cfg.Debug)
}

// Validate rejects configurations the core cannot operate under.
func (c *Config) Validate() error {
	if c.Resolver.MaxDepth < 1 {
		return fmt.Errorf("resolver.max_depth must be at least 1, got %d", c.Resolver.MaxDepth)
	}
	if c.Resolver.DefaultPage < 1 {
		return fmt.Errorf("resolver.default_page must be at least 1, got %d", c.Resolver.DefaultPage)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must be set")
	}
	return nil
}
