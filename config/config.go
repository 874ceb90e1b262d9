// Package config loads feedkit's configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Cache     CacheConfig     `mapstructure:"cache"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Network   NetworkConfig   `mapstructure:"network"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Refresh   RefreshConfig   `mapstructure:"refresh"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CacheConfig holds the location of the cache database
type CacheConfig struct {
	Path          string `mapstructure:"path" validate:"required"`
	QueueCapacity int    `mapstructure:"queue_capacity" validate:"gt=0"`
}

// RemoteConfig holds the directory service and fetch settings
type RemoteConfig struct {
	Host           string        `mapstructure:"host" validate:"omitempty,url"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxConcurrency int           `mapstructure:"max_concurrency" validate:"gt=0,lte=64"`
}

// NetworkConfig describes the network the client runs on
type NetworkConfig struct {
	Metered bool `mapstructure:"metered"`
}

// SchedulerConfig sizes the task scheduler
type SchedulerConfig struct {
	Workers   int `mapstructure:"workers" validate:"gt=0"`
	QueueSize int `mapstructure:"queue_size" validate:"gte=0"`
}

// RefreshConfig throttles forced refreshes
type RefreshConfig struct {
	Window  time.Duration `mapstructure:"window" validate:"gt=0"`
	LogSize int           `mapstructure:"log_size" validate:"gt=0"`
}

// LoggingConfig holds logging configuration. An empty file logs to stderr.
type LoggingConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Path:          filepath.Join(defaultDataPath(), "feedkit.db"),
			QueueCapacity: 50,
		},
		Remote: RemoteConfig{
			Timeout:        30 * time.Second,
			MaxConcurrency: 8,
		},
		Scheduler: SchedulerConfig{
			Workers:   4,
			QueueSize: 64,
		},
		Refresh: RefreshConfig{
			Window:  time.Hour,
			LogSize: 512,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultDataPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "feedkit")
}

// DefaultConfigPath returns the directory searched for config.yaml
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "feedkit")
}

// Load reads configuration from file, or from config.yaml in the default
// config directory or the working directory if file is empty. Environment
// variables prefixed with FEEDKIT_ override file values, e.g.
// FEEDKIT_REMOTE_HOST for remote.host.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetConfigType("yaml")
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(DefaultConfigPath())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FEEDKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	cfg.Cache.Path = expandHome(cfg.Cache.Path)
	cfg.Logging.File = expandHome(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("cache.path", d.Cache.Path)
	v.SetDefault("cache.queue_capacity", d.Cache.QueueCapacity)
	v.SetDefault("remote.host", d.Remote.Host)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.max_concurrency", d.Remote.MaxConcurrency)
	v.SetDefault("network.metered", d.Network.Metered)
	v.SetDefault("scheduler.workers", d.Scheduler.Workers)
	v.SetDefault("scheduler.queue_size", d.Scheduler.QueueSize)
	v.SetDefault("refresh.window", d.Refresh.Window)
	v.SetDefault("refresh.log_size", d.Refresh.LogSize)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.level", d.Logging.Level)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
