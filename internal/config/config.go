// Package config loads service configuration from a YAML file and ANDEE_*
// environment variables via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full runtime configuration for the andee service.
type Config struct {
	Listen  ListenConfig  `mapstructure:"listen"`
	Storage StorageConfig `mapstructure:"storage"`
	Deliver DeliverConfig `mapstructure:"delivery"`
	Log     LogConfig     `mapstructure:"log"`
	CORS    CORSConfig    `mapstructure:"cors"`
}

// ListenConfig configures the HTTP control surface.
type ListenConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Debug        bool          `mapstructure:"debug"`
}

// StorageConfig configures the durable actor database.
type StorageConfig struct {
	// Path is the bbolt database file. Supports ~ expansion.
	Path string `mapstructure:"path"`
}

// DeliverConfig configures the delivery gateway.
type DeliverConfig struct {
	// Timeout bounds a single outbound delivery call so one slow send does
	// not starve the rest of a due batch.
	Timeout time.Duration `mapstructure:"timeout"`
	// RatePerChat is the sustained messages/second allowed per chat.
	RatePerChat float64 `mapstructure:"rate_per_chat"`
	// BaseURL overrides the Telegram Bot API endpoint (tests, proxies).
	BaseURL string `mapstructure:"base_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug | info | warn | error
}

// CORSConfig configures cross-origin access to the control surface.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads configuration from ~/.andee/config.yaml (or the file given by
// ANDEE_CONFIG), applying environment overrides and defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if explicit := os.Getenv("ANDEE_CONFIG"); explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".andee"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ANDEE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env and defaults cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Storage.Path = expandHome(cfg.Storage.Path)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.addr", ":8788")
	v.SetDefault("listen.read_timeout", 30*time.Second)
	v.SetDefault("listen.write_timeout", 30*time.Second)
	v.SetDefault("listen.debug", false)
	v.SetDefault("storage.path", "~/.andee/andee.db")
	v.SetDefault("delivery.timeout", 10*time.Second)
	v.SetDefault("delivery.rate_per_chat", 1.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("cors.allowed_origins", []string{"*"})
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) == 1 {
		return home
	}
	if path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return filepath.Join(home, path[1:])
}
