// Package config handles configuration management using Viper
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config represents the wlproto command configuration
type Config struct {
	Display DisplayConfig `mapstructure:"display"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// DisplayConfig selects the display clients connect to
type DisplayConfig struct {
	Name       string `mapstructure:"name"`        // WAYLAND_DISPLAY
	RuntimeDir string `mapstructure:"runtime_dir"` // XDG_RUNTIME_DIR
}

// ServerConfig contains settings for wlproto serve
type ServerConfig struct {
	Socket     string `mapstructure:"socket"` // Empty picks the first free wayland-N
	MaxClients int    `mapstructure:"max_clients"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `mapstructure:"level"` // Override LOG_LEVEL env var
	Debug string `mapstructure:"debug"` // WAYLAND_DEBUG: 1, client or server
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Address string `mapstructure:"address"` // Empty disables it
}

var (
	// DefaultConfig provides sensible defaults
	DefaultConfig = Config{
		Display: DisplayConfig{
			Name: "wayland-0",
		},
		Server: ServerConfig{
			MaxClients: 32,
		},
	}

	// Global config instance
	cfg *Config
)

// Init loads wlproto.toml from path, or from the usual config directories
// when path is empty. A missing file is not an error.
func Init(path string) error {
	viper.SetConfigName("wlproto")
	viper.SetConfigType("toml")

	if path != "" {
		viper.SetConfigFile(path)
	} else {
		if dir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(filepath.Join(dir, "wlproto"))
		}
		viper.AddConfigPath("/etc/wlproto")
		viper.AddConfigPath(".")
	}

	viper.SetDefault("display.name", DefaultConfig.Display.Name)
	viper.SetDefault("display.runtime_dir", DefaultConfig.Display.RuntimeDir)
	viper.SetDefault("server.socket", DefaultConfig.Server.Socket)
	viper.SetDefault("server.max_clients", DefaultConfig.Server.MaxClients)
	viper.SetDefault("logging.level", DefaultConfig.Logging.Level)
	viper.SetDefault("logging.debug", DefaultConfig.Logging.Debug)
	viper.SetDefault("metrics.address", DefaultConfig.Metrics.Address)

	// The usual environment variables win over the file.
	for key, env := range map[string]string{
		"display.name":        "WAYLAND_DISPLAY",
		"display.runtime_dir": "XDG_RUNTIME_DIR",
		"logging.level":       "LOG_LEVEL",
		"logging.debug":       "WAYLAND_DEBUG",
	} {
		if err := viper.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && errors.Is(err, os.ErrNotExist)) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	c := &Config{}
	if err := viper.Unmarshal(c); err != nil {
		return fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if c.Server.MaxClients < 0 {
		return fmt.Errorf("server.max_clients must not be negative, got %d", c.Server.MaxClients)
	}
	cfg = c
	return nil
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		return &DefaultConfig
	}
	return cfg
}

// Set sets the current configuration (for testing)
func Set(c *Config) {
	cfg = c
}

// ConfigFileUsed returns the file the configuration was read from, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
