package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/davawen/keal/internal/protocol"
)

// Config represents the complete keal configuration.
type Config struct {
	Placeholder    string                    `yaml:"placeholder"`
	UsageFrequency bool                      `yaml:"usage_frequency"`
	Terminal       string                    `yaml:"terminal"`
	MaxResults     int                       `yaml:"max_results"`
	ReadTimeout    time.Duration             `yaml:"read_timeout"`
	LogLevel       string                    `yaml:"log_level"`
	PluginRoots    []string                  `yaml:"plugin_roots"`
	DefaultPlugins []string                  `yaml:"default_plugins"`
	StatePath      string                    `yaml:"state_path"`
	Plugins        map[string]PluginOverride `yaml:"plugins"`
}

// PluginOverride adjusts a discovered plugin from the launcher config.
// Config entries replace the manifest value for matching keys only;
// unknown keys are logged and dropped.
type PluginOverride struct {
	Prefix  string                 `yaml:"prefix,omitempty"`
	Icon    string                 `yaml:"icon,omitempty"`
	Comment string                 `yaml:"comment,omitempty"`
	Config  []protocol.ConfigEntry `yaml:"config,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Placeholder:    "search your dreams!",
		UsageFrequency: false,
		Terminal:       "",
		MaxResults:     50,
		ReadTimeout:    2 * time.Second,
		LogLevel:       "info",
		PluginRoots:    []string{DefaultPluginRoot()},
		DefaultPlugins: []string{"applications"},
		StatePath:      DefaultStatePath(),
		Plugins:        make(map[string]PluginOverride),
	}
}

// ConfigDir returns the directory holding config.yaml.
// Priority order: $KEAL_CONFIG_DIR, $XDG_CONFIG_HOME/keal, ~/.config/keal.
func ConfigDir() string {
	if dir := os.Getenv("KEAL_CONFIG_DIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "keal")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "keal"
	}
	return filepath.Join(home, ".config", "keal")
}

// StateDir returns the directory for persistent launcher state.
// Priority order: $XDG_STATE_HOME/keal, ~/.local/state/keal.
func StateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "keal")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "keal"
	}
	return filepath.Join(home, ".local", "state", "keal")
}

// DefaultStatePath returns the default usage database location.
func DefaultStatePath() string {
	return filepath.Join(StateDir(), "usage.db")
}

// DefaultPluginRoot returns the default plugin discovery root.
func DefaultPluginRoot() string {
	return filepath.Join(ConfigDir(), "plugins")
}
