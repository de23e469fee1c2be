package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
func Load(configPath string) (*Config, error) {
	// Resolve to absolute path for consistent relative path resolution
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		// Directory provided - look for config.yaml inside
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)

	if err := verifyIntegrity(absPath, cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Discover returns the path the launcher would load config.yaml from
// and whether a file actually exists there.
func Discover() (string, bool) {
	path := filepath.Join(ConfigDir(), "config.yaml")
	_, err := os.Stat(path)
	return path, err == nil
}

// LoadOrDefault loads the discovered config.yaml, falling back to
// Defaults when no file exists. Running without a config file is a
// supported setup, not an error.
func LoadOrDefault() (*Config, error) {
	path, found := Discover()
	if !found {
		return Defaults(), nil
	}
	return Load(path)
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// Apply environment variable interpolation
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &cfg, nil
}

// verifyIntegrity checks the config file and every discovered plugin
// manifest against the .checksums manifest next to the config. A
// missing .checksums skips verification.
func verifyIntegrity(absPath string, cfg *Config) error {
	dir := filepath.Dir(absPath)
	manifest, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, ErrNoChecksums) {
			return nil
		}
		return err
	}
	if err := manifest.VerifyFile(dir, absPath); err != nil {
		return err
	}
	for _, path := range DiscoverManifests(cfg.PluginRoots) {
		if err := manifest.VerifyFile(dir, path); err != nil {
			return err
		}
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Placeholder == "" {
		cfg.Placeholder = defaults.Placeholder
	}
	if cfg.MaxResults == 0 {
		cfg.MaxResults = defaults.MaxResults
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.PluginRoots == nil {
		cfg.PluginRoots = defaults.PluginRoots
	}
	if cfg.DefaultPlugins == nil {
		cfg.DefaultPlugins = defaults.DefaultPlugins
	}
	if cfg.StatePath == "" {
		cfg.StatePath = defaults.StatePath
	}
	if cfg.Plugins == nil {
		cfg.Plugins = make(map[string]PluginOverride)
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.MaxResults <= 0 {
		return fmt.Errorf("max_results must be positive")
	}

	if cfg.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.LogLevel)] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error (got %q)", cfg.LogLevel)
	}

	if len(cfg.PluginRoots) == 0 {
		return fmt.Errorf("plugin_roots must not be empty")
	}

	if cfg.StatePath == "" {
		return fmt.Errorf("state_path is required")
	}

	return nil
}
