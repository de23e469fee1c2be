// Package doctor validates keal configuration and plugin setup.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/davawen/keal/internal/config"
	"github.com/davawen/keal/internal/plugin"
	"github.com/davawen/keal/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against discovered plugins.
type Doctor struct {
	cfg      *config.Config
	registry *plugin.Registry
}

// New creates a Doctor from a loaded config and plugin registry.
func New(cfg *config.Config, registry *plugin.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateCore(r)
	d.validateStatePath(r)
	d.validatePluginRoots(r)
	d.validateTerminal(r)
	d.validateDefaultPlugins(r)
	d.validateOverrides(r)
	d.warnDuplicatePrefixes(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateCore(r *Result) {
	if d.cfg.MaxResults <= 0 {
		d.addError(r, "core", "max_results", "max_results must be positive")
	}
	if d.cfg.ReadTimeout <= 0 {
		d.addError(r, "core", "read_timeout", "read_timeout must be positive")
	}
	switch strings.ToUpper(d.cfg.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		d.addError(r, "core", "log_level",
			fmt.Sprintf("unknown log level %q (expected debug, info, warn, or error)", d.cfg.LogLevel))
	}
}

func (d *Doctor) validateStatePath(r *Result) {
	if d.cfg.StatePath == "" {
		if d.cfg.UsageFrequency {
			d.addError(r, "state", "state_path", "state_path is required when usage_frequency is enabled")
		}
		return
	}
	if err := storage.ValidateFilesystem(d.cfg.StatePath); err != nil {
		d.addError(r, "state", "state_path", err.Error())
	}
}

func (d *Doctor) validatePluginRoots(r *Result) {
	if len(d.cfg.PluginRoots) == 0 {
		d.addWarning(r, "plugins", "plugin_roots",
			"no plugin roots configured; only built-in plugins will be available")
		return
	}
	for i, root := range d.cfg.PluginRoots {
		info, err := os.Stat(root)
		if err != nil {
			d.addWarning(r, "plugins", fmt.Sprintf("plugin_roots[%d]", i),
				fmt.Sprintf("plugin root %q does not exist", root))
			continue
		}
		if !info.IsDir() {
			d.addError(r, "plugins", fmt.Sprintf("plugin_roots[%d]", i),
				fmt.Sprintf("plugin root %q is not a directory", root))
		}
	}
}

func (d *Doctor) validateTerminal(r *Result) {
	if d.cfg.Terminal == "" {
		d.addWarning(r, "terminal", "terminal",
			"no terminal configured; Terminal=true applications will run without one")
		return
	}
	if _, err := exec.LookPath(d.cfg.Terminal); err != nil {
		d.addError(r, "terminal", "terminal",
			fmt.Sprintf("terminal %q not found in PATH", d.cfg.Terminal))
	}
}

func (d *Doctor) validateDefaultPlugins(r *Result) {
	for i, name := range d.cfg.DefaultPlugins {
		if _, ok := d.registry.Get(name); !ok {
			d.addError(r, "defaults", fmt.Sprintf("default_plugins[%d]", i),
				fmt.Sprintf("default plugin %q was not discovered", name))
		}
	}
}

// validateOverrides flags override sections that name no discovered
// plugin. Discovery applies such overrides as no-ops, so this is the
// only place the typo surfaces.
func (d *Doctor) validateOverrides(r *Result) {
	for name, o := range d.cfg.Plugins {
		desc, ok := d.registry.Get(name)
		if !ok {
			d.addWarning(r, "overrides", fmt.Sprintf("plugins.%s", name),
				fmt.Sprintf("override for plugin %q, which was not discovered", name))
			continue
		}
		if len(o.Config) == 0 {
			continue
		}
		known := make(map[string]bool, len(desc.Config))
		for _, entry := range desc.Config {
			known[entry.Key] = true
		}
		for _, entry := range o.Config {
			if !known[entry.Key] {
				d.addWarning(r, "overrides", fmt.Sprintf("plugins.%s.config.%s", name, entry.Key),
					fmt.Sprintf("plugin %q declares no config key %q", name, entry.Key))
			}
		}
	}
}

func (d *Doctor) warnDuplicatePrefixes(r *Result) {
	seen := make(map[string]string)
	for _, desc := range d.registry.All() {
		if desc.Prefix == "" {
			continue
		}
		if prev, dup := seen[desc.Prefix]; dup {
			d.addWarning(r, "prefixes", "",
				fmt.Sprintf("plugins %q and %q share prefix %q; only the first is reachable", prev, desc.Name, desc.Prefix))
			continue
		}
		seen[desc.Prefix] = desc.Name
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
