package plugin

import (
	"fmt"
	"strings"

	"github.com/davawen/keal/internal/protocol"
)

// Manifest defines the structure of a plugin's manifest.yaml file.
//
// Config entries are an ordered sequence: the launcher writes them to
// the plugin in declaration order and the plugin reads exactly that
// many lines, so order and count are part of the contract.
type Manifest struct {
	Name       string                 `yaml:"name"`
	Prefix     string                 `yaml:"prefix"`
	Entrypoint string                 `yaml:"entrypoint"`
	Icon       string                 `yaml:"icon,omitempty"`
	Comment    string                 `yaml:"comment,omitempty"`
	Config     []protocol.ConfigEntry `yaml:"config,omitempty"`
}

// Descriptor is a discovered and validated plugin, ready to route and
// spawn. Builtin descriptors carry no entrypoint and run in process.
type Descriptor struct {
	Name       string
	Prefix     string
	Icon       *protocol.IconRef
	Comment    string
	Config     []protocol.ConfigEntry
	Entrypoint string // absolute path, empty for builtins
	Dir        string // absolute plugin directory, empty for builtins
	Builtin    bool
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}

	if m.Prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	// routing treats the input's first word as the prefix
	if strings.ContainsAny(m.Prefix, " \t") {
		return fmt.Errorf("prefix must not contain whitespace: %q", m.Prefix)
	}

	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	// Check for path traversal in entrypoint
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}

	for i, e := range m.Config {
		if e.Key == "" {
			return fmt.Errorf("config[%d]: key is required", i)
		}
		// keys and values become single key:value wire lines
		if strings.ContainsAny(e.Key, ":\n") {
			return fmt.Errorf("config[%d]: key must not contain ':' or newlines: %q", i, e.Key)
		}
		if strings.Contains(e.Value, "\n") {
			return fmt.Errorf("config[%d]: value must not contain newlines", i)
		}
	}

	return nil
}
