package plugin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tchap/go-patricia/v2/patricia"
	"gopkg.in/yaml.v3"

	"github.com/davawen/keal/internal/protocol"
)

const manifestFilename = "manifest.yaml"

// Registry holds discovered plugins indexed by name, with a prefix
// trie answering input routing. Descriptors are listed in discovery
// order; the order is part of the ranking contract (insertion-order
// tie breaks).
type Registry struct {
	byName   map[string]*Descriptor
	prefixes *patricia.Trie
	order    []*Descriptor
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]*Descriptor),
		prefixes: patricia.NewTrie(),
	}
}

// Get retrieves a plugin by name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// All returns registered plugins in insertion order.
func (r *Registry) All() []*Descriptor {
	return r.order
}

// Add registers a descriptor. Duplicate names and duplicate prefixes
// are rejected; an empty prefix registers the plugin without a route
// (catalog-only builtins).
func (r *Registry) Add(d *Descriptor) error {
	if _, exists := r.byName[d.Name]; exists {
		return fmt.Errorf("plugin %q already registered", d.Name)
	}
	if d.Prefix != "" {
		if item := r.prefixes.Get(patricia.Prefix(d.Prefix)); item != nil {
			return fmt.Errorf("prefix %q already registered by plugin %q", d.Prefix, item.(*Descriptor).Name)
		}
		r.prefixes.Insert(patricia.Prefix(d.Prefix), d)
	}
	r.byName[d.Name] = d
	r.order = append(r.order, d)
	return nil
}

// Route resolves an input line to the plugin owning it. Plugin mode
// requires the full form "<prefix> <query>": the longest registered
// prefix followed by a space wins, and the remainder (with the single
// separating space removed) is the plugin's query. An input that is
// exactly a prefix, or matches no prefix, stays on the catalog path.
func (r *Registry) Route(input string) (*Descriptor, string, bool) {
	var best *Descriptor
	_ = r.prefixes.VisitPrefixes(patricia.Prefix(input), func(p patricia.Prefix, item patricia.Item) error {
		if len(p) < len(input) && input[len(p)] == ' ' {
			// VisitPrefixes walks shortest-first, so the last hit is the longest.
			best = item.(*Descriptor)
		}
		return nil
	})
	if best == nil {
		return nil, "", false
	}
	return best, input[len(best.Prefix)+1:], true
}

// Override adjusts a discovered descriptor from the launcher config.
// Config entries replace manifest values for matching keys only.
type Override struct {
	Prefix  string
	Icon    string
	Comment string
	Config  []protocol.ConfigEntry
}

// ApplyOverride rewrites one descriptor in place. The prefix trie is
// re-keyed when the prefix changes. Unknown config keys are returned
// so the caller can log them.
func (r *Registry) ApplyOverride(name string, o Override) ([]string, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", name)
	}

	if o.Prefix != "" && o.Prefix != d.Prefix {
		if strings.ContainsAny(o.Prefix, " \t") {
			return nil, fmt.Errorf("prefix must not contain whitespace: %q", o.Prefix)
		}
		if item := r.prefixes.Get(patricia.Prefix(o.Prefix)); item != nil {
			return nil, fmt.Errorf("prefix %q already registered by plugin %q", o.Prefix, item.(*Descriptor).Name)
		}
		if d.Prefix != "" {
			r.prefixes.Delete(patricia.Prefix(d.Prefix))
		}
		r.prefixes.Insert(patricia.Prefix(o.Prefix), d)
		d.Prefix = o.Prefix
	}
	if o.Icon != "" {
		d.Icon = protocol.ResolveIcon(o.Icon, d.Dir)
	}
	if o.Comment != "" {
		d.Comment = o.Comment
	}

	var unknown []string
	for _, e := range o.Config {
		replaced := false
		for i := range d.Config {
			if d.Config[i].Key == e.Key {
				d.Config[i].Value = e.Value
				replaced = true
				break
			}
		}
		if !replaced {
			unknown = append(unknown, e.Key)
		}
	}
	return unknown, nil
}

// DiscoverMany scans plugin roots for manifest.yaml files and
// registers every valid plugin. Roots are processed in input order;
// duplicate names or prefixes keep the first discovered plugin.
// Invalid plugins are logged and skipped, never fatal; a missing root
// is skipped too since a fresh install has no plugins yet.
func DiscoverMany(pluginRoots []string, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absRoots := make([]string, 0, len(pluginRoots))
	seenRoots := make(map[string]struct{}, len(pluginRoots))
	for _, root := range pluginRoots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve plugin root %q: %w", root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				logger("debug", "plugin root does not exist, skipping", "root", absRoot)
				continue
			}
			return nil, fmt.Errorf("failed to stat plugin root %s: %w", absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("plugin root is not a directory: %s", absRoot)
		}
		if _, ok := seenRoots[absRoot]; ok {
			continue
		}
		seenRoots[absRoot] = struct{}{}
		absRoots = append(absRoots, absRoot)
	}

	registry := NewRegistry()
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}

			pluginDir := filepath.Dir(path)
			desc, err := loadDescriptor(pluginDir, root)
			if err != nil {
				logger("warn", "failed to load plugin", "root", root, "path", pluginDir, "error", err.Error())
				return nil
			}

			if err := registry.Add(desc); err != nil {
				logger("warn", "duplicate plugin ignored (keeping first discovered)",
					"plugin", desc.Name, "prefix", desc.Prefix, "ignored_path", pluginDir, "error", err.Error())
				return nil
			}

			logger("info", "loaded plugin", "plugin", desc.Name, "prefix", desc.Prefix, "path", pluginDir)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin root %s: %w", root, err)
		}
	}

	return registry, nil
}

// loadDescriptor reads and validates a single plugin.
func loadDescriptor(pluginDir, root string) (*Descriptor, error) {
	manifestPath := filepath.Join(pluginDir, manifestFilename)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	entrypointPath := filepath.Join(pluginDir, manifest.Entrypoint)
	if err := validateTrust(entrypointPath, pluginDir, root); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	return &Descriptor{
		Name:       manifest.Name,
		Prefix:     manifest.Prefix,
		Icon:       protocol.ResolveIcon(manifest.Icon, pluginDir),
		Comment:    manifest.Comment,
		Config:     manifest.Config,
		Entrypoint: entrypointPath,
		Dir:        pluginDir,
	}, nil
}

// validateTrust rejects entrypoints that escape their plugin
// directory or their configured root, non-executable entrypoints, and
// world-writable plugin directories.
func validateTrust(entrypointPath, pluginDir, root string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}
	resolvedPluginDir, err := filepath.EvalSymlinks(pluginDir)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin path symlink: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin root symlink: %w", err)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under plugin root %s", resolvedEntrypoint, resolvedRoot)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedPluginDir+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under plugin directory %s", resolvedEntrypoint, resolvedPluginDir)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	dirInfo, err := os.Stat(resolvedPluginDir)
	if err != nil {
		return fmt.Errorf("plugin directory not found: %w", err)
	}
	if dirInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", resolvedPluginDir)
	}

	return nil
}
