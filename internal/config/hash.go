package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ErrNoChecksums reports that a directory carries no .checksums
// manifest. Verification is skipped in that case, never failed.
var ErrNoChecksums = errors.New("checksums file not found")

// ChecksumManifest is the parsed .checksums file. Hashes are keyed by
// path relative to the config directory for files under it, absolute
// path otherwise.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockFileResult captures the checksum outcome for one locked file.
type LockFileResult struct {
	Key    string
	Path   string
	Exists bool
	Hash   string
}

// LockReport captures checksum generation details for a config directory.
type LockReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Files        []LockFileResult
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// checksumKey maps a file path to its manifest key.
func checksumKey(configDir, path string) string {
	if rel, err := filepath.Rel(configDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}

// DiscoverManifests returns every plugin manifest one directory level
// under the given roots, in sorted order.
func DiscoverManifests(pluginRoots []string) []string {
	var out []string
	for _, root := range pluginRoots {
		matches, err := filepath.Glob(filepath.Join(root, "*", "manifest.yaml"))
		if err != nil {
			continue
		}
		out = append(out, matches...)
	}
	sort.Strings(out)
	return out
}

// LockTargets resolves the file set `config lock` covers: the config
// file itself plus every discovered plugin manifest. The config is
// read without integrity verification so a directory can be re-locked
// after an intentional edit.
func LockTargets(configDir string) ([]string, error) {
	configFile := filepath.Join(configDir, "config.yaml")
	cfg, err := loadConfigFile(configFile)
	if err != nil {
		return nil, err
	}
	cfg = applyConfigDefaults(cfg)
	return append([]string{configFile}, DiscoverManifests(cfg.PluginRoots)...), nil
}

// WriteChecksums computes BLAKE3 hashes for the given files and writes
// the .checksums manifest into configDir. Missing files are reported
// but not hashed. When dryRun is true nothing is written.
func WriteChecksums(configDir string, paths []string, dryRun bool) (*LockReport, error) {
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string),
	}

	report := &LockReport{
		ConfigDir:    configDir,
		ChecksumPath: filepath.Join(configDir, ".checksums"),
		Written:      false,
		Files:        make([]LockFileResult, 0, len(paths)),
	}

	for _, path := range paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %q: %w", path, err)
		}
		key := checksumKey(configDir, absPath)

		if _, err := os.Stat(absPath); os.IsNotExist(err) {
			report.Files = append(report.Files, LockFileResult{
				Key:    key,
				Path:   absPath,
				Exists: false,
			})
			continue
		}

		hash, err := ComputeBlake3Hash(absPath)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", absPath, err)
		}

		manifest.Hashes[key] = hash
		report.Files = append(report.Files, LockFileResult{
			Key:    key,
			Path:   absPath,
			Exists: true,
			Hash:   hash,
		})
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}

	// Restrictive permissions: the manifest holds the expected hashes
	if err := os.WriteFile(report.ChecksumPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true

	return report, nil
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	checksumPath := filepath.Join(configDir, ".checksums")

	data, err := os.ReadFile(checksumPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoChecksums
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}

	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}

	return &manifest, nil
}

// VerifyFile checks one file against the manifest. A file absent from
// the manifest fails: once a directory is locked, every verified file
// must be covered.
func (m *ChecksumManifest) VerifyFile(configDir, path string) error {
	key := checksumKey(configDir, path)
	expectedHash, ok := m.Hashes[key]
	if !ok {
		return fmt.Errorf("file %s has no hash in checksums\n"+
			"Run: keal config lock", key)
	}

	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("integrity verification failed for %s: %w\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited this file intentionally, run: keal config lock", path, err)
	}

	return nil
}
