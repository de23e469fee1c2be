package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestWriteAndVerifyChecksums(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	manifestPath := filepath.Join(dir, "plugins", "files", "manifest.yaml")
	writeFile(t, configPath, "max_results: 10\n")
	writeFile(t, manifestPath, "name: files\nprefix: fs\nentrypoint: run.sh\n")

	report, err := WriteChecksums(dir, []string{configPath, manifestPath}, false)
	if err != nil {
		t.Fatalf("WriteChecksums() error = %v", err)
	}
	if !report.Written {
		t.Error("report should mark the manifest as written")
	}
	if len(report.Files) != 2 {
		t.Fatalf("want 2 file results, got %d", len(report.Files))
	}

	manifest, err := LoadChecksums(dir)
	if err != nil {
		t.Fatalf("LoadChecksums() error = %v", err)
	}
	if _, ok := manifest.Hashes["config.yaml"]; !ok {
		t.Errorf("config.yaml should be keyed relative to the config dir: %v", manifest.Hashes)
	}
	if _, ok := manifest.Hashes[filepath.Join("plugins", "files", "manifest.yaml")]; !ok {
		t.Errorf("nested manifest should be keyed relative to the config dir: %v", manifest.Hashes)
	}

	if err := manifest.VerifyFile(dir, configPath); err != nil {
		t.Errorf("untouched file should verify: %v", err)
	}

	// tamper and re-verify
	writeFile(t, manifestPath, "name: files\nprefix: zz\nentrypoint: run.sh\n")
	if err := manifest.VerifyFile(dir, manifestPath); err == nil {
		t.Error("tampered file should fail verification")
	}

	if err := manifest.VerifyFile(dir, filepath.Join(dir, "other.yaml")); err == nil {
		t.Error("file absent from the manifest should fail verification")
	}
}

func TestWriteChecksumsDryRun(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	writeFile(t, configPath, "max_results: 10\n")

	report, err := WriteChecksums(dir, []string{configPath}, true)
	if err != nil {
		t.Fatalf("WriteChecksums() error = %v", err)
	}
	if report.Written {
		t.Error("dry run must not write")
	}
	if report.Files[0].Hash == "" {
		t.Error("dry run should still compute hashes")
	}

	if _, err := os.Stat(filepath.Join(dir, ".checksums")); !os.IsNotExist(err) {
		t.Error("dry run left a .checksums file behind")
	}
}

func TestWriteChecksumsMissingFile(t *testing.T) {
	dir := t.TempDir()
	report, err := WriteChecksums(dir, []string{filepath.Join(dir, "absent.yaml")}, false)
	if err != nil {
		t.Fatalf("WriteChecksums() error = %v", err)
	}
	if report.Files[0].Exists {
		t.Error("missing file should be reported as absent")
	}

	manifest, err := LoadChecksums(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifest.Hashes) != 0 {
		t.Errorf("missing files must not be hashed: %v", manifest.Hashes)
	}
}

func TestLoadChecksumsMissing(t *testing.T) {
	_, err := LoadChecksums(t.TempDir())
	if !errors.Is(err, ErrNoChecksums) {
		t.Errorf("want ErrNoChecksums, got %v", err)
	}
}

func TestLoadHonorsChecksums(t *testing.T) {
	dir := t.TempDir()
	roots := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	writeFile(t, configPath, "max_results: 10\nplugin_roots: ["+roots+"]\n")

	if _, err := WriteChecksums(dir, []string{configPath}, false); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(configPath); err != nil {
		t.Fatalf("locked and untouched config should load: %v", err)
	}

	// a config edit after locking must be rejected
	writeFile(t, configPath, "max_results: 11\nplugin_roots: ["+roots+"]\n")
	if _, err := Load(configPath); err == nil {
		t.Error("modified config should fail hash verification")
	}
}

func TestLockTargetsCoverManifests(t *testing.T) {
	dir := t.TempDir()
	roots := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	manifestPath := filepath.Join(roots, "files", "manifest.yaml")
	writeFile(t, configPath, "max_results: 10\nplugin_roots: ["+roots+"]\n")
	writeFile(t, manifestPath, "name: files\nprefix: fs\nentrypoint: run.sh\n")

	targets, err := LockTargets(dir)
	if err != nil {
		t.Fatalf("LockTargets() error = %v", err)
	}
	if len(targets) != 2 || targets[0] != configPath || targets[1] != manifestPath {
		t.Fatalf("targets = %v, want the config file and the discovered manifest", targets)
	}
}

func TestLoadVerifiesPluginManifests(t *testing.T) {
	dir := t.TempDir()
	roots := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	manifestPath := filepath.Join(roots, "files", "manifest.yaml")
	manifestBody := "name: files\nprefix: fs\nentrypoint: run.sh\n"
	writeFile(t, configPath, "max_results: 10\nplugin_roots: ["+roots+"]\n")
	writeFile(t, manifestPath, manifestBody)

	targets, err := LockTargets(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := WriteChecksums(dir, targets, false); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(configPath); err != nil {
		t.Fatalf("locked and untouched tree should load: %v", err)
	}

	// a manifest edit after locking must be rejected even though the
	// config file itself is untouched
	writeFile(t, manifestPath, "name: files\nprefix: zz\nentrypoint: run.sh\n")
	if _, err := Load(configPath); err == nil {
		t.Error("tampered plugin manifest should fail verification")
	}

	// a manifest added after locking is uncovered and fails too
	writeFile(t, manifestPath, manifestBody)
	writeFile(t, filepath.Join(roots, "web", "manifest.yaml"), "name: web\nprefix: w\nentrypoint: run.sh\n")
	if _, err := Load(configPath); err == nil {
		t.Error("manifest added after locking should fail verification")
	}
}

func TestComputeBlake3Hash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	writeFile(t, path, "hello")

	h1, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatalf("ComputeBlake3Hash() error = %v", err)
	}
	if len(h1) != 64 {
		t.Errorf("want 64 hex chars, got %d", len(h1))
	}

	writeFile(t, path, "hello world")
	h2, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("different content should hash differently")
	}
}
