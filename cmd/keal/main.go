package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/davawen/keal/internal/builtin"
	"github.com/davawen/keal/internal/config"
	"github.com/davawen/keal/internal/dispatch"
	"github.com/davawen/keal/internal/doctor"
	"github.com/davawen/keal/internal/entries"
	"github.com/davawen/keal/internal/events"
	"github.com/davawen/keal/internal/frontend"
	"github.com/davawen/keal/internal/lock"
	"github.com/davawen/keal/internal/log"
	"github.com/davawen/keal/internal/plugin"
	"github.com/davawen/keal/internal/protocol"
	"github.com/davawen/keal/internal/session"
	"github.com/davawen/keal/internal/usage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	// Bare invocation (or flags only) runs the launcher itself.
	if len(cliArgs) == 0 || strings.HasPrefix(cliArgs[0], "-") && cliArgs[0] != "--version" && cliArgs[0] != "--help" && cliArgs[0] != "-h" {
		return runRun(cliArgs)
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "run":
		return runRun(args)
	case "config":
		return runConfigNoun(args)
	case "plugin":
		return runPluginNoun(args)
	case "usage":
		return runUsageNoun(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: keal version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("keal %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalized
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`keal - Keyboard-driven application launcher

Usage:
  keal [flags]                 Run the launcher
  keal <noun> <action> [flags]

Launcher Flags:
  --config PATH     Configuration file or directory
  --dmenu           Read choices from stdin, print the selection to stdout
  --keal            With --dmenu, parse stdin in the keal choice format

Config Commands:
  config check      Validate configuration against discovered plugins
  config lock       Authorize the current config (update integrity hashes)

Plugin Commands:
  plugin list       Show discovered and builtin plugins

Usage Commands:
  usage reset       Clear the usage-frequency counters

General:
  doctor            Alias for config check
  version           Show version information
  help              Show this help message

Use 'keal <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runPluginNoun(args []string) int {
	if len(args) < 1 {
		printPluginNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printPluginNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printPluginListHelp()
			return 0
		}
		return runPluginList(actionArgs)
	case "help":
		printPluginNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown plugin action: %s\n", action)
		return 1
	}
}

func runUsageNoun(args []string) int {
	if len(args) < 1 {
		printUsageNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printUsageNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "reset":
		if hasHelpFlag(actionArgs) {
			printUsageResetHelp()
			return 0
		}
		return runUsageReset(actionArgs)
	case "help":
		printUsageNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown usage action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: keal config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock")
}

func printPluginNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: keal plugin <action> [flags]")
	fmt.Fprintln(w, "Actions: list")
}

func printUsageNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: keal usage <action> [flags]")
	fmt.Fprintln(w, "Actions: reset")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: keal config check [--config PATH] [--json]")
	fmt.Println("Validate configuration syntax, plugin references, and environment.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Configuration is valid (warnings allowed)")
	fmt.Println("  2  One or more errors found")
}

func printConfigLockHelp() {
	fmt.Println("Usage: keal config lock [--config PATH] [--dry-run]")
	fmt.Println("Authorize the current configuration by regenerating integrity hashes.")
}

func printPluginListHelp() {
	fmt.Println("Usage: keal plugin list [--config PATH] [--json]")
	fmt.Println("Show every discovered plugin and builtin with its prefix.")
}

func printUsageResetHelp() {
	fmt.Println("Usage: keal usage reset [--config PATH]")
	fmt.Println("Clear the usage-frequency counters backing catalog ranking.")
}

// --- ACTION IMPLEMENTATIONS ---

func loadLauncherConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		return config.LoadOrDefault()
	}
	return config.Load(configPath)
}

func discoveryLogger(logger *slog.Logger) func(level, msg string, args ...any) {
	return func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "info":
			logger.Info(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		}
	}
}

// builtinPlugin is a session that also describes itself to the
// registry.
type builtinPlugin interface {
	dispatch.Session
	Descriptor() *plugin.Descriptor
}

// buildRegistry discovers subprocess plugins, registers the builtin
// descriptors, and applies config overrides on top.
func buildRegistry(cfg *config.Config) (*plugin.Registry, []builtinPlugin, error) {
	logger := log.WithComponent("plugin")

	registry, err := plugin.DiscoverMany(cfg.PluginRoots, discoveryLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	builtins := []builtinPlugin{
		builtin.NewApplications(cfg.Terminal),
		builtin.NewList(registry),
		builtin.NewSessionManager(),
	}
	for _, b := range builtins {
		if err := registry.Add(b.Descriptor()); err != nil {
			logger.Warn("builtin shadowed by discovered plugin", "plugin", b.Name(), "error", err.Error())
		}
	}

	for name, o := range cfg.Plugins {
		unknown, err := registry.ApplyOverride(name, plugin.Override{
			Prefix:  o.Prefix,
			Icon:    o.Icon,
			Comment: o.Comment,
			Config:  o.Config,
		})
		if err != nil {
			logger.Warn("plugin override skipped", "plugin", name, "error", err.Error())
			continue
		}
		for _, key := range unknown {
			logger.Warn("unknown config key in override", "plugin", name, "key", key)
		}
	}

	return registry, builtins, nil
}

// supervisorSpawner adapts the session supervisor to the dispatcher,
// which holds sessions by interface only.
type supervisorSpawner struct {
	sv *session.Supervisor
}

func (s supervisorSpawner) Spawn(desc *plugin.Descriptor) (dispatch.Session, error) {
	sess, err := s.sv.Spawn(desc)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("keal", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dmenu := fs.Bool("dmenu", false, "Read choices from stdin and print the selection")
	kealFormat := fs.Bool("keal", false, "With --dmenu, parse stdin in the keal choice format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Unexpected argument: %s\n", fs.Arg(0))
		return 1
	}

	cfg, err := loadLauncherConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.LogLevel)

	if *dmenu {
		return runDmenu(cfg, *kealFormat)
	}
	if *kealFormat {
		fmt.Fprintln(os.Stderr, "--keal only applies together with --dmenu")
		return 1
	}
	return runLauncher(cfg)
}

func runLauncher(cfg *config.Config) int {
	logger := log.WithComponent("main")
	logger.Info("keal starting", "version", version)

	lockPath := filepath.Join(filepath.Dir(cfg.StatePath), "keal.lock")
	pidLock, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var counts *usage.Store
	if cfg.UsageFrequency {
		counts, err = usage.Open(ctx, cfg.StatePath)
		if err != nil {
			logger.Error("failed to open usage database", "path", cfg.StatePath, "error", err)
			return 1
		}
		defer counts.Close()
	}

	registry, builtins, err := buildRegistry(cfg)
	if err != nil {
		logger.Error("plugin discovery failed", "roots", cfg.PluginRoots, "error", err)
		return 1
	}
	logger.Info("plugin discovery complete", "count", len(registry.All()))

	supervisor := session.NewSupervisor(cfg.ReadTimeout)
	defer supervisor.Shutdown()

	hub := events.NewHub(256)

	var counter entries.Counter
	var recorder dispatch.Recorder
	if counts != nil {
		counter = counts
		recorder = counts
	}
	store := entries.NewStore(cfg.MaxResults, counter)

	disp := dispatch.New(registry, supervisorSpawner{sv: supervisor}, store, hub, recorder)
	for _, b := range builtins {
		disp.RegisterBuiltin(b)
	}
	disp.SetDefaults(cfg.DefaultPlugins)

	model := frontend.NewModel(disp, hub, cfg.Placeholder)

	engineErr := make(chan error, 1)
	go func() {
		if err := disp.Start(ctx); err != nil && err != context.Canceled {
			engineErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	p := tea.NewProgram(model, tea.WithAltScreen())
	go func() {
		select {
		case <-sigCh:
			p.Quit()
		case err := <-engineErr:
			logger.Error("engine failed", "error", err)
			p.Quit()
		case <-ctx.Done():
		}
	}()

	if _, err := p.Run(); err != nil {
		logger.Error("frontend failed", "error", err)
		return 1
	}

	cancel()
	logger.Info("keal stopped")
	return 0
}

func runDmenu(cfg *config.Config, kealFormat bool) int {
	logger := log.WithComponent("main")

	var choices []protocol.Choice
	var err error
	if kealFormat {
		choices, err = frontend.ReadKealChoices(os.Stdin)
	} else {
		choices, err = frontend.ReadRofiChoices(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read choices: %v\n", err)
		return 1
	}

	hub := events.NewHub(256)
	engine := frontend.NewDmenuEngine(choices, cfg.MaxResults, hub, os.Stdout)
	model := frontend.NewModel(engine, hub, cfg.Placeholder)
	engine.Prime()

	// The list renders on stderr so stdout stays clean for the
	// selection, same as other stdin pickers.
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithOutput(os.Stderr))
	if _, err := p.Run(); err != nil {
		logger.Error("frontend failed", "error", err)
		return 1
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadLauncherConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 2
	}

	log.Setup("error")

	registry, _, err := buildRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin discovery failed: %v\n", err)
		return 2
	}

	result := doctor.New(cfg, registry).Validate()

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Show what would be hashed without writing")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	configDir := *configPath
	if configDir == "" {
		configDir = config.ConfigDir()
	}
	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		configDir = filepath.Dir(configDir)
	}

	configFile := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configFile); err != nil {
		fmt.Fprintf(os.Stderr, "No config.yaml found in %s\n", configDir)
		return 1
	}

	targets, err := config.LockTargets(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve lock targets: %v\n", err)
		return 1
	}

	report, err := config.WriteChecksums(configDir, targets, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write checksums: %v\n", err)
		return 1
	}

	for _, f := range report.Files {
		if !f.Exists {
			fmt.Printf("  missing  %s\n", f.Key)
			continue
		}
		fmt.Printf("  %s  %s\n", f.Hash[:12], f.Key)
	}
	if *dryRun {
		fmt.Println("Dry run: no checksums written.")
		return 0
	}
	fmt.Printf("Wrote %s\n", report.ChecksumPath)
	return 0
}

type pluginListing struct {
	Name    string `json:"name"`
	Prefix  string `json:"prefix,omitempty"`
	Comment string `json:"comment,omitempty"`
	Path    string `json:"path,omitempty"`
	Builtin bool   `json:"builtin"`
}

func runPluginList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadLauncherConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup("error")

	registry, _, err := buildRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin discovery failed: %v\n", err)
		return 1
	}

	listings := make([]pluginListing, 0, len(registry.All()))
	for _, d := range registry.All() {
		listings = append(listings, pluginListing{
			Name:    d.Name,
			Prefix:  d.Prefix,
			Comment: d.Comment,
			Path:    d.Dir,
			Builtin: d.Builtin,
		})
	}

	if *jsonOut {
		data, err := json.MarshalIndent(listings, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	for _, l := range listings {
		prefix := l.Prefix
		if prefix == "" {
			prefix = "-"
		}
		kind := "plugin"
		if l.Builtin {
			kind = "builtin"
		}
		fmt.Printf("%-20s %-8s %-8s %s\n", l.Name, prefix, kind, l.Comment)
	}
	return 0
}

func runUsageReset(args []string) int {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadLauncherConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup("error")

	ctx := context.Background()
	counts, err := usage.Open(ctx, cfg.StatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open usage database: %v\n", err)
		return 1
	}
	defer counts.Close()

	if err := counts.Reset(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reset usage counters: %v\n", err)
		return 1
	}

	fmt.Printf("Usage counters cleared (%s)\n", cfg.StatePath)
	return 0
}
