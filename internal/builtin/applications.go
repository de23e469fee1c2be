package builtin

import (
	"bufio"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/davawen/keal/internal/log"
	"github.com/davawen/keal/internal/plugin"
	"github.com/davawen/keal/internal/protocol"
)

// desktop entry field codes are expanded by the file manager, never by
// a launcher invoking the bare Exec line
var fieldCodes = regexp.MustCompile(`%[fFuUdDnNickvm]`)

type desktopApp struct {
	choice    protocol.Choice
	exec      string
	terminal  bool
	matchText string
}

// Applications is the catalog plugin: every installed .desktop entry,
// launched with fork semantics on enter.
type Applications struct {
	base
	logger   *slog.Logger
	terminal string
	apps     []desktopApp
	launch   func(*exec.Cmd) error
}

// NewApplications scans the XDG data dirs for desktop entries.
// terminal is the emulator used for Terminal=true entries; empty means
// such entries run without one.
func NewApplications(terminal string) *Applications {
	a := &Applications{
		base:     base{name: "applications", subscription: protocol.EventEnter},
		logger:   log.WithComponent("builtin.applications"),
		terminal: terminal,
		launch:   launchDetached,
	}
	a.apps = scanApplications(dataDirs(), os.Getenv("XDG_CURRENT_DESKTOP"), a.logger)
	return a
}

// Descriptor registers the plugin as catalog-only: no prefix, part of
// the default set.
func (a *Applications) Descriptor() *plugin.Descriptor {
	return &plugin.Descriptor{
		Name:    a.name,
		Icon:    &protocol.IconRef{Name: "applications-all"},
		Comment: "Installed applications",
		Builtin: true,
	}
}

func (a *Applications) InitialChoices() []protocol.Choice {
	out := make([]protocol.Choice, len(a.apps))
	for i, app := range a.apps {
		out[i] = app.choice
	}
	return out
}

// MatchText widens ranking to the entry's generic name, categories and
// keywords without displaying them.
func (a *Applications) MatchText(index int) string {
	if index < 0 || index >= len(a.apps) {
		return ""
	}
	return a.apps[index].matchText
}

func (a *Applications) Send(ev protocol.Event) (*protocol.Action, error) {
	if !a.subscribed(ev) {
		return noneAction(), nil
	}
	i, err := choiceIndex(ev, len(a.apps))
	if err != nil {
		return nil, err
	}

	app := a.apps[i]
	command := strings.TrimSpace(fieldCodes.ReplaceAllString(app.exec, ""))

	var cmd *exec.Cmd
	if app.terminal && a.terminal != "" {
		cmd = exec.Command(a.terminal, "-e", "sh", "-c", command)
	} else {
		cmd = exec.Command("sh", "-c", command)
	}

	if err := a.launch(cmd); err != nil {
		a.logger.Error("launch failed", "app", app.choice.Name, "error", err)
		return noneAction(), nil
	}
	a.logger.Info("launched", "app", app.choice.Name)
	return forkAction(), nil
}

// dataDirs returns the XDG data directories in precedence order.
func dataDirs() []string {
	var dirs []string
	if h := os.Getenv("XDG_DATA_HOME"); h != "" {
		dirs = append(dirs, h)
	} else if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "share"))
	}
	if ds := os.Getenv("XDG_DATA_DIRS"); ds != "" {
		dirs = append(dirs, filepath.SplitList(ds)...)
	} else {
		dirs = append(dirs, "/usr/local/share", "/usr/share")
	}
	return dirs
}

// scanApplications walks <dir>/applications under each data dir. The
// first occurrence of a desktop file ID wins, matching XDG precedence.
func scanApplications(dirs []string, currentDesktop string, logger *slog.Logger) []desktopApp {
	var apps []desktopApp
	seen := make(map[string]bool)

	for _, dir := range dirs {
		root := filepath.Join(dir, "applications")
		filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() || !strings.HasSuffix(path, ".desktop") {
				return nil
			}
			id, _ := filepath.Rel(root, path)
			id = strings.ReplaceAll(id, string(filepath.Separator), "-")
			if seen[id] {
				return nil
			}
			seen[id] = true

			app, ok, err := parseDesktopFile(path, currentDesktop)
			if err != nil {
				logger.Debug("skipping desktop file", "path", path, "error", err)
				return nil
			}
			if ok {
				apps = append(apps, app)
			}
			return nil
		})
	}
	return apps
}

// parseDesktopFile reads the [Desktop Entry] group of one file. ok is
// false for entries that exist but should not be shown (NoDisplay,
// Hidden, wrong desktop, non-application types).
func parseDesktopFile(path, currentDesktop string) (desktopApp, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return desktopApp{}, false, err
	}
	defer f.Close()

	fields := make(map[string]string)
	inEntry := false

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			inEntry = line == "[Desktop Entry]"
			continue
		}
		if !inEntry {
			continue
		}
		k, v, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		k = strings.TrimSpace(k)
		if strings.Contains(k, "[") {
			// localized variant, the unlocalized key is enough
			continue
		}
		fields[k] = strings.TrimSpace(v)
	}
	if err := sc.Err(); err != nil {
		return desktopApp{}, false, err
	}

	if fields["Type"] != "Application" {
		return desktopApp{}, false, nil
	}
	if fields["NoDisplay"] == "true" || fields["Hidden"] == "true" {
		return desktopApp{}, false, nil
	}
	if !desktopAdmits(fields["OnlyShowIn"], fields["NotShowIn"], currentDesktop) {
		return desktopApp{}, false, nil
	}
	name, execLine := fields["Name"], fields["Exec"]
	if name == "" || execLine == "" {
		return desktopApp{}, false, nil
	}

	match := []string{name}
	for _, k := range []string{"GenericName", "Categories", "Keywords", "Comment"} {
		if v := fields[k]; v != "" {
			match = append(match, strings.ReplaceAll(v, ";", " "))
		}
	}

	return desktopApp{
		choice: protocol.Choice{
			Name:    name,
			Icon:    protocol.ResolveIcon(fields["Icon"], filepath.Dir(path)),
			Comment: fields["Comment"],
		},
		exec:      execLine,
		terminal:  fields["Terminal"] == "true",
		matchText: strings.Join(match, " "),
	}, true, nil
}

// desktopAdmits applies the OnlyShowIn/NotShowIn filters against the
// colon-separated $XDG_CURRENT_DESKTOP value.
func desktopAdmits(onlyShowIn, notShowIn, current string) bool {
	currents := strings.Split(current, ":")
	contains := func(list string) bool {
		for _, want := range strings.Split(list, ";") {
			if want == "" {
				continue
			}
			for _, c := range currents {
				if strings.EqualFold(c, want) {
					return true
				}
			}
		}
		return false
	}

	if notShowIn != "" && contains(notShowIn) {
		return false
	}
	if onlyShowIn != "" && !contains(onlyShowIn) {
		return false
	}
	return true
}
