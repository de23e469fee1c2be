package builtin

import (
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/davawen/keal/internal/log"
	"github.com/davawen/keal/internal/plugin"
	"github.com/davawen/keal/internal/protocol"
)

type powerAction struct {
	choice protocol.Choice
	argv   []string
}

// SessionManager ends or suspends the desktop session: log out,
// suspend, hibernate, reboot, power off.
type SessionManager struct {
	base
	logger  *slog.Logger
	actions []powerAction
	launch  func(*exec.Cmd) error
}

func NewSessionManager() *SessionManager {
	return newSessionManager(os.Getenv("XDG_CURRENT_DESKTOP"))
}

func newSessionManager(desktop string) *SessionManager {
	sm := &SessionManager{
		base:   base{name: "session", subscription: protocol.EventEnter},
		logger: log.WithComponent("builtin.session"),
		launch: launchDetached,
	}

	// Logging out needs the desktop's own session command; without a
	// recognized desktop the entry is omitted rather than guessed.
	if argv := logoutCommand(desktop); argv != nil {
		sm.actions = append(sm.actions, powerAction{
			choice: protocol.Choice{Name: "Log out", Icon: &protocol.IconRef{Name: "system-log-out"}},
			argv:   argv,
		})
	}
	sm.actions = append(sm.actions,
		powerAction{
			choice: protocol.Choice{Name: "Suspend", Icon: &protocol.IconRef{Name: "system-suspend"}},
			argv:   []string{"systemctl", "suspend"},
		},
		powerAction{
			choice: protocol.Choice{Name: "Hibernate", Icon: &protocol.IconRef{Name: "system-suspend-hibernate"}},
			argv:   []string{"systemctl", "hibernate"},
		},
		powerAction{
			choice: protocol.Choice{Name: "Reboot", Icon: &protocol.IconRef{Name: "system-reboot"}},
			argv:   []string{"systemctl", "reboot"},
		},
		powerAction{
			choice: protocol.Choice{Name: "Power off", Icon: &protocol.IconRef{Name: "system-shutdown"}},
			argv:   []string{"systemctl", "poweroff"},
		},
	)
	return sm
}

func (sm *SessionManager) Descriptor() *plugin.Descriptor {
	return &plugin.Descriptor{
		Name:    sm.name,
		Prefix:  "sm",
		Icon:    &protocol.IconRef{Name: "system-shutdown"},
		Comment: "Manage the desktop session",
		Builtin: true,
	}
}

func (sm *SessionManager) InitialChoices() []protocol.Choice {
	out := make([]protocol.Choice, len(sm.actions))
	for i, a := range sm.actions {
		out[i] = a.choice
	}
	return out
}

func (sm *SessionManager) Send(ev protocol.Event) (*protocol.Action, error) {
	if !sm.subscribed(ev) {
		return noneAction(), nil
	}
	i, err := choiceIndex(ev, len(sm.actions))
	if err != nil {
		return nil, err
	}

	a := sm.actions[i]
	if err := sm.launch(exec.Command(a.argv[0], a.argv[1:]...)); err != nil {
		sm.logger.Error("session command failed", "action", a.choice.Name, "error", err)
		return noneAction(), nil
	}
	sm.logger.Info("session command issued", "action", a.choice.Name)
	return forkAction(), nil
}

func logoutCommand(desktop string) []string {
	d := strings.ToLower(desktop)
	switch {
	case strings.Contains(d, "gnome"):
		return []string{"gnome-session-quit", "--logout", "--no-prompt"}
	case strings.Contains(d, "kde"):
		return []string{"qdbus", "org.kde.ksmserver", "/KSMServer", "logout", "0", "0", "0"}
	case strings.Contains(d, "xfce"):
		return []string{"xfce4-session-logout", "--logout"}
	case strings.Contains(d, "hyprland"):
		return []string{"hyprctl", "dispatch", "exit"}
	case strings.Contains(d, "sway"):
		return []string{"swaymsg", "exit"}
	}
	return nil
}
