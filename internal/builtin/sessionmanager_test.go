package builtin

import (
	"os/exec"
	"strings"
	"testing"

	"github.com/davawen/keal/internal/protocol"
)

func TestSessionManagerChoices(t *testing.T) {
	tests := []struct {
		name      string
		desktop   string
		wantFirst string
		wantCount int
	}{
		{name: "gnome gets a logout entry", desktop: "GNOME", wantFirst: "Log out", wantCount: 5},
		{name: "colon separated desktop value", desktop: "ubuntu:GNOME", wantFirst: "Log out", wantCount: 5},
		{name: "unknown desktop omits logout", desktop: "mystery-wm", wantFirst: "Suspend", wantCount: 4},
		{name: "empty desktop omits logout", desktop: "", wantFirst: "Suspend", wantCount: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := newSessionManager(tt.desktop)
			got := sm.InitialChoices()
			if len(got) != tt.wantCount {
				t.Fatalf("choices = %d, want %d", len(got), tt.wantCount)
			}
			if got[0].Name != tt.wantFirst {
				t.Fatalf("first choice = %q, want %q", got[0].Name, tt.wantFirst)
			}
		})
	}
}

func TestSessionManagerEnterRunsCommandAndForks(t *testing.T) {
	sm := newSessionManager("")
	var launched *exec.Cmd
	sm.launch = func(cmd *exec.Cmd) error {
		launched = cmd
		return nil
	}

	// First entry without a desktop is Suspend.
	act, err := sm.Send(protocol.EnterEvent(0))
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != protocol.ActionFork {
		t.Fatalf("action = %s, want fork", act.Kind)
	}
	if got := strings.Join(launched.Args, " "); got != "systemctl suspend" {
		t.Fatalf("command = %q", got)
	}
}

func TestSessionManagerShiftEnterAnsweredNone(t *testing.T) {
	sm := newSessionManager("GNOME")
	sm.launch = func(*exec.Cmd) error {
		t.Fatal("must not launch")
		return nil
	}
	act, err := sm.Send(protocol.ShiftEnterEvent(0))
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != protocol.ActionNone {
		t.Fatalf("action = %s, want none", act.Kind)
	}
}
