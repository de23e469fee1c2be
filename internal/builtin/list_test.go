package builtin

import (
	"testing"

	"github.com/davawen/keal/internal/plugin"
	"github.com/davawen/keal/internal/protocol"
)

func testRegistry(t *testing.T) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry()
	descs := []*plugin.Descriptor{
		{Name: "applications", Builtin: true}, // catalog-only, no prefix
		{Name: "files", Prefix: "fs", Comment: "Browse files", Entrypoint: "/usr/lib/keal/files/run.sh"},
		{Name: "github", Prefix: "gh", Entrypoint: "/usr/lib/keal/github/run.sh"},
	}
	for _, d := range descs {
		if err := reg.Add(d); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func TestListShowsPrefixedPlugins(t *testing.T) {
	reg := testRegistry(t)
	l := NewList(reg)
	if err := reg.Add(l.Descriptor()); err != nil {
		t.Fatal(err)
	}

	got := l.InitialChoices()
	if len(got) != 2 {
		t.Fatalf("choices = %d, want 2 (no self, no prefixless)", len(got))
	}
	if got[0].Name != "files" || got[1].Name != "github" {
		t.Fatalf("choices = %v", got)
	}
	if got[0].Comment != "Browse files" {
		t.Errorf("comment = %q", got[0].Comment)
	}
}

func TestListEnterRewritesInputToPrefix(t *testing.T) {
	reg := testRegistry(t)
	l := NewList(reg)

	act, err := l.Send(protocol.EnterEvent(1))
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != protocol.ActionChangeInput {
		t.Fatalf("action = %s, want change_input", act.Kind)
	}
	if act.Text != "gh " {
		t.Fatalf("rewritten input = %q, want \"gh \"", act.Text)
	}
}

func TestListIgnoresQueryEvents(t *testing.T) {
	l := NewList(testRegistry(t))
	act, err := l.Send(protocol.QueryEvent("git"))
	if err != nil {
		t.Fatal(err)
	}
	if act.Kind != protocol.ActionNone {
		t.Fatalf("action = %s, want none", act.Kind)
	}
}
