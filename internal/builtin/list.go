package builtin

import (
	"github.com/davawen/keal/internal/plugin"
	"github.com/davawen/keal/internal/protocol"
)

// List shows every prefixed plugin; selecting one rewrites the input
// to that plugin's prefix, dropping the user into it.
type List struct {
	base
	registry *plugin.Registry
}

func NewList(reg *plugin.Registry) *List {
	return &List{
		base:     base{name: "list", subscription: protocol.EventEnter},
		registry: reg,
	}
}

func (l *List) Descriptor() *plugin.Descriptor {
	return &plugin.Descriptor{
		Name:    l.name,
		Prefix:  "ls",
		Icon:    &protocol.IconRef{Name: "view-list-symbolic"},
		Comment: "List available plugins",
		Builtin: true,
	}
}

// entries snapshots the registry so the indexes of InitialChoices and
// Send line up even if discovery order ever changes between calls.
func (l *List) entries() []*plugin.Descriptor {
	var out []*plugin.Descriptor
	for _, d := range l.registry.All() {
		if d.Prefix == "" || d.Name == l.name {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (l *List) InitialChoices() []protocol.Choice {
	descs := l.entries()
	out := make([]protocol.Choice, len(descs))
	for i, d := range descs {
		out[i] = protocol.Choice{Name: d.Name, Icon: d.Icon, Comment: d.Comment}
	}
	return out
}

func (l *List) Send(ev protocol.Event) (*protocol.Action, error) {
	if !l.subscribed(ev) {
		return noneAction(), nil
	}
	descs := l.entries()
	i, err := choiceIndex(ev, len(descs))
	if err != nil {
		return nil, err
	}
	return &protocol.Action{
		Kind: protocol.ActionChangeInput,
		Text: descs[i].Prefix + " ",
	}, nil
}
