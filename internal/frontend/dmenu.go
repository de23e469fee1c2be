package frontend

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/davawen/keal/internal/entries"
	"github.com/davawen/keal/internal/events"
	"github.com/davawen/keal/internal/log"
	"github.com/davawen/keal/internal/protocol"
)

// DmenuEngine serves dmenu mode: a fixed catalog read from stdin,
// ranked like any other query, with the selection printed to stdout.
// No plugins and no usage counting are involved.
type DmenuEngine struct {
	store *entries.Store
	hub   *events.Hub
	out   io.Writer
}

func NewDmenuEngine(choices []protocol.Choice, maxResults int, hub *events.Hub, out io.Writer) *DmenuEngine {
	store := entries.NewStore(maxResults, nil)
	cat := make([]entries.Entry, len(choices))
	for i, c := range choices {
		cat[i] = entries.Entry{Choice: c, Source: "stdin", SourceIndex: i}
	}
	store.SetCatalog(cat)
	return &DmenuEngine{store: store, hub: hub, out: out}
}

// Prime publishes the unfiltered list before the first keystroke.
func (e *DmenuEngine) Prime() {
	e.hub.Publish(events.TypeChoices, e.store.SetQuery(""))
}

func (e *DmenuEngine) Input(text string) {
	e.hub.Publish(events.TypeChoices, e.store.SetQuery(text))
}

func (e *DmenuEngine) Activate(index int, shift bool) {
	row, err := e.store.At(index)
	if err != nil {
		return
	}
	fmt.Fprintln(e.out, row.Name)
	e.hub.Publish(events.TypeCloseRequested, nil)
}

// ReadRofiChoices parses extended dmenu input: one entry per line, an
// optional `\x00icon\x1f<icon>` suffix attaching an icon reference.
func ReadRofiChoices(r io.Reader) ([]protocol.Choice, error) {
	var out []protocol.Choice
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		name, meta, found := strings.Cut(line, "\x00")
		c := protocol.Choice{Name: name}
		if found {
			if v, ok := strings.CutPrefix(meta, "icon\x1f"); ok {
				c.Icon = protocol.ResolveIcon(v, ".")
			}
		}
		out = append(out, c)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadKealChoices parses stdin in the wire choice-list block format,
// `name:`/`icon:`/`comment:` lines terminated by `end`.
func ReadKealChoices(r io.Reader) ([]protocol.Choice, error) {
	choices, skipped, err := protocol.DecodeChoiceList(protocol.NewScanReader(r), ".")
	if err != nil {
		return nil, err
	}
	for _, line := range skipped {
		log.Warn("ignoring malformed input line", "line", line)
	}
	return choices, nil
}
