// Package frontend is the thin presentation layer: a text input over a
// result list. It forwards edits and activations to the engine and
// repaints on hub events; no routing or ranking logic lives here.
package frontend

import (
	"encoding/json"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/davawen/keal/internal/entries"
	"github.com/davawen/keal/internal/events"
	"github.com/davawen/keal/internal/log"
)

// Engine is the surface the frontend drives. Implemented by the
// dispatcher, and by the local stdin engine in dmenu mode.
type Engine interface {
	Input(text string)
	Activate(index int, shift bool)
}

var (
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170")).Bold(true)
	matchStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Underline(true)
	commentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	noticeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

type hubEventMsg events.Event

// Model is the launcher's bubbletea model.
type Model struct {
	engine Engine
	hubCh  <-chan events.Event
	cancel func()

	input    textinput.Model
	rows     []entries.Ranked
	selected int
	notice   string
	maxRows  int
}

// NewModel subscribes to the hub and builds the input widget. The
// subscription is released when the model quits.
func NewModel(engine Engine, hub *events.Hub, placeholder string) *Model {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.Prompt = "> "
	ti.Focus()

	ch, cancel := hub.Subscribe()
	return &Model{
		engine:  engine,
		hubCh:   ch,
		cancel:  cancel,
		input:   ti,
		maxRows: 15,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.nextEvent())
}

func (m *Model) nextEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.hubCh
		if !ok {
			return nil
		}
		return hubEventMsg(ev)
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.cancel()
			return m, tea.Quit
		case "up", "ctrl+k":
			if m.selected > 0 {
				m.selected--
			}
			return m, nil
		case "down", "ctrl+j":
			if m.selected < len(m.rows)-1 {
				m.selected++
			}
			return m, nil
		case "enter":
			m.engine.Activate(m.selected, false)
			return m, nil
		case "shift+enter", "alt+enter":
			// most terminals cannot report shift+enter, alt+enter is
			// the reachable spelling
			m.engine.Activate(m.selected, true)
			return m, nil
		}

		before := m.input.Value()
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		if after := m.input.Value(); after != before {
			m.notice = ""
			m.engine.Input(after)
		}
		return m, cmd

	case tea.WindowSizeMsg:
		if msg.Height > 4 {
			m.maxRows = msg.Height - 4
		}
		return m, nil

	case hubEventMsg:
		return m.onHubEvent(events.Event(msg))
	}

	return m, nil
}

func (m *Model) onHubEvent(ev events.Event) (tea.Model, tea.Cmd) {
	switch ev.Type {
	case events.TypeChoices:
		var rows []entries.Ranked
		if err := json.Unmarshal(ev.Data, &rows); err != nil {
			log.Warn("bad choices payload", "error", err)
			return m, m.nextEvent()
		}
		m.rows = rows
		if m.selected >= len(rows) {
			m.selected = 0
		}

	case events.TypeInputRewritten:
		var p events.InputPayload
		if err := json.Unmarshal(ev.Data, &p); err == nil {
			m.input.SetValue(p.Input)
			m.input.CursorEnd()
		}

	case events.TypeCloseRequested:
		m.cancel()
		return m, tea.Quit

	case events.TypeViolation:
		var p events.ErrorPayload
		if err := json.Unmarshal(ev.Data, &p); err == nil {
			m.notice = p.Plugin + " misbehaved and was stopped"
		}

	case events.TypeSpawnFailure:
		var p events.ErrorPayload
		if err := json.Unmarshal(ev.Data, &p); err == nil {
			m.notice = p.Plugin + " could not be started"
		}
	}

	return m, m.nextEvent()
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(m.input.View())
	b.WriteString("\n\n")

	first := 0
	if m.selected >= m.maxRows {
		first = m.selected - m.maxRows + 1
	}
	last := first + m.maxRows
	if last > len(m.rows) {
		last = len(m.rows)
	}

	for i := first; i < last; i++ {
		b.WriteString(m.renderRow(i))
		b.WriteByte('\n')
	}

	if m.notice != "" {
		b.WriteByte('\n')
		b.WriteString(noticeStyle.Render("! " + m.notice))
		b.WriteByte('\n')
	}
	return b.String()
}

func (m *Model) renderRow(i int) string {
	r := m.rows[i]

	name := highlight(r.Name, r.NameIndexes)
	line := "  " + name
	if i == m.selected {
		line = selectedStyle.Render("> ") + name
	}
	if r.Comment != "" {
		line += "  " + commentStyle.Render(highlight(r.Comment, r.CommentIndexes))
	}
	return line
}

// highlight underlines the matched byte positions of s.
func highlight(s string, indexes []int) string {
	if len(indexes) == 0 {
		return s
	}
	set := make(map[int]bool, len(indexes))
	for _, i := range indexes {
		set[i] = true
	}
	var b strings.Builder
	for i, r := range s {
		if set[i] {
			b.WriteString(matchStyle.Render(string(r)))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
