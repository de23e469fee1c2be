package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/davawen/keal/internal/entries"
	"github.com/davawen/keal/internal/events"
	"github.com/davawen/keal/internal/log"
	"github.com/davawen/keal/internal/plugin"
	"github.com/davawen/keal/internal/protocol"
)

type inputMsg struct {
	text string
}

type activateMsg struct {
	index int
	shift bool
}

// Dispatcher routes frontend events to plugin sessions and applies
// their actions. All fields below msgs are owned by the Start
// goroutine.
type Dispatcher struct {
	registry *plugin.Registry
	spawner  Spawner
	store    *entries.Store
	hub      *events.Hub
	usage    Recorder
	logger   *slog.Logger

	msgs chan any

	builtins map[string]Session
	defaults []string

	input  string
	query  string
	active string // active prefix plugin, "" when on the catalog

	sessions map[string]Session
	lists    map[string][]protocol.Choice
	extras   map[string][]string
	deflt    map[string]bool
}

// New creates a dispatcher. Builtins and defaults are registered
// before Start; usage may be nil to disable launch counting.
func New(reg *plugin.Registry, spawner Spawner, store *entries.Store, hub *events.Hub, usage Recorder) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		spawner:  spawner,
		store:    store,
		hub:      hub,
		usage:    usage,
		logger:   log.WithComponent("dispatch"),
		msgs:     make(chan any, 16),
		builtins: make(map[string]Session),
		sessions: make(map[string]Session),
		lists:    make(map[string][]protocol.Choice),
		extras:   make(map[string][]string),
		deflt:    make(map[string]bool),
	}
}

// RegisterBuiltin attaches an in-process handler. Its descriptor must
// already be in the registry so routing and the catalog can see it.
func (d *Dispatcher) RegisterBuiltin(s Session) {
	d.builtins[s.Name()] = s
}

// SetDefaults names the sources whose choices form the unprefixed
// catalog, in ranking tie-break order.
func (d *Dispatcher) SetDefaults(names []string) {
	d.defaults = names
	for _, n := range names {
		d.deflt[n] = true
	}
}

// Input reports a changed input line. Safe to call from any goroutine.
func (d *Dispatcher) Input(text string) {
	d.msgs <- inputMsg{text: text}
}

// Activate reports a selection of the displayed row at index.
func (d *Dispatcher) Activate(index int, shift bool) {
	d.msgs <- activateMsg{index: index, shift: shift}
}

// Start runs the engine loop until ctx is cancelled. It spawns the
// default plugins, publishes the initial catalog, then serves messages.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("engine loop started")
	defer d.logger.Info("engine loop stopped")

	d.prime()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-d.msgs:
			switch m := msg.(type) {
			case inputMsg:
				d.processInput(m.text, true)
			case activateMsg:
				d.activate(m.index, m.shift)
			}
		}
	}
}

// prime establishes the default sessions and the initial catalog.
func (d *Dispatcher) prime() {
	for _, name := range d.defaults {
		desc, ok := d.registry.Get(name)
		if !ok {
			d.logger.Warn("unknown default plugin", "plugin", name)
			continue
		}
		if _, err := d.session(desc); err != nil {
			d.spawnFailed(name, err)
		}
	}
	d.rebuildCatalog()
	d.publish(d.store.SetQuery(""))
}

// processInput routes a changed input line. userTyped is false when the
// engine itself rewrote the input after a change_input/change_query
// action; such changes are not echoed back as query events.
func (d *Dispatcher) processInput(text string, userTyped bool) {
	d.input = text

	desc, query, ok := d.registry.Route(text)
	if !ok {
		d.leavePluginMode()
		d.query = text
		d.publish(d.store.SetQuery(text))
		if userTyped {
			d.forwardCatalogQuery(text)
		}
		return
	}

	s := d.liveSession(desc.Name)
	if d.active != desc.Name || s == nil {
		// A finished session is respawned on the next input.
		d.leavePluginMode()
		d.active = desc.Name

		var err error
		s, err = d.session(desc)
		if err != nil {
			d.spawnFailed(desc.Name, err) // shows the synthetic error row
		} else {
			d.store.EnterPluginMode(desc.Name, d.lists[desc.Name])
		}
	}

	d.query = query
	d.publish(d.store.SetQuery(query))

	if userTyped && s != nil && s.Subscription().Has(protocol.EventQuery) {
		act, err := s.Send(protocol.QueryEvent(query))
		if err != nil {
			d.sendFailed(desc.Name, s, err)
			return
		}
		d.apply(desc.Name, s, act)
	}
}

// activate handles enter/shift_enter on the displayed row at index.
func (d *Dispatcher) activate(index int, shift bool) {
	row, err := d.store.At(index)
	if err != nil {
		d.logger.Warn("activation for stale index", "index", index)
		return
	}

	desc, ok := d.registry.Get(row.Source)
	if !ok {
		d.logger.Warn("activation for unknown source", "source", row.Source)
		return
	}

	s, err := d.session(desc)
	if err != nil {
		d.spawnFailed(desc.Name, err)
		return
	}

	if !d.store.InPluginMode() && d.usage != nil {
		d.usage.Increment(row.Source, row.Name)
	}

	ev := protocol.EnterEvent(row.SourceIndex)
	if shift {
		ev = protocol.ShiftEnterEvent(row.SourceIndex)
	}

	act, err := s.Send(ev)
	if err != nil {
		d.sendFailed(desc.Name, s, err)
		return
	}
	d.apply(desc.Name, s, act)
}

// apply carries out one action from the session owning name.
func (d *Dispatcher) apply(name string, s Session, act *protocol.Action) {
	switch act.Kind {
	case protocol.ActionNone:

	case protocol.ActionFork:
		s.Detach()
		delete(d.sessions, name)
		d.hub.Publish(events.TypeCloseRequested, nil)

	case protocol.ActionWaitAndClose:
		s.WaitClose()
		delete(d.sessions, name)
		d.hub.Publish(events.TypeCloseRequested, nil)

	case protocol.ActionChangeInput:
		s.Terminate()
		delete(d.sessions, name)
		d.rewriteInput(act.Text)

	case protocol.ActionChangeQuery:
		text := act.Text
		if desc, ok := d.registry.Get(name); ok && name == d.active {
			text = desc.Prefix + " " + act.Text
		}
		d.rewriteInput(text)

	case protocol.ActionUpdateAll:
		d.lists[name] = act.Choices
		d.extras[name] = nil
		if d.store.InPluginMode() && d.store.Source() == name {
			rows, err := d.store.UpdateAll(act.Choices)
			if err != nil {
				d.logger.Error("update_all rejected", "plugin", name, "error", err)
				return
			}
			d.publish(rows)
		} else {
			d.rebuildCatalog()
			d.publish(d.store.SetQuery(d.query))
		}

	case protocol.ActionUpdateOne:
		if act.Choice == nil {
			// update:<i> with an empty trailing list carries no
			// replacement; the previous list stays displayed.
			d.violation(name, s, errors.New("update carried no replacement choice"))
			return
		}
		if d.store.InPluginMode() && d.store.Source() == name {
			rows, err := d.store.UpdateOne(act.Index, act.Choice)
			if err != nil {
				// Out-of-range update is a protocol violation; the
				// list stays as it was.
				d.violation(name, s, err)
				return
			}
			if live := d.lists[name]; act.Index < len(live) {
				live[act.Index] = *act.Choice
			}
			d.publish(rows)
			return
		}
		list := d.lists[name]
		if act.Index < 0 || act.Index >= len(list) {
			d.violation(name, s, &entries.IndexError{Index: act.Index, Len: len(list)})
			return
		}
		list[act.Index] = *act.Choice
		d.rebuildCatalog()
		d.publish(d.store.SetQuery(d.query))
	}
}

// rewriteInput replaces the input line and re-processes it. The
// frontend is told about the new text over the hub.
func (d *Dispatcher) rewriteInput(text string) {
	d.hub.Publish(events.TypeInputRewritten, events.InputPayload{Input: text})
	d.processInput(text, false)
}

// forwardCatalogQuery offers an unprefixed query to the subscribed
// default plugins in order; the first action other than none wins.
func (d *Dispatcher) forwardCatalogQuery(text string) {
	for _, name := range d.defaults {
		s := d.liveSession(name)
		if s == nil || !s.Subscription().Has(protocol.EventQuery) {
			continue
		}
		act, err := s.Send(protocol.QueryEvent(text))
		if err != nil {
			d.sendFailed(name, s, err)
			continue
		}
		if act.Kind == protocol.ActionNone {
			continue
		}
		d.apply(name, s, act)
		return
	}
}

// leavePluginMode returns to the catalog. Default plugin sessions stay
// alive to keep feeding the catalog; any other active session is
// terminated.
func (d *Dispatcher) leavePluginMode() {
	if d.active == "" {
		return
	}
	name := d.active
	d.active = ""
	d.store.LeavePluginMode()
	d.rebuildCatalog()

	if d.deflt[name] {
		return
	}
	if s, ok := d.sessions[name]; ok {
		s.Terminate()
		delete(d.sessions, name)
	}
}

// session returns the live session for desc, spawning one if needed.
// A fresh subprocess spawn refreshes the plugin's cached choice list.
func (d *Dispatcher) session(desc *plugin.Descriptor) (Session, error) {
	if desc.Builtin {
		s, ok := d.builtins[desc.Name]
		if !ok {
			return nil, errors.New("builtin not registered: " + desc.Name)
		}
		if _, seen := d.lists[desc.Name]; !seen {
			d.lists[desc.Name] = s.InitialChoices()
			d.extras[desc.Name] = matchTexts(s, len(d.lists[desc.Name]))
		}
		return s, nil
	}

	if s, ok := d.sessions[desc.Name]; ok && s.Alive() {
		return s, nil
	}

	s, err := d.spawner.Spawn(desc)
	if err != nil {
		return nil, err
	}
	d.sessions[desc.Name] = s
	d.lists[desc.Name] = s.InitialChoices()
	d.extras[desc.Name] = matchTexts(s, len(d.lists[desc.Name]))
	return s, nil
}

// liveSession returns the session for name if it can accept events.
func (d *Dispatcher) liveSession(name string) Session {
	if s, ok := d.builtins[name]; ok {
		return s
	}
	if s, ok := d.sessions[name]; ok && s.Alive() {
		return s
	}
	return nil
}

// sendFailed contains a session failure: the session is terminated,
// violations are surfaced on the hub, and the previous choice list
// stays on screen.
func (d *Dispatcher) sendFailed(name string, s Session, err error) {
	var v *protocol.ViolationError
	if errors.As(err, &v) {
		d.violation(name, s, err)
		return
	}
	d.logger.Warn("session failed", "plugin", name, "error", err)
	s.Terminate()
	delete(d.sessions, name)
}

func (d *Dispatcher) violation(name string, s Session, err error) {
	d.logger.Error("protocol violation", "plugin", name, "error", err)
	s.Terminate()
	delete(d.sessions, name)
	d.hub.Publish(events.TypeViolation, events.ErrorPayload{Plugin: name, Error: err.Error()})
}

// spawnFailed replaces the plugin's choices with a single synthetic
// error row; the rest of the launcher keeps running.
func (d *Dispatcher) spawnFailed(name string, err error) {
	d.logger.Error("plugin spawn failed", "plugin", name, "error", err)
	d.hub.Publish(events.TypeSpawnFailure, events.ErrorPayload{Plugin: name, Error: err.Error()})

	errChoice := protocol.Choice{
		Name:    name + ": failed to start",
		Icon:    &protocol.IconRef{Name: "dialog-error"},
		Comment: err.Error(),
	}
	d.lists[name] = []protocol.Choice{errChoice}
	d.extras[name] = nil

	if d.active == name {
		d.publish(d.store.EnterPluginMode(name, d.lists[name]))
		return
	}
	d.rebuildCatalog()
	d.publish(d.store.SetQuery(d.query))
}

// rebuildCatalog reassembles the catalog from the default sources'
// current lists, in defaults order.
func (d *Dispatcher) rebuildCatalog() {
	var cat []entries.Entry
	for _, name := range d.defaults {
		extra := d.extras[name]
		for i, c := range d.lists[name] {
			e := entries.Entry{Choice: c, Source: name, SourceIndex: i}
			if i < len(extra) {
				e.Extra = extra[i]
			}
			cat = append(cat, e)
		}
	}
	d.store.SetCatalog(cat)
}

func (d *Dispatcher) publish(rows []entries.Ranked) {
	d.hub.Publish(events.TypeChoices, rows)
}

func matchTexts(s Session, n int) []string {
	mt, ok := s.(MatchTexter)
	if !ok {
		return nil
	}
	texts := make([]string, n)
	for i := range texts {
		texts[i] = mt.MatchText(i)
	}
	return texts
}
