package protocol

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Wire tokens shared by both sides of the stream.
const (
	subscriptionPrefix = "events:"
	actionPrefix       = "action:"
	namePrefix         = "name:"
	iconPrefix         = "icon:"
	commentPrefix      = "comment:"
	listTerminator     = "end"
)

// Event names a plugin can subscribe to.
const (
	EventNameEnter      = "enter"
	EventNameShiftEnter = "shift_enter"
	EventNameQuery      = "query"
)

// EventSet is a bitset of event subscriptions declared by a plugin.
type EventSet uint8

const (
	EventEnter EventSet = 1 << iota
	EventShiftEnter
	EventQuery
)

// Has reports whether every bit of e is present in the set.
func (s EventSet) Has(e EventSet) bool {
	return s&e == e
}

// String renders the set as the space-separated subscription tokens.
func (s EventSet) String() string {
	var tokens []string
	if s.Has(EventEnter) {
		tokens = append(tokens, EventNameEnter)
	}
	if s.Has(EventShiftEnter) {
		tokens = append(tokens, EventNameShiftEnter)
	}
	if s.Has(EventQuery) {
		tokens = append(tokens, EventNameQuery)
	}
	return strings.Join(tokens, " ")
}

// Event is a single notification sent to a plugin over its stdin.
// Name is one of the EventName constants; Payload is the second wire
// line (a decimal choice index for enter and shift_enter, the current
// query text for query).
type Event struct {
	Name    string
	Payload string
}

// Bit returns the subscription bit guarding delivery of this event.
func (e Event) Bit() EventSet {
	switch e.Name {
	case EventNameEnter:
		return EventEnter
	case EventNameShiftEnter:
		return EventShiftEnter
	case EventNameQuery:
		return EventQuery
	}
	return 0
}

// EnterEvent builds an enter event for the choice at index.
func EnterEvent(index int) Event {
	return Event{Name: EventNameEnter, Payload: fmt.Sprintf("%d", index)}
}

// ShiftEnterEvent builds a shift_enter event for the choice at index.
func ShiftEnterEvent(index int) Event {
	return Event{Name: EventNameShiftEnter, Payload: fmt.Sprintf("%d", index)}
}

// QueryEvent builds a query event carrying the stripped query text.
func QueryEvent(text string) Event {
	return Event{Name: EventNameQuery, Payload: text}
}

// ConfigEntry is one key/value pair of the configuration handshake.
// Entries are written in declaration order and the stream carries no
// terminator, so the count is agreed out of band via the manifest.
type ConfigEntry struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// IconRef points at the icon to render beside a choice. Exactly one
// field is set: Name for a themed icon resolved by the frontend, Path
// for a concrete image file.
type IconRef struct {
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

// ResolveIcon interprets an icon value from the wire. Values holding a
// path separator are file paths, resolved against baseDir when
// relative. Anything else is a themed icon name.
func ResolveIcon(value, baseDir string) *IconRef {
	if value == "" {
		return nil
	}
	if strings.HasPrefix(value, "/") {
		return &IconRef{Path: value}
	}
	if strings.Contains(value, "/") {
		return &IconRef{Path: filepath.Join(baseDir, value)}
	}
	return &IconRef{Name: value}
}

// wire renders the reference back into its wire form.
func (i *IconRef) wire() string {
	if i == nil {
		return ""
	}
	if i.Path != "" {
		return i.Path
	}
	return i.Name
}

// Choice is one selectable row offered by a plugin.
type Choice struct {
	Name    string   `json:"name"`
	Icon    *IconRef `json:"icon,omitempty"`
	Comment string   `json:"comment,omitempty"`
}

// ActionKind discriminates the instructions a plugin can send back.
type ActionKind int

const (
	// ActionNone acknowledges the event with no visible effect.
	ActionNone ActionKind = iota
	// ActionFork detaches the plugin process and closes the frontend.
	ActionFork
	// ActionWaitAndClose closes the frontend once the plugin exits.
	ActionWaitAndClose
	// ActionChangeInput replaces the entire input line.
	ActionChangeInput
	// ActionChangeQuery replaces the query while keeping the prefix.
	ActionChangeQuery
	// ActionUpdateAll replaces the plugin's whole choice list.
	ActionUpdateAll
	// ActionUpdateOne replaces the choice at a single index.
	ActionUpdateOne
)

// String renders the kind as its wire token.
func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionFork:
		return "fork"
	case ActionWaitAndClose:
		return "wait_and_close"
	case ActionChangeInput:
		return "change_input"
	case ActionChangeQuery:
		return "change_query"
	case ActionUpdateAll:
		return "update_all"
	case ActionUpdateOne:
		return "update"
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// Action is a plugin's response to a delivered event.
type Action struct {
	Kind ActionKind
	// Text carries the replacement value for ChangeInput and ChangeQuery.
	Text string
	// Index is the target position for UpdateOne.
	Index int
	// Choices is the replacement list for UpdateAll.
	Choices []Choice
	// Choice is the replacement row for UpdateOne.
	Choice *Choice
}

// ViolationError reports a line the stream grammar cannot accept.
// A violation terminates the offending session.
type ViolationError struct {
	Line   string
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s (line %q)", e.Reason, e.Line)
}

func violationf(line, format string, args ...any) *ViolationError {
	return &ViolationError{Line: line, Reason: fmt.Sprintf(format, args...)}
}
