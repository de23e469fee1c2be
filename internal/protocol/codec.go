package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// LineReader yields one stream line at a time with the trailing
// newline removed. Implementations decide how blocking reads are
// bounded; decode helpers only consume lines.
type LineReader interface {
	ReadLine() (string, error)
}

// ScanReader adapts a plain io.Reader to the LineReader interface.
type ScanReader struct {
	s *bufio.Scanner
}

// NewScanReader wraps r in a buffered line scanner.
func NewScanReader(r io.Reader) *ScanReader {
	return &ScanReader{s: bufio.NewScanner(r)}
}

// ReadLine returns the next line, or io.EOF once the stream ends.
func (r *ScanReader) ReadLine() (string, error) {
	if !r.s.Scan() {
		if err := r.s.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSuffix(r.s.Text(), "\r"), nil
}

// EncodeConfig writes the configuration handshake: one key:value line
// per entry, in declaration order, with no terminator. The receiving
// plugin knows the entry count from its manifest.
func EncodeConfig(w io.Writer, entries []ConfigEntry) error {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s:%s\n", e.Key, e.Value)
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("failed to write config handshake: %w", err)
	}
	return nil
}

// DecodeConfig reads exactly n handshake entries. Plugin side.
func DecodeConfig(r LineReader, n int) ([]ConfigEntry, error) {
	entries := make([]ConfigEntry, 0, n)
	for i := 0; i < n; i++ {
		line, err := r.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("failed to read config entry %d: %w", i, err)
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, violationf(line, "config entry missing ':' separator")
		}
		entries = append(entries, ConfigEntry{Key: key, Value: value})
	}
	return entries, nil
}

// EncodeSubscription writes the events declaration line. Plugin side.
func EncodeSubscription(w io.Writer, set EventSet) error {
	if _, err := fmt.Fprintf(w, "%s%s\n", subscriptionPrefix, set); err != nil {
		return fmt.Errorf("failed to write subscription: %w", err)
	}
	return nil
}

// DecodeSubscription parses an events declaration line into a bitset.
// An unknown token is a violation; an empty declaration subscribes to
// nothing and is valid.
func DecodeSubscription(line string) (EventSet, error) {
	rest, ok := strings.CutPrefix(line, subscriptionPrefix)
	if !ok {
		return 0, violationf(line, "expected %q declaration", subscriptionPrefix)
	}

	var set EventSet
	for _, token := range strings.Fields(rest) {
		switch token {
		case EventNameEnter:
			set |= EventEnter
		case EventNameShiftEnter:
			set |= EventShiftEnter
		case EventNameQuery:
			set |= EventQuery
		default:
			return 0, violationf(line, "unknown event token %q", token)
		}
	}
	return set, nil
}

// EncodeEvent writes one event as its two wire lines: the event name,
// then the payload.
func EncodeEvent(w io.Writer, ev Event) error {
	if _, err := fmt.Fprintf(w, "%s\n%s\n", ev.Name, ev.Payload); err != nil {
		return fmt.Errorf("failed to write %s event: %w", ev.Name, err)
	}
	return nil
}

// DecodeEvent reads one event off the stream. Plugin side.
func DecodeEvent(r LineReader) (Event, error) {
	name, err := r.ReadLine()
	if err != nil {
		return Event{}, fmt.Errorf("failed to read event name: %w", err)
	}
	switch name {
	case EventNameEnter, EventNameShiftEnter, EventNameQuery:
	default:
		return Event{}, violationf(name, "unknown event name")
	}
	payload, err := r.ReadLine()
	if err != nil {
		return Event{}, fmt.Errorf("failed to read %s payload: %w", name, err)
	}
	return Event{Name: name, Payload: payload}, nil
}

// EncodeChoiceList writes a choice list followed by its terminator.
// Plugin side.
func EncodeChoiceList(w io.Writer, choices []Choice) error {
	var b strings.Builder
	for _, c := range choices {
		fmt.Fprintf(&b, "%s%s\n", namePrefix, c.Name)
		if icon := c.Icon.wire(); icon != "" {
			fmt.Fprintf(&b, "%s%s\n", iconPrefix, icon)
		}
		if c.Comment != "" {
			fmt.Fprintf(&b, "%s%s\n", commentPrefix, c.Comment)
		}
	}
	b.WriteString(listTerminator + "\n")
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("failed to write choice list: %w", err)
	}
	return nil
}

// DecodeChoiceList reads choice blocks until the literal terminator.
// A name line opens a new block; icon and comment lines attach to the
// open block. Blank lines are ignored. Unrecognized lines and
// attachments without an open block are skipped and returned so the
// caller can log them. Relative icon paths resolve against baseDir.
func DecodeChoiceList(r LineReader, baseDir string) ([]Choice, []string, error) {
	var (
		choices []Choice
		skipped []string
		current *Choice
	)
	for {
		line, err := r.ReadLine()
		if err != nil {
			return nil, skipped, fmt.Errorf("failed to read choice list: %w", err)
		}

		switch {
		case line == listTerminator:
			if current != nil {
				choices = append(choices, *current)
			}
			return choices, skipped, nil
		case strings.TrimSpace(line) == "":
			// tolerated between blocks
		case strings.HasPrefix(line, namePrefix):
			if current != nil {
				choices = append(choices, *current)
			}
			current = &Choice{Name: strings.TrimPrefix(line, namePrefix)}
		case strings.HasPrefix(line, iconPrefix):
			if current == nil {
				skipped = append(skipped, line)
				continue
			}
			current.Icon = ResolveIcon(strings.TrimPrefix(line, iconPrefix), baseDir)
		case strings.HasPrefix(line, commentPrefix):
			if current == nil {
				skipped = append(skipped, line)
				continue
			}
			current.Comment = strings.TrimPrefix(line, commentPrefix)
		default:
			skipped = append(skipped, line)
		}
	}
}

// EncodeAction writes an action line, followed by a choice list for
// the update variants. Plugin side.
func EncodeAction(w io.Writer, act *Action) error {
	var b strings.Builder
	switch act.Kind {
	case ActionNone, ActionFork, ActionWaitAndClose:
		fmt.Fprintf(&b, "%s%s\n", actionPrefix, act.Kind)
	case ActionChangeInput, ActionChangeQuery:
		fmt.Fprintf(&b, "%s%s:%s\n", actionPrefix, act.Kind, act.Text)
	case ActionUpdateAll:
		fmt.Fprintf(&b, "%s%s\n", actionPrefix, act.Kind)
		if err := EncodeChoiceList(&b, act.Choices); err != nil {
			return err
		}
	case ActionUpdateOne:
		fmt.Fprintf(&b, "%s%s:%d\n", actionPrefix, act.Kind, act.Index)
		var single []Choice
		if act.Choice != nil {
			single = []Choice{*act.Choice}
		}
		if err := EncodeChoiceList(&b, single); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported action kind: %s", act.Kind)
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("failed to write action: %w", err)
	}
	return nil
}

// DecodeAction reads an action line and, for the update variants, the
// choice list that follows it. When an update carries several blocks
// for one index the last block wins. The skipped slice collects
// unrecognized list lines for caller-side logging.
func DecodeAction(r LineReader, baseDir string) (*Action, []string, error) {
	line, err := r.ReadLine()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read action: %w", err)
	}

	rest, ok := strings.CutPrefix(line, actionPrefix)
	if !ok {
		return nil, nil, violationf(line, "expected %q response", actionPrefix)
	}

	token, value, hasValue := strings.Cut(rest, ":")
	switch token {
	case "none":
		if hasValue {
			return nil, nil, violationf(line, "none takes no value")
		}
		return &Action{Kind: ActionNone}, nil, nil
	case "fork":
		if hasValue {
			return nil, nil, violationf(line, "fork takes no value")
		}
		return &Action{Kind: ActionFork}, nil, nil
	case "wait_and_close":
		if hasValue {
			return nil, nil, violationf(line, "wait_and_close takes no value")
		}
		return &Action{Kind: ActionWaitAndClose}, nil, nil
	case "change_input":
		if !hasValue {
			return nil, nil, violationf(line, "change_input requires a value")
		}
		return &Action{Kind: ActionChangeInput, Text: value}, nil, nil
	case "change_query":
		if !hasValue {
			return nil, nil, violationf(line, "change_query requires a value")
		}
		return &Action{Kind: ActionChangeQuery, Text: value}, nil, nil
	case "update_all":
		if hasValue {
			return nil, nil, violationf(line, "update_all takes no value")
		}
		choices, skipped, err := DecodeChoiceList(r, baseDir)
		if err != nil {
			return nil, skipped, err
		}
		return &Action{Kind: ActionUpdateAll, Choices: choices}, skipped, nil
	case "update":
		if !hasValue {
			return nil, nil, violationf(line, "update requires an index")
		}
		index, err := strconv.Atoi(value)
		if err != nil || index < 0 {
			return nil, nil, violationf(line, "update index must be a non-negative integer")
		}
		choices, skipped, err := DecodeChoiceList(r, baseDir)
		if err != nil {
			return nil, skipped, err
		}
		act := &Action{Kind: ActionUpdateOne, Index: index}
		if len(choices) > 0 {
			act.Choice = &choices[len(choices)-1]
		}
		return act, skipped, nil
	default:
		return nil, nil, violationf(line, "unknown action %q", token)
	}
}
