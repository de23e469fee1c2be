package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDecodeSubscription(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    EventSet
		wantErr bool
	}{
		{
			name: "all events",
			line: "events:enter shift_enter query",
			want: EventEnter | EventShiftEnter | EventQuery,
		},
		{
			name: "single event",
			line: "events:enter",
			want: EventEnter,
		},
		{
			name: "empty subscription",
			line: "events:",
			want: 0,
		},
		{
			name: "duplicate tokens collapse",
			line: "events:query query",
			want: EventQuery,
		},
		{
			name: "extra whitespace between tokens",
			line: "events:enter   query",
			want: EventEnter | EventQuery,
		},
		{
			name:    "unknown token",
			line:    "events:enter hover",
			wantErr: true,
		},
		{
			name:    "missing declaration prefix",
			line:    "enter query",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeSubscription(tt.line)

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeSubscription() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				var v *ViolationError
				if !errors.As(err, &v) {
					t.Errorf("want ViolationError, got %T", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("DecodeSubscription() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventSet(t *testing.T) {
	set := EventEnter | EventQuery

	if !set.Has(EventEnter) {
		t.Error("set should contain enter")
	}
	if !set.Has(EventQuery) {
		t.Error("set should contain query")
	}
	if set.Has(EventShiftEnter) {
		t.Error("set should not contain shift_enter")
	}
	if got := set.String(); got != "enter query" {
		t.Errorf("String() = %q, want %q", got, "enter query")
	}
	if got := EventSet(0).String(); got != "" {
		t.Errorf("empty set String() = %q, want empty", got)
	}
}

func TestDecodeChoiceList(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		baseDir     string
		wantErr     bool
		wantSkipped int
		checkFn     func(t *testing.T, choices []Choice)
	}{
		{
			name:  "single bare choice",
			input: "name:firefox\nend\n",
			checkFn: func(t *testing.T, choices []Choice) {
				if len(choices) != 1 {
					t.Fatalf("want 1 choice, got %d", len(choices))
				}
				if choices[0].Name != "firefox" {
					t.Errorf("want name firefox, got %q", choices[0].Name)
				}
			},
		},
		{
			name:  "full blocks with icon and comment",
			input: "name:firefox\nicon:firefox\ncomment:Web browser\nname:chromium\ncomment:Google's browser\nend\n",
			checkFn: func(t *testing.T, choices []Choice) {
				if len(choices) != 2 {
					t.Fatalf("want 2 choices, got %d", len(choices))
				}
				if choices[0].Icon == nil || choices[0].Icon.Name != "firefox" {
					t.Errorf("want themed icon firefox, got %+v", choices[0].Icon)
				}
				if choices[0].Comment != "Web browser" {
					t.Errorf("comment not attached: %q", choices[0].Comment)
				}
				if choices[1].Name != "chromium" || choices[1].Comment != "Google's browser" {
					t.Errorf("second block wrong: %+v", choices[1])
				}
			},
		},
		{
			name:    "relative icon resolves against base dir",
			input:   "name:item\nicon:assets/item.png\nend\n",
			baseDir: "/opt/plug",
			checkFn: func(t *testing.T, choices []Choice) {
				if choices[0].Icon == nil || choices[0].Icon.Path != "/opt/plug/assets/item.png" {
					t.Errorf("icon not resolved: %+v", choices[0].Icon)
				}
			},
		},
		{
			name:  "absolute icon kept verbatim",
			input: "name:item\nicon:/usr/share/icons/x.svg\nend\n",
			checkFn: func(t *testing.T, choices []Choice) {
				if choices[0].Icon == nil || choices[0].Icon.Path != "/usr/share/icons/x.svg" {
					t.Errorf("icon path wrong: %+v", choices[0].Icon)
				}
			},
		},
		{
			name:  "blank lines between blocks ignored",
			input: "name:a\n\n\nname:b\n\nend\n",
			checkFn: func(t *testing.T, choices []Choice) {
				if len(choices) != 2 {
					t.Fatalf("want 2 choices, got %d", len(choices))
				}
			},
		},
		{
			name:  "empty list",
			input: "end\n",
			checkFn: func(t *testing.T, choices []Choice) {
				if len(choices) != 0 {
					t.Errorf("want empty list, got %d choices", len(choices))
				}
			},
		},
		{
			name:        "unknown lines skipped",
			input:       "name:a\nweight:12\nend\n",
			wantSkipped: 1,
			checkFn: func(t *testing.T, choices []Choice) {
				if len(choices) != 1 {
					t.Fatalf("want 1 choice, got %d", len(choices))
				}
			},
		},
		{
			name:        "attachment without open block skipped",
			input:       "icon:stray\nname:a\nend\n",
			wantSkipped: 1,
			checkFn: func(t *testing.T, choices []Choice) {
				if choices[0].Icon != nil {
					t.Errorf("stray icon must not attach: %+v", choices[0].Icon)
				}
			},
		},
		{
			name:  "later attachment overrides earlier",
			input: "name:a\ncomment:first\ncomment:second\nend\n",
			checkFn: func(t *testing.T, choices []Choice) {
				if choices[0].Comment != "second" {
					t.Errorf("want last comment to win, got %q", choices[0].Comment)
				}
			},
		},
		{
			name:    "stream ends without terminator",
			input:   "name:a\nname:b\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewScanReader(strings.NewReader(tt.input))
			choices, skipped, err := DecodeChoiceList(r, tt.baseDir)

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeChoiceList() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if len(skipped) != tt.wantSkipped {
				t.Errorf("skipped = %v, want %d lines", skipped, tt.wantSkipped)
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, choices)
			}
		})
	}
}

func TestDecodeAction(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, act *Action)
	}{
		{
			name:  "none",
			input: "action:none\n",
			checkFn: func(t *testing.T, act *Action) {
				if act.Kind != ActionNone {
					t.Errorf("want none, got %s", act.Kind)
				}
			},
		},
		{
			name:  "fork",
			input: "action:fork\n",
			checkFn: func(t *testing.T, act *Action) {
				if act.Kind != ActionFork {
					t.Errorf("want fork, got %s", act.Kind)
				}
			},
		},
		{
			name:  "wait_and_close",
			input: "action:wait_and_close\n",
			checkFn: func(t *testing.T, act *Action) {
				if act.Kind != ActionWaitAndClose {
					t.Errorf("want wait_and_close, got %s", act.Kind)
				}
			},
		},
		{
			name:  "change_input keeps colons in value",
			input: "action:change_input:ssh user@host:22\n",
			checkFn: func(t *testing.T, act *Action) {
				if act.Kind != ActionChangeInput {
					t.Errorf("want change_input, got %s", act.Kind)
				}
				if act.Text != "ssh user@host:22" {
					t.Errorf("value mangled: %q", act.Text)
				}
			},
		},
		{
			name:  "change_query with empty value",
			input: "action:change_query:\n",
			checkFn: func(t *testing.T, act *Action) {
				if act.Kind != ActionChangeQuery || act.Text != "" {
					t.Errorf("want empty change_query, got %+v", act)
				}
			},
		},
		{
			name:  "update_all with list",
			input: "action:update_all\nname:one\nname:two\nend\n",
			checkFn: func(t *testing.T, act *Action) {
				if act.Kind != ActionUpdateAll {
					t.Errorf("want update_all, got %s", act.Kind)
				}
				if len(act.Choices) != 2 {
					t.Fatalf("want 2 choices, got %d", len(act.Choices))
				}
			},
		},
		{
			name:  "update_all with empty list",
			input: "action:update_all\nend\n",
			checkFn: func(t *testing.T, act *Action) {
				if len(act.Choices) != 0 {
					t.Errorf("want empty list, got %d", len(act.Choices))
				}
			},
		},
		{
			name:  "update keeps the last block",
			input: "action:update:3\nname:stale\nname:fresh\ncomment:kept\nend\n",
			checkFn: func(t *testing.T, act *Action) {
				if act.Kind != ActionUpdateOne || act.Index != 3 {
					t.Errorf("want update index 3, got %+v", act)
				}
				if act.Choice == nil || act.Choice.Name != "fresh" {
					t.Fatalf("want last block to win, got %+v", act.Choice)
				}
				if act.Choice.Comment != "kept" {
					t.Errorf("attachment lost: %q", act.Choice.Comment)
				}
			},
		},
		{
			name:  "update with no block leaves choice unset",
			input: "action:update:0\nend\n",
			checkFn: func(t *testing.T, act *Action) {
				if act.Choice != nil {
					t.Errorf("want nil choice, got %+v", act.Choice)
				}
			},
		},
		{
			name:    "unknown action",
			input:   "action:reboot\n",
			wantErr: true,
		},
		{
			name:    "missing action prefix",
			input:   "fork\n",
			wantErr: true,
		},
		{
			name:    "fork with stray value",
			input:   "action:fork:now\n",
			wantErr: true,
		},
		{
			name:    "update_all with stray value",
			input:   "action:update_all:7\n",
			wantErr: true,
		},
		{
			name:    "change_input without value",
			input:   "action:change_input\n",
			wantErr: true,
		},
		{
			name:    "update with negative index",
			input:   "action:update:-1\nend\n",
			wantErr: true,
		},
		{
			name:    "update with non-numeric index",
			input:   "action:update:first\nend\n",
			wantErr: true,
		},
		{
			name:    "update list never terminated",
			input:   "action:update_all\nname:a\n",
			wantErr: true,
		},
		{
			name:    "empty stream",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewScanReader(strings.NewReader(tt.input))
			act, _, err := DecodeAction(r, "")

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeAction() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, act)
			}
		})
	}
}

func TestDecodeActionViolationType(t *testing.T) {
	r := NewScanReader(strings.NewReader("action:reboot\n"))
	_, _, err := DecodeAction(r, "")

	var v *ViolationError
	if !errors.As(err, &v) {
		t.Fatalf("want ViolationError, got %T: %v", err, err)
	}
	if v.Line != "action:reboot" {
		t.Errorf("violation should carry the offending line, got %q", v.Line)
	}
}

func TestEncodeConfig(t *testing.T) {
	var buf bytes.Buffer
	entries := []ConfigEntry{
		{Key: "path", Value: "/tmp"},
		{Key: "show_hidden", Value: "true"},
		{Key: "path", Value: "/var"},
	}

	if err := EncodeConfig(&buf, entries); err != nil {
		t.Fatalf("EncodeConfig() error = %v", err)
	}

	want := "path:/tmp\nshow_hidden:true\npath:/var\n"
	if buf.String() != want {
		t.Errorf("EncodeConfig() = %q, want %q", buf.String(), want)
	}
}

func TestDecodeConfig(t *testing.T) {
	r := NewScanReader(strings.NewReader("path:/tmp\nurl:https://x.test:8080\n"))
	entries, err := DecodeConfig(r, 2)
	if err != nil {
		t.Fatalf("DecodeConfig() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}
	if entries[0].Key != "path" || entries[0].Value != "/tmp" {
		t.Errorf("first entry wrong: %+v", entries[0])
	}
	if entries[1].Value != "https://x.test:8080" {
		t.Errorf("value with colons mangled: %q", entries[1].Value)
	}

	r = NewScanReader(strings.NewReader("just a line\n"))
	if _, err := DecodeConfig(r, 1); err == nil {
		t.Error("entry without separator should fail")
	}

	r = NewScanReader(strings.NewReader("a:1\n"))
	if _, err := DecodeConfig(r, 2); err == nil {
		t.Error("truncated handshake should fail")
	}
}

func TestEncodeEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{name: "enter", ev: EnterEvent(0), want: "enter\n0\n"},
		{name: "shift_enter", ev: ShiftEnterEvent(12), want: "shift_enter\n12\n"},
		{name: "query", ev: QueryEvent("fire"), want: "query\nfire\n"},
		{name: "empty query", ev: QueryEvent(""), want: "query\n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := EncodeEvent(&buf, tt.ev); err != nil {
				t.Fatalf("EncodeEvent() error = %v", err)
			}
			if buf.String() != tt.want {
				t.Errorf("EncodeEvent() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestDecodeEvent(t *testing.T) {
	r := NewScanReader(strings.NewReader("query\nfirefox\n"))
	ev, err := DecodeEvent(r)
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	if ev.Name != EventNameQuery || ev.Payload != "firefox" {
		t.Errorf("DecodeEvent() = %+v", ev)
	}

	r = NewScanReader(strings.NewReader("hover\n0\n"))
	if _, err := DecodeEvent(r); err == nil {
		t.Error("unknown event name should fail")
	}

	r = NewScanReader(strings.NewReader("enter\n"))
	if _, err := DecodeEvent(r); err == nil {
		t.Error("missing payload should fail")
	}
}

func TestEncodeSubscription(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeSubscription(&buf, EventEnter|EventQuery); err != nil {
		t.Fatalf("EncodeSubscription() error = %v", err)
	}
	if buf.String() != "events:enter query\n" {
		t.Errorf("EncodeSubscription() = %q", buf.String())
	}
}

func TestEncodeChoiceList(t *testing.T) {
	var buf bytes.Buffer
	choices := []Choice{
		{Name: "firefox", Icon: &IconRef{Name: "firefox"}, Comment: "Web browser"},
		{Name: "plain"},
	}

	if err := EncodeChoiceList(&buf, choices); err != nil {
		t.Fatalf("EncodeChoiceList() error = %v", err)
	}

	want := "name:firefox\nicon:firefox\ncomment:Web browser\nname:plain\nend\n"
	if buf.String() != want {
		t.Errorf("EncodeChoiceList() = %q, want %q", buf.String(), want)
	}
}

func TestEncodeAction(t *testing.T) {
	tests := []struct {
		name string
		act  *Action
		want string
	}{
		{
			name: "fork",
			act:  &Action{Kind: ActionFork},
			want: "action:fork\n",
		},
		{
			name: "change_input",
			act:  &Action{Kind: ActionChangeInput, Text: "sm lock"},
			want: "action:change_input:sm lock\n",
		},
		{
			name: "update_all",
			act:  &Action{Kind: ActionUpdateAll, Choices: []Choice{{Name: "a"}}},
			want: "action:update_all\nname:a\nend\n",
		},
		{
			name: "update one",
			act:  &Action{Kind: ActionUpdateOne, Index: 2, Choice: &Choice{Name: "b"}},
			want: "action:update:2\nname:b\nend\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := EncodeAction(&buf, tt.act); err != nil {
				t.Fatalf("EncodeAction() error = %v", err)
			}
			if buf.String() != tt.want {
				t.Errorf("EncodeAction() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestResolveIcon(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		baseDir string
		want    *IconRef
	}{
		{name: "empty", value: "", want: nil},
		{name: "themed", value: "firefox", want: &IconRef{Name: "firefox"}},
		{name: "absolute", value: "/a/b.png", want: &IconRef{Path: "/a/b.png"}},
		{name: "relative", value: "img/b.png", baseDir: "/opt/p", want: &IconRef{Path: "/opt/p/img/b.png"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveIcon(tt.value, tt.baseDir)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("ResolveIcon() = %+v, want %+v", got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("ResolveIcon() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestScanReaderStripsCarriageReturn(t *testing.T) {
	r := NewScanReader(strings.NewReader("name:a\r\nend\r\n"))
	line, err := r.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine() error = %v", err)
	}
	if line != "name:a" {
		t.Errorf("ReadLine() = %q, want %q", line, "name:a")
	}

	if _, err := r.ReadLine(); err != nil {
		t.Fatalf("second ReadLine() error = %v", err)
	}
	if _, err := r.ReadLine(); err != io.EOF {
		t.Errorf("exhausted reader should return io.EOF, got %v", err)
	}
}
