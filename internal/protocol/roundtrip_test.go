package protocol

import (
	"bytes"
	"reflect"
	"testing"

	"pgregory.net/rapid"
)

// drawChoice generates a choice whose wire rendering is unambiguous:
// any line content except newlines, themed icons without separators.
func drawChoice(t *rapid.T) Choice {
	c := Choice{
		Name:    rapid.StringMatching(`[^\r\n]*`).Draw(t, "name"),
		Comment: rapid.StringMatching(`[^\r\n]*`).Draw(t, "comment"),
	}
	switch rapid.IntRange(0, 2).Draw(t, "iconKind") {
	case 1:
		c.Icon = &IconRef{Name: rapid.StringMatching(`[a-zA-Z0-9_.-]+`).Draw(t, "themed")}
	case 2:
		c.Icon = &IconRef{Path: "/" + rapid.StringMatching(`[a-zA-Z0-9_./-]*`).Draw(t, "path")}
	}
	return c
}

func choicesEqual(a, b []Choice) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func TestChoiceListRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "n")
		choices := make([]Choice, n)
		for i := range choices {
			choices[i] = drawChoice(t)
		}

		var buf bytes.Buffer
		if err := EncodeChoiceList(&buf, choices); err != nil {
			t.Fatalf("encode: %v", err)
		}

		decoded, skipped, err := DecodeChoiceList(NewScanReader(&buf), "")
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(skipped) != 0 {
			t.Fatalf("encoder emitted lines the decoder skipped: %v", skipped)
		}
		if !choicesEqual(choices, decoded) {
			t.Fatalf("round trip mismatch:\n in: %+v\nout: %+v", choices, decoded)
		}
	})
}

func TestActionRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kind := rapid.SampledFrom([]ActionKind{
			ActionNone, ActionFork, ActionWaitAndClose,
			ActionChangeInput, ActionChangeQuery,
			ActionUpdateAll, ActionUpdateOne,
		}).Draw(t, "kind")

		act := &Action{Kind: kind}
		switch kind {
		case ActionChangeInput, ActionChangeQuery:
			act.Text = rapid.StringMatching(`[^\r\n]*`).Draw(t, "text")
		case ActionUpdateAll:
			n := rapid.IntRange(0, 5).Draw(t, "n")
			act.Choices = make([]Choice, n)
			for i := range act.Choices {
				act.Choices[i] = drawChoice(t)
			}
		case ActionUpdateOne:
			act.Index = rapid.IntRange(0, 999).Draw(t, "index")
			if rapid.Bool().Draw(t, "hasChoice") {
				c := drawChoice(t)
				act.Choice = &c
			}
		}

		var buf bytes.Buffer
		if err := EncodeAction(&buf, act); err != nil {
			t.Fatalf("encode: %v", err)
		}

		decoded, skipped, err := DecodeAction(NewScanReader(&buf), "")
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(skipped) != 0 {
			t.Fatalf("encoder emitted lines the decoder skipped: %v", skipped)
		}

		if decoded.Kind != act.Kind || decoded.Text != act.Text || decoded.Index != act.Index {
			t.Fatalf("round trip mismatch:\n in: %+v\nout: %+v", act, decoded)
		}
		if !choicesEqual(act.Choices, decoded.Choices) {
			t.Fatalf("choices mismatch:\n in: %+v\nout: %+v", act.Choices, decoded.Choices)
		}
		if !reflect.DeepEqual(act.Choice, decoded.Choice) {
			t.Fatalf("choice mismatch:\n in: %+v\nout: %+v", act.Choice, decoded.Choice)
		}
	})
}

func TestEventRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ev := Event{
			Name:    rapid.SampledFrom([]string{EventNameEnter, EventNameShiftEnter, EventNameQuery}).Draw(t, "name"),
			Payload: rapid.StringMatching(`[^\r\n]*`).Draw(t, "payload"),
		}

		var buf bytes.Buffer
		if err := EncodeEvent(&buf, ev); err != nil {
			t.Fatalf("encode: %v", err)
		}

		decoded, err := DecodeEvent(NewScanReader(&buf))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded != ev {
			t.Fatalf("round trip mismatch: in %+v, out %+v", ev, decoded)
		}
	})
}

func TestConfigRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(t, "n")
		entries := make([]ConfigEntry, n)
		for i := range entries {
			entries[i] = ConfigEntry{
				Key:   rapid.StringMatching(`[A-Za-z_][A-Za-z0-9_]*`).Draw(t, "key"),
				Value: rapid.StringMatching(`[^\r\n]*`).Draw(t, "value"),
			}
		}

		var buf bytes.Buffer
		if err := EncodeConfig(&buf, entries); err != nil {
			t.Fatalf("encode: %v", err)
		}

		decoded, err := DecodeConfig(NewScanReader(&buf), n)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(decoded) != n {
			t.Fatalf("want %d entries, got %d", n, len(decoded))
		}
		for i := range entries {
			if decoded[i] != entries[i] {
				t.Fatalf("entry %d mismatch: in %+v, out %+v", i, entries[i], decoded[i])
			}
		}
	})
}
