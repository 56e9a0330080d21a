package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func formatDeck() *Deck {
	return &Deck{Kind: ShapeStrategy, Summary: "format", Categories: []Category{
		{ID: "format", Question: "Which format?", Options: []Option{{Label: "Blog", Recommended: true}, {Label: "Thread"}}},
		{ID: "extras", Multi: true, Options: []Option{{Label: "Images"}, {Label: "Quotes"}}},
	}}
}

func TestSelectionUnmarshal(t *testing.T) {
	var sel Selection
	if err := json.Unmarshal([]byte(`{"format":"Blog","extras":["Images","Quotes"],"none":[]}`), &sel); err != nil {
		t.Fatal(err)
	}
	want := Selection{"format": {"Blog"}, "extras": {"Images", "Quotes"}, "none": {}}
	if !reflect.DeepEqual(sel, want) {
		t.Errorf("got %#v, want %#v", sel, want)
	}
	if err := json.Unmarshal([]byte(`{"format":3}`), &sel); err == nil {
		t.Error("numeric label accepted")
	}
}

func TestSelectionValidate(t *testing.T) {
	d := formatDeck()
	tests := []struct {
		name string
		sel  Selection
		ok   bool
	}{
		{"single only", Selection{"format": {"Blog"}}, true},
		{"with multi", Selection{"format": {"Thread"}, "extras": {"Images", "Quotes"}}, true},
		{"empty multi", Selection{"format": {"Blog"}, "extras": {}}, true},
		{"missing single", Selection{"extras": {"Images"}}, false},
		{"two singles", Selection{"format": {"Blog", "Thread"}}, false},
		{"unknown label", Selection{"format": {"Podcast"}}, false},
		{"unknown category", Selection{"format": {"Blog"}, "tone": {"Dry"}}, false},
		{"duplicate multi", Selection{"format": {"Blog"}, "extras": {"Images", "Images"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sel.Validate(d)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			var ie *InvalidSelectionError
			if !tt.ok && !errors.As(err, &ie) {
				t.Errorf("err = %v, want InvalidSelectionError", err)
			}
		})
	}
}

func TestSlotValue(t *testing.T) {
	got := Selection{"format": {"Blog"}, "extras": {"Quotes"}}.SlotValue(formatDeck())
	want := map[string]any{"format": "Blog", "extras": []any{"Quotes"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v", got)
	}
}

func TestDeckHelpers(t *testing.T) {
	d := formatDeck()
	c, ok := d.Category("format")
	if !ok {
		t.Fatal("format category missing")
	}
	if rec, ok := c.Recommended(); !ok || rec.Label != "Blog" {
		t.Errorf("recommended = %v", rec)
	}
	if _, ok := d.Categories[1].Recommended(); ok {
		t.Error("extras has no recommendation")
	}

	clone := d.Clone()
	clone.Categories[0].Options[0].Label = "changed"
	if d.Categories[0].Options[0].Label != "Blog" {
		t.Error("Clone shares options")
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&MalformedOutputError{Raw: "x", Err: errors.New("eof")}, "malformed_output"},
		{fmt.Errorf("stage: %w", &SchemaViolationError{Field: "summary", Reason: "missing"}), "schema_violation"},
		{&UnknownStageError{Stage: "text[9]"}, "unknown_stage"},
		{&UnknownSquadError{Squad: "opera"}, "unknown_squad"},
		{&ProviderError{Provider: "default", Err: errors.New("exit 1")}, "provider_error"},
		{&StaleSelectionError{WantStage: 1, WantRevision: 4}, "stale_selection"},
		{&InvalidSelectionError{Category: "format"}, "invalid_selection"},
		{ErrSessionNotFound, "session_not_found"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRetryableAndFailure(t *testing.T) {
	if !Retryable(&ProviderError{Err: errors.New("x")}) || !Retryable(&MalformedOutputError{}) {
		t.Error("provider and malformed errors are retryable")
	}
	if Retryable(&SchemaViolationError{Field: "x"}) {
		t.Error("schema violations are not retryable")
	}

	sf := &StageFailure{StageIndex: 2, StageID: "text.writer", Cause: &MalformedOutputError{Raw: "nope"}, LastRaw: "nope"}
	f := sf.Failure()
	if f.Kind != "malformed_output" || f.StageID != "text.writer" || f.LastRaw != "nope" {
		t.Errorf("failure = %+v", f)
	}
	var mo *MalformedOutputError
	if !errors.As(sf, &mo) {
		t.Error("StageFailure does not unwrap to its cause")
	}
}

func TestSlotHelpers(t *testing.T) {
	if OutputSlot("draft") != "draft.output" || !IsOutputSlot("draft.output") || IsOutputSlot("draft") {
		t.Error("output slot helpers")
	}
	for _, s := range []string{SlotIdea, SlotRelay, SlotRevision, SlotRiskLog} {
		if !IsReservedSlot(s) {
			t.Errorf("%s should be reserved", s)
		}
	}
	if !SessionStatusAbandoned.Terminal() || SessionStatusAwaiting.Terminal() {
		t.Error("Terminal")
	}
}
