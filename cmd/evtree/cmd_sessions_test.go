package main

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/evtree-dev/evtree/pkg/event"
)

func TestPreviewText(t *testing.T) {
	ev := &event.Event{
		Type:    event.TypeMessageUser,
		Payload: map[string]any{"content": "hello"},
	}
	if got := previewText(ev); got != "hello" {
		t.Errorf("previewText() = %q, want %q", got, "hello")
	}

	ev.Payload = map[string]any{"text": strings.Repeat("x", 60)}
	got := previewText(ev)
	if len([]rune(got)) != 48 {
		t.Errorf("truncated preview has %d runes, want 48", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated preview %q should end with ellipsis", got)
	}

	ev.Payload = map[string]any{"content": nil}
	if got := previewText(ev); got != "" {
		t.Errorf("previewText() with no text = %q, want empty", got)
	}
}

func TestPreviewTextMultibyte(t *testing.T) {
	ev := &event.Event{
		Type:    event.TypeMessageAssistant,
		Payload: map[string]any{"content": strings.Repeat("é", 60)},
	}
	got := previewText(ev)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated preview %q is not valid UTF-8", got)
	}
	if want := strings.Repeat("é", 45) + "..."; got != want {
		t.Errorf("previewText() = %q, want %q", got, want)
	}
}
