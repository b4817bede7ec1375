package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evtree-dev/evtree/pkg/event"
)

func testEvent(id, sessionID, parentID string, seq int64, typ event.Type) *event.Event {
	return &event.Event{
		ID:        id,
		SessionID: sessionID,
		ParentID:  parentID,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Payload:   map[string]any{"content": "hello"},
	}
}

func TestMemoryBackendAppendAndGet(t *testing.T) {
	backend := NewMemoryBackend()
	defer func() { _ = backend.Close() }()
	ctx := context.Background()

	ev := testEvent("evt-1", "sess-1", "", 0, event.TypeSessionStart)
	if err := backend.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}

	got, err := backend.GetEvent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetEvent() returned nil for stored event")
	}
	if got.SessionID != "sess-1" || got.Type != event.TypeSessionStart {
		t.Errorf("GetEvent() = %+v, want session sess-1 type session.start", got)
	}

	// Stored events are isolated from caller mutation.
	got.Payload["content"] = "mutated"
	again, _ := backend.GetEvent(ctx, "evt-1")
	if again.Payload["content"] != "hello" {
		t.Error("stored event payload was mutated through a returned copy")
	}
}

func TestMemoryBackendInputIsolation(t *testing.T) {
	backend := NewMemoryBackend()
	defer func() { _ = backend.Close() }()
	ctx := context.Background()

	args := []any{"safe"}
	ev := testEvent("evt-1", "sess-1", "", 0, event.TypeToolCall)
	ev.Payload = map[string]any{"args": args}
	if err := backend.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}

	// A producer mutating its own payload after the append must not
	// reach the durably stored event.
	args[0] = "tampered"
	stored, _ := backend.GetEvent(ctx, "evt-1")
	if got := stored.Payload["args"].([]any)[0]; got != "safe" {
		t.Errorf("stored event changed after append: args[0] = %v, want safe", got)
	}
}

func TestMemoryBackendGetEventUnknown(t *testing.T) {
	backend := NewMemoryBackend()
	defer func() { _ = backend.Close() }()

	got, err := backend.GetEvent(context.Background(), "evt-missing")
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetEvent() = %+v, want nil for unknown id", got)
	}
}

func TestMemoryBackendDuplicateEvent(t *testing.T) {
	backend := NewMemoryBackend()
	defer func() { _ = backend.Close() }()
	ctx := context.Background()

	ev := testEvent("evt-1", "sess-1", "", 0, event.TypeSessionStart)
	if err := backend.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	err := backend.AppendEvent(ctx, testEvent("evt-1", "sess-1", "", 1, event.TypeMessageUser))
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Errorf("AppendEvent() error = %v, want ErrDuplicateEvent", err)
	}
}

func TestMemoryBackendDanglingParent(t *testing.T) {
	backend := NewMemoryBackend()
	defer func() { _ = backend.Close() }()
	ctx := context.Background()

	err := backend.AppendEvent(ctx, testEvent("evt-1", "sess-1", "evt-missing", 0, event.TypeMessageUser))
	if !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("AppendEvent() error = %v, want ErrParentNotFound", err)
	}

	// The rejected event must not be visible anywhere.
	if got, _ := backend.GetEvent(ctx, "evt-1"); got != nil {
		t.Error("rejected event is retrievable by id")
	}
	events, _ := backend.GetEventsBySession(ctx, "sess-1")
	if len(events) != 0 {
		t.Errorf("rejected event appears in session log: %d events", len(events))
	}
}

func TestMemoryBackendEventsBySession(t *testing.T) {
	backend := NewMemoryBackend()
	defer func() { _ = backend.Close() }()
	ctx := context.Background()

	must := func(ev *event.Event) {
		t.Helper()
		if err := backend.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent(%s) error = %v", ev.ID, err)
		}
	}
	must(testEvent("evt-a", "sess-1", "", 0, event.TypeSessionStart))
	must(testEvent("evt-b", "sess-1", "evt-a", 1, event.TypeMessageUser))
	must(testEvent("evt-c", "sess-1", "evt-b", 2, event.TypeMessageAssistant))
	must(testEvent("evt-x", "sess-2", "", 0, event.TypeSessionStart))

	events, err := backend.GetEventsBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetEventsBySession() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("GetEventsBySession() returned %d events, want 3", len(events))
	}
	for i, want := range []string{"evt-a", "evt-b", "evt-c"} {
		if events[i].ID != want {
			t.Errorf("events[%d].ID = %s, want %s", i, events[i].ID, want)
		}
	}

	since, err := backend.GetEventsSince(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("GetEventsSince() error = %v", err)
	}
	if len(since) != 2 || since[0].ID != "evt-b" {
		t.Errorf("GetEventsSince(0) = %d events starting at %s, want 2 starting at evt-b", len(since), since[0].ID)
	}
}

func TestMemoryBackendGetChildren(t *testing.T) {
	backend := NewMemoryBackend()
	defer func() { _ = backend.Close() }()
	ctx := context.Background()

	_ = backend.AppendEvent(ctx, testEvent("evt-a", "sess-1", "", 0, event.TypeSessionStart))
	_ = backend.AppendEvent(ctx, testEvent("evt-b", "sess-1", "evt-a", 1, event.TypeMessageUser))
	_ = backend.AppendEvent(ctx, testEvent("evt-f", "sess-2", "evt-a", 0, event.TypeSessionFork))

	children, err := backend.GetChildren(ctx, "evt-a")
	if err != nil {
		t.Fatalf("GetChildren() error = %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("GetChildren() returned %d events, want 2", len(children))
	}

	none, _ := backend.GetChildren(ctx, "evt-b")
	if len(none) != 0 {
		t.Errorf("GetChildren(leaf) returned %d events, want 0", len(none))
	}
}

func TestMemoryBackendSessions(t *testing.T) {
	backend := NewMemoryBackend()
	defer func() { _ = backend.Close() }()
	ctx := context.Background()

	rec := &SessionRecord{
		ID:        "sess-1",
		Title:     "first",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := backend.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := backend.CreateSession(ctx, rec); !errors.Is(err, ErrSessionExists) {
		t.Errorf("CreateSession() twice error = %v, want ErrSessionExists", err)
	}

	got, err := backend.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Title != "first" {
		t.Errorf("GetSession().Title = %s, want first", got.Title)
	}

	if _, err := backend.GetSession(ctx, "sess-missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession(missing) error = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryBackendListSessions(t *testing.T) {
	backend := NewMemoryBackend()
	defer func() { _ = backend.Close() }()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, s := range []struct {
		id       string
		archived bool
	}{
		{"sess-1", false},
		{"sess-2", true},
		{"sess-3", false},
	} {
		rec := &SessionRecord{
			ID:        s.id,
			Archived:  s.archived,
			CreatedAt: base,
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := backend.CreateSession(ctx, rec); err != nil {
			t.Fatalf("CreateSession(%s) error = %v", s.id, err)
		}
	}

	active, err := backend.ListSessions(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("ListSessions() returned %d records, want 2", len(active))
	}
	// Most recently updated first.
	if active[0].ID != "sess-3" || active[1].ID != "sess-1" {
		t.Errorf("ListSessions() order = %s, %s; want sess-3, sess-1", active[0].ID, active[1].ID)
	}

	all, _ := backend.ListSessions(ctx, ListOptions{IncludeArchived: true})
	if len(all) != 3 {
		t.Errorf("ListSessions(IncludeArchived) returned %d records, want 3", len(all))
	}

	paged, _ := backend.ListSessions(ctx, ListOptions{IncludeArchived: true, Offset: 1, Limit: 1})
	if len(paged) != 1 || paged[0].ID != "sess-2" {
		t.Errorf("ListSessions(offset 1, limit 1) = %+v, want [sess-2]", paged)
	}
}

func TestMemoryBackendFindForkSessions(t *testing.T) {
	backend := NewMemoryBackend()
	defer func() { _ = backend.Close() }()
	ctx := context.Background()

	now := time.Now().UTC()
	_ = backend.CreateSession(ctx, &SessionRecord{ID: "sess-1", CreatedAt: now, UpdatedAt: now})
	_ = backend.CreateSession(ctx, &SessionRecord{
		ID:              "sess-2",
		IsFork:          true,
		SourceSessionID: "sess-1",
		SourceEventID:   "evt-b",
		CreatedAt:       now,
		UpdatedAt:       now,
	})

	forks, err := backend.FindForkSessions(ctx, "evt-b")
	if err != nil {
		t.Fatalf("FindForkSessions() error = %v", err)
	}
	if len(forks) != 1 || forks[0].ID != "sess-2" {
		t.Errorf("FindForkSessions() = %+v, want [sess-2]", forks)
	}

	none, _ := backend.FindForkSessions(ctx, "evt-a")
	if len(none) != 0 {
		t.Errorf("FindForkSessions(evt-a) returned %d records, want 0", len(none))
	}
}

func TestMemoryBackendClosed(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	if err := backend.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := backend.AppendEvent(ctx, testEvent("evt-1", "sess-1", "", 0, event.TypeSessionStart)); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("AppendEvent() after close error = %v, want ErrStoreClosed", err)
	}
	if _, err := backend.GetEvent(ctx, "evt-1"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("GetEvent() after close error = %v, want ErrStoreClosed", err)
	}
	if _, err := backend.ListSessions(ctx, ListOptions{}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("ListSessions() after close error = %v, want ErrStoreClosed", err)
	}
}
