package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/evtree-dev/evtree/pkg/event"
)

func setupMiniredis(t *testing.T) *RedisBackend {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	backend := NewRedisBackendFromClient(client, "test:")

	t.Cleanup(func() {
		_ = backend.Close()
	})

	return backend
}

func TestRedisBackendAppendAndGet(t *testing.T) {
	backend := setupMiniredis(t)
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

	missing, err := backend.GetEvent(ctx, "evt-missing")
	if err != nil {
		t.Fatalf("GetEvent(missing) error = %v", err)
	}
	if missing != nil {
		t.Errorf("GetEvent(missing) = %+v, want nil", missing)
	}
}

func TestRedisBackendIntegrity(t *testing.T) {
	backend := setupMiniredis(t)
	ctx := context.Background()

	if err := backend.AppendEvent(ctx, testEvent("evt-1", "sess-1", "", 0, event.TypeSessionStart)); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}

	err := backend.AppendEvent(ctx, testEvent("evt-1", "sess-1", "", 1, event.TypeMessageUser))
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Errorf("AppendEvent() duplicate error = %v, want ErrDuplicateEvent", err)
	}

	err = backend.AppendEvent(ctx, testEvent("evt-2", "sess-1", "evt-missing", 1, event.TypeMessageUser))
	if !errors.Is(err, ErrParentNotFound) {
		t.Errorf("AppendEvent() dangling parent error = %v, want ErrParentNotFound", err)
	}

	// Nothing from the rejected appends may be indexed.
	events, _ := backend.GetEventsBySession(ctx, "sess-1")
	if len(events) != 1 {
		t.Errorf("session log holds %d events, want 1", len(events))
	}
}

func TestRedisBackendEventsBySession(t *testing.T) {
	backend := setupMiniredis(t)
	ctx := context.Background()

	_ = backend.AppendEvent(ctx, testEvent("evt-a", "sess-1", "", 0, event.TypeSessionStart))
	_ = backend.AppendEvent(ctx, testEvent("evt-b", "sess-1", "evt-a", 1, event.TypeMessageUser))
	_ = backend.AppendEvent(ctx, testEvent("evt-c", "sess-1", "evt-b", 2, event.TypeMessageAssistant))

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

	since, err := backend.GetEventsSince(ctx, "sess-1", 1)
	if err != nil {
		t.Fatalf("GetEventsSince() error = %v", err)
	}
	if len(since) != 1 || since[0].ID != "evt-c" {
		t.Errorf("GetEventsSince(1) = %d events, want [evt-c]", len(since))
	}

	children, err := backend.GetChildren(ctx, "evt-a")
	if err != nil {
		t.Fatalf("GetChildren() error = %v", err)
	}
	if len(children) != 1 || children[0].ID != "evt-b" {
		t.Errorf("GetChildren(evt-a) = %d events, want [evt-b]", len(children))
	}
}

func TestRedisBackendSessions(t *testing.T) {
	backend := setupMiniredis(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rec := &SessionRecord{ID: "sess-1", Title: "redis", CreatedAt: now, UpdatedAt: now}
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
	if got.Title != "redis" {
		t.Errorf("GetSession().Title = %s, want redis", got.Title)
	}
	if _, err := backend.GetSession(ctx, "sess-missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession(missing) error = %v, want ErrSessionNotFound", err)
	}

	rec.Title = "renamed"
	rec.UpdatedAt = now.Add(time.Minute)
	if err := backend.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	updated, _ := backend.GetSession(ctx, "sess-1")
	if updated.Title != "renamed" {
		t.Errorf("GetSession().Title after save = %s, want renamed", updated.Title)
	}

	list, err := backend.ListSessions(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != "sess-1" {
		t.Errorf("ListSessions() = %+v, want [sess-1]", list)
	}
}

func TestRedisBackendForkIndex(t *testing.T) {
	backend := setupMiniredis(t)
	ctx := context.Background()

	now := time.Now().UTC()
	_ = backend.CreateSession(ctx, &SessionRecord{ID: "sess-1", CreatedAt: now, UpdatedAt: now})
	_ = backend.CreateSession(ctx, &SessionRecord{
		ID: "sess-2", IsFork: true,
		SourceSessionID: "sess-1", SourceEventID: "evt-b",
		CreatedAt: now, UpdatedAt: now,
	})

	forks, err := backend.FindForkSessions(ctx, "evt-b")
	if err != nil {
		t.Fatalf("FindForkSessions() error = %v", err)
	}
	if len(forks) != 1 || forks[0].ID != "sess-2" {
		t.Errorf("FindForkSessions(evt-b) = %+v, want [sess-2]", forks)
	}
}

func TestRedisBackendClosed(t *testing.T) {
	backend := setupMiniredis(t)
	ctx := context.Background()

	if err := backend.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := backend.AppendEvent(ctx, testEvent("evt-1", "sess-1", "", 0, event.TypeSessionStart)); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("AppendEvent() after close error = %v, want ErrStoreClosed", err)
	}
}
