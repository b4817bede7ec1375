package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evtree-dev/evtree/pkg/event"
)

func TestFileBackendPersistence(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	backend, err := NewFileBackend(tmpDir)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}

	now := time.Now().UTC()
	rec := &SessionRecord{ID: "sess-1", Title: "persisted", CreatedAt: now, UpdatedAt: now}
	if err := backend.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := backend.AppendEvent(ctx, testEvent("evt-a", "sess-1", "", 0, event.TypeSessionStart)); err != nil {
		t.Fatalf("AppendEvent(evt-a) error = %v", err)
	}
	if err := backend.AppendEvent(ctx, testEvent("evt-b", "sess-1", "evt-a", 1, event.TypeMessageUser)); err != nil {
		t.Fatalf("AppendEvent(evt-b) error = %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Reopen and verify everything hydrated from disk.
	reopened, err := NewFileBackend(tmpDir)
	if err != nil {
		t.Fatalf("NewFileBackend() reopen error = %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() after reopen error = %v", err)
	}
	if got.Title != "persisted" {
		t.Errorf("GetSession().Title = %s, want persisted", got.Title)
	}

	events, err := reopened.GetEventsBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetEventsBySession() after reopen error = %v", err)
	}
	if len(events) != 2 || events[0].ID != "evt-a" || events[1].ID != "evt-b" {
		t.Errorf("GetEventsBySession() after reopen = %d events, want [evt-a evt-b]", len(events))
	}

	children, _ := reopened.GetChildren(ctx, "evt-a")
	if len(children) != 1 || children[0].ID != "evt-b" {
		t.Errorf("GetChildren(evt-a) after reopen = %v, want [evt-b]", children)
	}
}

func TestFileBackendCrossSessionHydration(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	backend, err := NewFileBackend(tmpDir)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}

	now := time.Now().UTC()
	_ = backend.CreateSession(ctx, &SessionRecord{ID: "sess-1", CreatedAt: now, UpdatedAt: now})
	_ = backend.AppendEvent(ctx, testEvent("evt-a", "sess-1", "", 0, event.TypeSessionStart))
	_ = backend.AppendEvent(ctx, testEvent("evt-b", "sess-1", "evt-a", 1, event.TypeMessageUser))

	// Forked session whose root event's parent lives in sess-1. During
	// hydration the fork's log may be read before the source's.
	_ = backend.CreateSession(ctx, &SessionRecord{
		ID: "sess-2", IsFork: true,
		SourceSessionID: "sess-1", SourceEventID: "evt-b",
		CreatedAt: now, UpdatedAt: now,
	})
	_ = backend.AppendEvent(ctx, testEvent("evt-f", "sess-2", "evt-b", 0, event.TypeSessionFork))
	if err := backend.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewFileBackend(tmpDir)
	if err != nil {
		t.Fatalf("NewFileBackend() reopen error = %v", err)
	}
	defer func() { _ = reopened.Close() }()

	forkRoot, err := reopened.GetEvent(ctx, "evt-f")
	if err != nil {
		t.Fatalf("GetEvent(evt-f) error = %v", err)
	}
	if forkRoot == nil || forkRoot.ParentID != "evt-b" {
		t.Errorf("fork root after reopen = %+v, want parent evt-b", forkRoot)
	}

	forks, _ := reopened.FindForkSessions(ctx, "evt-b")
	if len(forks) != 1 || forks[0].ID != "sess-2" {
		t.Errorf("FindForkSessions(evt-b) after reopen = %+v, want [sess-2]", forks)
	}
}

func TestFileBackendDanglingParentLeavesNoPartialWrite(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	backend, err := NewFileBackend(tmpDir)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	defer func() { _ = backend.Close() }()

	err = backend.AppendEvent(ctx, testEvent("evt-x", "sess-1", "evt-missing", 0, event.TypeMessageUser))
	if !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("AppendEvent() error = %v, want ErrParentNotFound", err)
	}

	// The log file must not exist: integrity is checked before disk I/O.
	if _, err := os.Stat(filepath.Join(tmpDir, "events", "sess-1.jsonl")); !os.IsNotExist(err) {
		t.Error("rejected append left an event log file behind")
	}
}

func TestFileBackendRejectsUnsafeSessionID(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	backend, err := NewFileBackend(tmpDir)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	defer func() { _ = backend.Close() }()

	for _, id := range []string{"../escape", "a/b", `a\b`, ""} {
		ev := testEvent("evt-1", id, "", 0, event.TypeSessionStart)
		if err := backend.AppendEvent(ctx, ev); err == nil {
			t.Errorf("AppendEvent() with session id %q succeeded, want error", id)
		}
		rec := &SessionRecord{ID: id}
		if err := backend.CreateSession(ctx, rec); err == nil {
			t.Errorf("CreateSession() with id %q succeeded, want error", id)
		}
	}
}

func TestFileBackendDuplicateEvent(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	backend, err := NewFileBackend(tmpDir)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	defer func() { _ = backend.Close() }()

	if err := backend.AppendEvent(ctx, testEvent("evt-1", "sess-1", "", 0, event.TypeSessionStart)); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	err = backend.AppendEvent(ctx, testEvent("evt-1", "sess-1", "", 1, event.TypeMessageUser))
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Errorf("AppendEvent() duplicate error = %v, want ErrDuplicateEvent", err)
	}

	// Only one line may be on disk.
	events, _ := backend.GetEventsBySession(ctx, "sess-1")
	if len(events) != 1 {
		t.Errorf("session log holds %d events after duplicate append, want 1", len(events))
	}
}
