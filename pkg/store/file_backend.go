package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/evtree-dev/evtree/pkg/event"
)

// ErrInvalidPathComponent is returned when a path component contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileBackend implements Backend using JSONL files.
// Storage layout:
//
//	~/.evtree/
//	  ├── sessions.json           # Session record index
//	  └── events/
//	      └── <session-id>.jsonl  # Event log, one event per line
//
// Event logs are write-only after open: appends go to disk first, then
// into an in-memory index that serves all graph queries. Rewriting or
// truncating a log file never happens.
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool

	// In-memory index hydrated at open, append-through afterwards.
	index *MemoryBackend
}

// NewFileBackend creates a file-based storage backend rooted at baseDir.
// If baseDir is empty, uses ~/.evtree.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".evtree")
	}

	if err := os.MkdirAll(filepath.Join(baseDir, "events"), 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	f := &FileBackend{
		baseDir: baseDir,
		index:   NewMemoryBackend(),
	}
	if err := f.hydrate(); err != nil {
		return nil, err
	}
	return f, nil
}

// hydrate loads the session index and every event log into memory.
// Events are replayed in session-sequence order; parents living in other
// sessions may be replayed later, so integrity checks are deferred until
// all logs are loaded.
func (f *FileBackend) hydrate() error {
	sessions, err := f.readSessionIndex()
	if err != nil {
		return err
	}

	var pending []*event.Event
	for id := range sessions {
		events, err := f.readEventLog(id)
		if err != nil {
			return err
		}
		pending = append(pending, events...)
	}

	// Insert roots first, then children, until fixpoint. A leftover
	// event has a dangling parent, which means the store is corrupt.
	for len(pending) > 0 {
		progressed := false
		rest := pending[:0]
		for _, ev := range pending {
			if err := f.index.AppendEvent(context.Background(), ev); err != nil {
				if errors.Is(err, ErrParentNotFound) {
					rest = append(rest, ev)
					continue
				}
				return fmt.Errorf("hydrate event %s: %w", ev.ID, err)
			}
			progressed = true
		}
		if !progressed {
			return fmt.Errorf("hydrate: %d events with dangling parents", len(rest))
		}
		pending = rest
	}

	for _, rec := range sessions {
		if err := f.index.SaveSession(context.Background(), rec); err != nil {
			return fmt.Errorf("hydrate session %s: %w", rec.ID, err)
		}
	}
	return nil
}

func (f *FileBackend) sessionIndexPath() string {
	return filepath.Join(f.baseDir, "sessions.json")
}

func (f *FileBackend) eventLogPath(sessionID string) string {
	return filepath.Join(f.baseDir, "events", sessionID+".jsonl")
}

func (f *FileBackend) readSessionIndex() (map[string]*SessionRecord, error) {
	index := make(map[string]*SessionRecord)
	data, err := os.ReadFile(f.sessionIndexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse session index: %w", err)
	}
	return index, nil
}

func (f *FileBackend) writeSessionIndex(index map[string]*SessionRecord) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	if err := os.WriteFile(f.sessionIndexPath(), data, 0600); err != nil {
		return fmt.Errorf("write session index: %w", err)
	}
	return nil
}

func (f *FileBackend) readEventLog(sessionID string) ([]*event.Event, error) {
	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	file, err := os.Open(f.eventLogPath(sessionID)) // #nosec G304 - path component validated
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = file.Close() }()

	var events []*event.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev event.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("parse event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return events, nil
}

// AppendEvent durably stores an event.
func (f *FileBackend) AppendEvent(ctx context.Context, ev *event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}
	if err := validatePathComponent(ev.SessionID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	// Check integrity against the index before touching disk so a
	// rejected append leaves no partial write behind.
	if existing, _ := f.index.GetEvent(ctx, ev.ID); existing != nil {
		return ErrDuplicateEvent
	}
	if ev.ParentID != "" {
		parent, _ := f.index.GetEvent(ctx, ev.ParentID)
		if parent == nil {
			return ErrParentNotFound
		}
	}

	file, err := os.OpenFile(f.eventLogPath(ev.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - path component validated
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return f.index.AppendEvent(ctx, ev)
}

// GetEvent retrieves an event by id.
func (f *FileBackend) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	return f.index.GetEvent(ctx, eventID)
}

// GetEventsBySession returns a session's events ordered by sequence.
func (f *FileBackend) GetEventsBySession(ctx context.Context, sessionID string) ([]*event.Event, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	return f.index.GetEventsBySession(ctx, sessionID)
}

// GetEventsSince returns a session's events with sequence > afterSeq.
func (f *FileBackend) GetEventsSince(ctx context.Context, sessionID string, afterSeq int64) ([]*event.Event, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	return f.index.GetEventsSince(ctx, sessionID, afterSeq)
}

// GetChildren returns all events whose parent is eventID.
func (f *FileBackend) GetChildren(ctx context.Context, eventID string) ([]*event.Event, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	return f.index.GetChildren(ctx, eventID)
}

// SaveSession creates or updates a session record.
func (f *FileBackend) SaveSession(ctx context.Context, rec *SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveSessionLocked(ctx, rec, false)
}

// CreateSession stores a new session record.
func (f *FileBackend) CreateSession(ctx context.Context, rec *SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveSessionLocked(ctx, rec, true)
}

func (f *FileBackend) saveSessionLocked(ctx context.Context, rec *SessionRecord, create bool) error {
	if f.closed {
		return ErrStoreClosed
	}
	if err := validatePathComponent(rec.ID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	index, err := f.readSessionIndex()
	if err != nil {
		return err
	}
	if create {
		if _, ok := index[rec.ID]; ok {
			return ErrSessionExists
		}
	}
	index[rec.ID] = rec
	if err := f.writeSessionIndex(index); err != nil {
		return err
	}

	if create {
		return f.index.CreateSession(ctx, rec)
	}
	return f.index.SaveSession(ctx, rec)
}

// GetSession retrieves a session record by id.
func (f *FileBackend) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	return f.index.GetSession(ctx, sessionID)
}

// ListSessions returns session records, most recently updated first.
func (f *FileBackend) ListSessions(ctx context.Context, opts ListOptions) ([]*SessionRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	return f.index.ListSessions(ctx, opts)
}

// FindForkSessions returns sessions forked from eventID.
func (f *FileBackend) FindForkSessions(ctx context.Context, eventID string) ([]*SessionRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	return f.index.FindForkSessions(ctx, eventID)
}

// Close releases resources held by the backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return f.index.Close()
}
