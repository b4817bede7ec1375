package store

import (
	"context"
	"sort"
	"sync"

	"github.com/evtree-dev/evtree/pkg/event"
)

// MemoryBackend implements Backend with in-process maps. It is the
// reference implementation of the storage contract and the substrate
// for most tests.
type MemoryBackend struct {
	mu     sync.RWMutex
	closed bool

	events    map[string]*event.Event
	bySession map[string][]string // session id -> event ids, sequence order
	children  map[string][]string // parent event id -> child event ids
	sessions  map[string]*SessionRecord
	forks     map[string][]string // source event id -> fork session ids
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		events:    make(map[string]*event.Event),
		bySession: make(map[string][]string),
		children:  make(map[string][]string),
		sessions:  make(map[string]*SessionRecord),
		forks:     make(map[string][]string),
	}
}

// AppendEvent durably stores an event.
func (m *MemoryBackend) AppendEvent(ctx context.Context, ev *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.events[ev.ID]; ok {
		return ErrDuplicateEvent
	}
	if ev.ParentID != "" {
		if _, ok := m.events[ev.ParentID]; !ok {
			return ErrParentNotFound
		}
	}

	stored := ev.Clone()
	m.events[stored.ID] = stored
	m.bySession[stored.SessionID] = append(m.bySession[stored.SessionID], stored.ID)
	if stored.ParentID != "" {
		m.children[stored.ParentID] = append(m.children[stored.ParentID], stored.ID)
	}
	return nil
}

// GetEvent retrieves an event by id.
func (m *MemoryBackend) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	return m.events[eventID].Clone(), nil
}

// GetEventsBySession returns a session's events ordered by sequence.
func (m *MemoryBackend) GetEventsBySession(ctx context.Context, sessionID string) ([]*event.Event, error) {
	return m.GetEventsSince(ctx, sessionID, -1)
}

// GetEventsSince returns a session's events with sequence > afterSeq.
func (m *MemoryBackend) GetEventsSince(ctx context.Context, sessionID string, afterSeq int64) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	ids := m.bySession[sessionID]
	events := make([]*event.Event, 0, len(ids))
	for _, id := range ids {
		if ev := m.events[id]; ev.Sequence > afterSeq {
			events = append(events, ev.Clone())
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Sequence < events[j].Sequence
	})
	return events, nil
}

// GetChildren returns all events whose parent is eventID.
func (m *MemoryBackend) GetChildren(ctx context.Context, eventID string) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	ids := m.children[eventID]
	events := make([]*event.Event, 0, len(ids))
	for _, id := range ids {
		events = append(events, m.events[id].Clone())
	}
	return events, nil
}

// SaveSession creates or updates a session record.
func (m *MemoryBackend) SaveSession(ctx context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.saveSessionLocked(rec)
	return nil
}

// CreateSession stores a new session record.
func (m *MemoryBackend) CreateSession(ctx context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.sessions[rec.ID]; ok {
		return ErrSessionExists
	}
	m.saveSessionLocked(rec)
	return nil
}

func (m *MemoryBackend) saveSessionLocked(rec *SessionRecord) {
	prev := m.sessions[rec.ID]
	m.sessions[rec.ID] = rec.Clone()

	// Maintain the fork index on first sight of the lineage.
	if rec.IsFork && rec.SourceEventID != "" && (prev == nil || prev.SourceEventID == "") {
		m.forks[rec.SourceEventID] = append(m.forks[rec.SourceEventID], rec.ID)
	}
}

// GetSession retrieves a session record by id.
func (m *MemoryBackend) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return rec.Clone(), nil
}

// ListSessions returns session records, most recently updated first.
func (m *MemoryBackend) ListSessions(ctx context.Context, opts ListOptions) ([]*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	records := make([]*SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		if rec.Archived && !opts.IncludeArchived {
			continue
		}
		records = append(records, rec.Clone())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return paginate(records, opts), nil
}

// FindForkSessions returns sessions forked from eventID.
func (m *MemoryBackend) FindForkSessions(ctx context.Context, eventID string) ([]*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	ids := m.forks[eventID]
	records := make([]*SessionRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := m.sessions[id]; ok {
			records = append(records, rec.Clone())
		}
	}
	return records, nil
}

// Close releases resources held by the backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// paginate applies offset and limit to a sorted record slice.
func paginate(records []*SessionRecord, opts ListOptions) []*SessionRecord {
	if opts.Offset > 0 {
		if opts.Offset >= len(records) {
			return []*SessionRecord{}
		}
		records = records[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(records) {
		records = records[:opts.Limit]
	}
	return records
}
