// Package store provides durable, append-only persistence for session
// events and the mutable per-session bookkeeping rows layered over them.
// Events are never updated or deleted once written; session records are
// the only mutable state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/evtree-dev/evtree/pkg/event"
)

// Common errors for storage operations.
var (
	// ErrEventNotFound is returned by lookups against a missing event id
	// where absence is exceptional. Point lookups via GetEvent return
	// (nil, nil) instead.
	ErrEventNotFound = errors.New("event not found")
	// ErrDuplicateEvent is returned when appending an event whose id is
	// already in use. Callers treat it as an idempotency signal.
	ErrDuplicateEvent = errors.New("duplicate event id")
	// ErrParentNotFound is returned when an appended event references a
	// parent that does not exist. This is an integrity violation and is
	// never retried.
	ErrParentNotFound = errors.New("parent event not found")
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session whose id is taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrStoreClosed is returned when operating on a closed backend.
	ErrStoreClosed = errors.New("store backend is closed")
)

// SessionRecord holds the mutable per-session bookkeeping. HeadEventID
// is the only field the append/rewind operations change after creation;
// the rest is display metadata and counters.
type SessionRecord struct {
	// ID is the unique session identifier.
	ID string `json:"id"`
	// Title is a display title (optional).
	Title string `json:"title,omitempty"`
	// HeadEventID is the event currently considered the active tip.
	HeadEventID string `json:"headEventId"`
	// RootEventID is the first event in this session's own log. For a
	// forked session this is the session.fork event, not a global root.
	RootEventID string `json:"rootEventId"`
	// IsFork is true when the session was created via fork.
	IsFork bool `json:"isFork"`
	// SourceSessionID is the ancestor session a fork was taken from.
	SourceSessionID string `json:"sourceSessionId,omitempty"`
	// SourceEventID is the exact event a fork was taken from.
	SourceEventID string `json:"sourceEventId,omitempty"`
	// Archived hides the session from default listings. Archiving never
	// deletes anything from the log.
	Archived bool `json:"archived,omitempty"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the session was last modified.
	UpdatedAt time.Time `json:"updatedAt"`
	// EventCount is the number of events owned by this session.
	EventCount int64 `json:"eventCount"`
	// MessageCount is the number of message events owned by this session.
	MessageCount int64 `json:"messageCount"`
}

// Clone returns a copy of the record.
func (s *SessionRecord) Clone() *SessionRecord {
	if s == nil {
		return nil
	}
	dup := *s
	return &dup
}

// ListOptions provides filtering for session listing.
type ListOptions struct {
	// IncludeArchived includes archived sessions in the result.
	IncludeArchived bool
	// Limit caps the number of results (0 = no cap).
	Limit int
	// Offset skips the first N results.
	Offset int
}

// Backend abstracts event and session persistence.
// Implementations must be safe for concurrent use.
//
// AppendEvent is the load-bearing contract of the whole subsystem: it is
// a pure insert. No implementation may mutate an existing event row.
type Backend interface {
	// AppendEvent durably stores an event. Fails with ErrDuplicateEvent
	// if the id is taken and ErrParentNotFound if the parent reference
	// is dangling. On failure nothing is written.
	AppendEvent(ctx context.Context, ev *event.Event) error

	// GetEvent retrieves an event by id. Returns (nil, nil) when the id
	// is unknown; absence is not an error on the read path.
	GetEvent(ctx context.Context, eventID string) (*event.Event, error)

	// GetEventsBySession returns all events owned by a session, ordered
	// by sequence ascending.
	GetEventsBySession(ctx context.Context, sessionID string) ([]*event.Event, error)

	// GetEventsSince returns a session's events with sequence strictly
	// greater than afterSeq, ordered by sequence ascending.
	GetEventsSince(ctx context.Context, sessionID string, afterSeq int64) ([]*event.Event, error)

	// GetChildren returns all events whose parent is eventID, across all
	// sessions.
	GetChildren(ctx context.Context, eventID string) ([]*event.Event, error)

	// SaveSession creates or updates a session record.
	SaveSession(ctx context.Context, rec *SessionRecord) error

	// CreateSession stores a new session record. Fails with
	// ErrSessionExists if the id is taken.
	CreateSession(ctx context.Context, rec *SessionRecord) error

	// GetSession retrieves a session record by id.
	// Returns ErrSessionNotFound if the session doesn't exist.
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	// ListSessions returns session records matching the filter options,
	// most recently updated first.
	ListSessions(ctx context.Context, opts ListOptions) ([]*SessionRecord, error)

	// FindForkSessions returns all sessions whose fork lineage has
	// SourceEventID == eventID.
	FindForkSessions(ctx context.Context, eventID string) ([]*SessionRecord, error)

	// Close releases any resources held by the backend.
	Close() error
}
