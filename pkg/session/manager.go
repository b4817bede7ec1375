// Package session implements the mutable layer over the immutable event
// log: session registry bookkeeping and the state-changing operations
// append, fork, and rewind. Appends and rewinds against the same session
// are serialized through a per-session lock; operations on different
// sessions never contend.
package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evtree-dev/evtree/internal/observability"
	"github.com/evtree-dev/evtree/pkg/event"
	"github.com/evtree-dev/evtree/pkg/graph"
	"github.com/evtree-dev/evtree/pkg/metrics"
	"github.com/evtree-dev/evtree/pkg/store"
)

// Manager owns session lifecycle and the append/fork/rewind operations.
// Manager is safe for concurrent use.
type Manager struct {
	backend store.Backend
	nav     *graph.Navigator

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a session manager over the given storage backend.
func NewManager(backend store.Backend) *Manager {
	return &Manager{
		backend: backend,
		nav:     graph.NewNavigator(backend),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Navigator returns the read-only query layer over the same backend.
func (m *Manager) Navigator() *graph.Navigator {
	return m.nav
}

// sessionLock returns the write lock for a session id, creating it on
// first use. Lock entries are small and kept for the manager's lifetime.
func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	return lock
}

func newSessionID() string {
	return "sess_" + uuid.Must(uuid.NewV7()).String()
}

func newEventID() string {
	return "evt_" + uuid.Must(uuid.NewV7()).String()
}

// CreateOptions configures session creation.
type CreateOptions struct {
	// Title is a display title for the session (optional).
	Title string
	// Payload is the session.start event payload (optional); typically
	// an event.StartPayload map carrying model and working directory.
	Payload map[string]any
}

// Create starts a new session. The session is born with a session.start
// root event, which becomes both root and HEAD.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*store.SessionRecord, error) {
	ctx, span := observability.StartSpan(ctx, "session.create")
	defer span.End()

	now := time.Now().UTC()
	rec := &store.SessionRecord{
		ID:        newSessionID(),
		Title:     opts.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(observability.Attr("session.id", rec.ID))

	root := &event.Event{
		ID:        newEventID(),
		SessionID: rec.ID,
		Sequence:  0,
		Timestamp: now,
		Type:      event.TypeSessionStart,
		Payload:   opts.Payload,
	}

	if err := m.backend.AppendEvent(ctx, root); err != nil {
		return nil, fmt.Errorf("append root event: %w", err)
	}

	rec.RootEventID = root.ID
	rec.HeadEventID = root.ID
	rec.EventCount = 1
	if err := m.backend.CreateSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	metrics.RecordAppend(string(event.TypeSessionStart), time.Since(now))
	return rec, nil
}

// Get retrieves a session record by id.
func (m *Manager) Get(ctx context.Context, sessionID string) (*store.SessionRecord, error) {
	return m.backend.GetSession(ctx, sessionID)
}

// List returns session records matching the filter options.
func (m *Manager) List(ctx context.Context, opts store.ListOptions) ([]*store.SessionRecord, error) {
	records, err := m.backend.ListSessions(ctx, opts)
	if err != nil {
		return nil, err
	}
	if !opts.IncludeArchived && opts.Limit == 0 && opts.Offset == 0 {
		metrics.SetActiveSessions(len(records))
	}
	return records, nil
}

// Events returns every event owned by a session in append order,
// including events rewound off the active path.
func (m *Manager) Events(ctx context.Context, sessionID string) ([]*event.Event, error) {
	return m.backend.GetEventsBySession(ctx, sessionID)
}

// EventsSince returns a session's events with sequence greater than
// afterSeq, in append order. Pass -1 for the full log.
func (m *Manager) EventsSince(ctx context.Context, sessionID string, afterSeq int64) ([]*event.Event, error) {
	return m.backend.GetEventsSince(ctx, sessionID, afterSeq)
}

// AppendRequest describes an event to append. SessionID and Type are
// required. EventID and ParentID are normally left empty: the manager
// assigns a fresh id and chains from the session HEAD. Producers doing
// idempotent retries may supply their own EventID.
type AppendRequest struct {
	SessionID string
	Type      event.Type
	Payload   map[string]any
	EventID   string
	ParentID  string
}

// Append records a new event under a session and advances its HEAD.
// Two concurrent appends against the same session are serialized so a
// silent branch point can never appear under an unchanged HEAD.
func (m *Manager) Append(ctx context.Context, req AppendRequest) (*event.Event, error) {
	ctx, span := observability.StartSpan(ctx, "session.append")
	defer span.End()
	span.SetAttributes(
		observability.Attr("session.id", req.SessionID),
		observability.Attr("event.type", string(req.Type)),
	)

	lock := m.sessionLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	return m.appendLocked(ctx, req)
}

// appendLocked performs the append. Caller holds the session lock.
func (m *Manager) appendLocked(ctx context.Context, req AppendRequest) (*event.Event, error) {
	start := time.Now()

	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, req.Type)
	}

	rec, err := m.backend.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	parentID := req.ParentID
	if parentID == "" {
		parentID = rec.HeadEventID
	}

	eventID := req.EventID
	if eventID == "" {
		eventID = newEventID()
	}

	ev := &event.Event{
		ID:        eventID,
		SessionID: req.SessionID,
		ParentID:  parentID,
		Sequence:  rec.EventCount,
		Timestamp: time.Now().UTC(),
		Type:      req.Type,
		Payload:   req.Payload,
	}

	if err := m.backend.AppendEvent(ctx, ev); err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			// Idempotency signal: a retried append with the same id and
			// content is a no-op; anything else is a real conflict.
			return m.resolveDuplicate(ctx, ev, req.ParentID != "")
		}
		if errors.Is(err, store.ErrParentNotFound) {
			metrics.RecordIntegrityError()
		}
		return nil, fmt.Errorf("append event %s: %w", ev.ID, err)
	}

	rec.HeadEventID = ev.ID
	rec.EventCount++
	if ev.IsMessage() {
		rec.MessageCount++
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := m.backend.SaveSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	metrics.RecordAppend(string(ev.Type), time.Since(start))
	return ev, nil
}

// resolveDuplicate compares a rejected append against the stored event.
// parentPinned reports whether the caller supplied ParentID itself. When
// the manager derived the parent from HEAD, a retry after the first
// success sees an advanced HEAD, so parent linkage is excluded from the
// comparison; the retried event's identity is session, type, and payload.
func (m *Manager) resolveDuplicate(ctx context.Context, ev *event.Event, parentPinned bool) (*event.Event, error) {
	existing, err := m.backend.GetEvent(ctx, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve duplicate %s: %w", ev.ID, err)
	}
	if existing != nil &&
		existing.SessionID == ev.SessionID &&
		existing.Type == ev.Type &&
		(!parentPinned || existing.ParentID == ev.ParentID) &&
		reflect.DeepEqual(existing.Payload, ev.Payload) {
		return existing, nil
	}
	return nil, fmt.Errorf("event %s: %w", ev.ID, ErrEventConflict)
}

// ForkOptions configures a fork.
type ForkOptions struct {
	// Title for the forked session. Defaults to "fork of <source title>"
	// when the source has a title.
	Title string
	// Name labels the fork in its session.fork payload (optional).
	Name string
}

// Fork creates a new session branching from sourceEventID in the history
// of sourceSessionID. The new session's single session.fork event has
// its parent pointing into the source tree, so ancestor walks cross the
// session boundary without copying any history: fork is O(1) in storage
// regardless of how long the source log is.
//
// Forking from a non-HEAD point is supported; that is how "fork from
// history" works. The target must exist (store.ErrEventNotFound) and be
// part of the source session's history (ErrForkTargetUnreachable).
func (m *Manager) Fork(ctx context.Context, sourceSessionID, sourceEventID string, opts ForkOptions) (*store.SessionRecord, error) {
	ctx, span := observability.StartSpan(ctx, "session.fork")
	defer span.End()
	span.SetAttributes(
		observability.Attr("session.source_id", sourceSessionID),
		observability.Attr("event.source_id", sourceEventID),
	)

	// Serialize against writers on the source so HEAD-based
	// reachability can't shift mid-validation.
	lock := m.sessionLock(sourceSessionID)
	lock.Lock()
	defer lock.Unlock()

	source, err := m.backend.GetSession(ctx, sourceSessionID)
	if err != nil {
		return nil, fmt.Errorf("get source session: %w", err)
	}

	ev, err := m.backend.GetEvent(ctx, sourceEventID)
	if err != nil {
		return nil, fmt.Errorf("get fork target: %w", err)
	}
	if ev == nil {
		return nil, fmt.Errorf("fork target %s: %w", sourceEventID, store.ErrEventNotFound)
	}

	reachable, err := m.isReachable(ctx, source, ev)
	if err != nil {
		return nil, err
	}
	if !reachable {
		return nil, fmt.Errorf("fork target %s in session %s: %w", sourceEventID, sourceSessionID, ErrForkTargetUnreachable)
	}

	title := opts.Title
	if title == "" && source.Title != "" {
		title = "fork of " + source.Title
	}

	now := time.Now().UTC()
	rec := &store.SessionRecord{
		ID:              newSessionID(),
		Title:           title,
		IsFork:          true,
		SourceSessionID: sourceSessionID,
		SourceEventID:   sourceEventID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	forkEvent := &event.Event{
		ID:        newEventID(),
		SessionID: rec.ID,
		ParentID:  sourceEventID,
		Sequence:  0,
		Timestamp: now,
		Type:      event.TypeSessionFork,
		Payload: event.ForkPayload{
			SourceSessionID: sourceSessionID,
			SourceEventID:   sourceEventID,
			Name:            opts.Name,
		}.Map(),
	}

	if err := m.backend.AppendEvent(ctx, forkEvent); err != nil {
		return nil, fmt.Errorf("append fork event: %w", err)
	}

	rec.RootEventID = forkEvent.ID
	rec.HeadEventID = forkEvent.ID
	rec.EventCount = 1
	if err := m.backend.CreateSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("create forked session: %w", err)
	}

	metrics.RecordFork()
	return rec, nil
}

// isReachable reports whether ev belongs to the history of source: it is
// owned by the session, or it sits on the inherited part of the ancestor
// chain of the session's HEAD (events owned by fork ancestors).
func (m *Manager) isReachable(ctx context.Context, source *store.SessionRecord, ev *event.Event) (bool, error) {
	if ev.SessionID == source.ID {
		return true, nil
	}

	chain, err := m.nav.AncestorChain(ctx, source.HeadEventID)
	if err != nil {
		return false, fmt.Errorf("resolve source history: %w", err)
	}
	for _, ancestor := range chain {
		if ancestor.ID == ev.ID {
			return true, nil
		}
	}
	return false, nil
}

// Rewind moves a session's HEAD backward to an earlier event on its
/// current path. Events after the target are not deleted: they stay in
// the store, drop off the session's path-to-HEAD, and remain valid fork
// targets. A branch pointer move, not a truncation.
func (m *Manager) Rewind(ctx context.Context, sessionID, targetEventID string) (*store.SessionRecord, error) {
	ctx, span := observability.StartSpan(ctx, "session.rewind")
	defer span.End()
	span.SetAttributes(
		observability.Attr("session.id", sessionID),
		observability.Attr("event.target_id", targetEventID),
	)

	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.backend.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	chain, err := m.nav.AncestorChain(ctx, rec.HeadEventID)
	if err != nil {
		return nil, fmt.Errorf("resolve head ancestry: %w", err)
	}

	onPath := false
	for _, ancestor := range chain {
		if ancestor.ID == targetEventID {
			onPath = true
			break
		}
	}
	if !onPath {
		return nil, fmt.Errorf("rewind target %s in session %s: %w", targetEventID, sessionID, ErrInvalidHead)
	}

	rec.HeadEventID = targetEventID
	rec.UpdatedAt = time.Now().UTC()
	if err := m.backend.SaveSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	metrics.RecordRewind()
	return rec, nil
}

// DeleteMessage records deletion of a message event by appending a
// message.deleted event referencing the target. The target itself is
// never modified; consumers apply the deletion during reconstruction.
// Only message.user, message.assistant, and tool.result events are
// deletable.
func (m *Manager) DeleteMessage(ctx context.Context, sessionID, targetEventID, reason string) (*event.Event, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	target, err := m.backend.GetEvent(ctx, targetEventID)
	if err != nil {
		return nil, fmt.Errorf("get target: %w", err)
	}
	if target == nil {
		return nil, fmt.Errorf("delete target %s: %w", targetEventID, store.ErrEventNotFound)
	}
	if !target.IsMessage() {
		return nil, fmt.Errorf("delete target %s of type %s: %w", targetEventID, target.Type, ErrNotDeletable)
	}

	if reason == "" {
		reason = "user_request"
	}
	return m.appendLocked(ctx, AppendRequest{
		SessionID: sessionID,
		Type:      event.TypeMessageDeleted,
		Payload: event.DeletePayload{
			TargetEventID: targetEventID,
			TargetType:    string(target.Type),
			Reason:        reason,
		}.Map(),
	})
}

// SetTitle updates a session's display title.
func (m *Manager) SetTitle(ctx context.Context, sessionID, title string) error {
	return m.updateRecord(ctx, sessionID, func(rec *store.SessionRecord) {
		rec.Title = title
	})
}

// Archive hides a session from default listings. Archiving is a registry
// visibility flag; nothing is removed from the log.
func (m *Manager) Archive(ctx context.Context, sessionID string) error {
	return m.updateRecord(ctx, sessionID, func(rec *store.SessionRecord) {
		rec.Archived = true
	})
}

// Unarchive restores a session to default listings.
func (m *Manager) Unarchive(ctx context.Context, sessionID string) error {
	return m.updateRecord(ctx, sessionID, func(rec *store.SessionRecord) {
		rec.Archived = false
	})
}

func (m *Manager) updateRecord(ctx context.Context, sessionID string, mutate func(*store.SessionRecord)) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.backend.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	mutate(rec)
	rec.UpdatedAt = time.Now().UTC()
	if err := m.backend.SaveSession(ctx, rec); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Close releases the underlying backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}
