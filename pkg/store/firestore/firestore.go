// Package firestore provides a Google Cloud Firestore implementation of
// the event store backend. It is suited to deployments that want a
// managed, replicated log without operating their own storage.
//
// Important notes:
//   - Composite indexes are required for the sessionId+sequence and
//     parentId queries.
//   - Appends run inside Firestore transactions, so the referential
//     integrity check and the event insert are atomic.
//   - Events map to documents keyed by event id; Create (not Set) is
//     used so an id collision surfaces as AlreadyExists.
package firestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/evtree-dev/evtree/pkg/event"
	"github.com/evtree-dev/evtree/pkg/store"
)

// Backend implements store.Backend on Firestore.
type Backend struct {
	client   *firestore.Client
	events   *firestore.CollectionRef
	sessions *firestore.CollectionRef
	mu       sync.RWMutex
	closed   bool
}

// Config contains configuration for the Firestore backend.
type Config struct {
	ProjectID        string
	CredentialsFile  string
	CollectionPrefix string
}

// Option configures a Backend.
type Option func(*Config)

// WithProjectID sets the GCP project ID.
func WithProjectID(projectID string) Option {
	return func(c *Config) {
		c.ProjectID = projectID
	}
}

// WithCredentialsFile sets the path to service account credentials.
func WithCredentialsFile(path string) Option {
	return func(c *Config) {
		c.CredentialsFile = path
	}
}

// WithCollectionPrefix sets a prefix for the collection names
// (default: "evtree-").
func WithCollectionPrefix(prefix string) Option {
	return func(c *Config) {
		c.CollectionPrefix = prefix
	}
}

// New creates a Firestore-backed event store.
//
// Example:
//
//	backend, err := firestore.New(ctx,
//	    firestore.WithProjectID("my-project"),
//	    firestore.WithCredentialsFile("/path/to/credentials.json"),
//	)
func New(ctx context.Context, opts ...Option) (*Backend, error) {
	config := &Config{CollectionPrefix: "evtree-"}
	for _, opt := range opts {
		opt(config)
	}

	if config.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if config.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, config.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return &Backend{
		client:   client,
		events:   client.Collection(config.CollectionPrefix + "events"),
		sessions: client.Collection(config.CollectionPrefix + "sessions"),
	}, nil
}

// eventDoc is the Firestore document shape for an event.
type eventDoc struct {
	ID        string         `firestore:"id"`
	SessionID string         `firestore:"sessionId"`
	ParentID  string         `firestore:"parentId"`
	Sequence  int64          `firestore:"sequence"`
	Timestamp time.Time      `firestore:"timestamp"`
	Type      string         `firestore:"type"`
	Payload   map[string]any `firestore:"payload"`
}

// sessionDoc is the Firestore document shape for a session record.
type sessionDoc struct {
	ID              string    `firestore:"id"`
	Title           string    `firestore:"title"`
	HeadEventID     string    `firestore:"headEventId"`
	RootEventID     string    `firestore:"rootEventId"`
	IsFork          bool      `firestore:"isFork"`
	SourceSessionID string    `firestore:"sourceSessionId"`
	SourceEventID   string    `firestore:"sourceEventId"`
	Archived        bool      `firestore:"archived"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
	EventCount      int64     `firestore:"eventCount"`
	MessageCount    int64     `firestore:"messageCount"`
}

func toEventDoc(ev *event.Event) *eventDoc {
	return &eventDoc{
		ID:        ev.ID,
		SessionID: ev.SessionID,
		ParentID:  ev.ParentID,
		Sequence:  ev.Sequence,
		Timestamp: ev.Timestamp,
		Type:      string(ev.Type),
		Payload:   ev.Payload,
	}
}

func (d *eventDoc) toEvent() *event.Event {
	return &event.Event{
		ID:        d.ID,
		SessionID: d.SessionID,
		ParentID:  d.ParentID,
		Sequence:  d.Sequence,
		Timestamp: d.Timestamp,
		Type:      event.Type(d.Type),
		Payload:   d.Payload,
	}
}

func toSessionDoc(rec *store.SessionRecord) *sessionDoc {
	return &sessionDoc{
		ID:              rec.ID,
		Title:           rec.Title,
		HeadEventID:     rec.HeadEventID,
		RootEventID:     rec.RootEventID,
		IsFork:          rec.IsFork,
		SourceSessionID: rec.SourceSessionID,
		SourceEventID:   rec.SourceEventID,
		Archived:        rec.Archived,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
		EventCount:      rec.EventCount,
		MessageCount:    rec.MessageCount,
	}
}

func (d *sessionDoc) toRecord() *store.SessionRecord {
	return &store.SessionRecord{
		ID:              d.ID,
		Title:           d.Title,
		HeadEventID:     d.HeadEventID,
		RootEventID:     d.RootEventID,
		IsFork:          d.IsFork,
		SourceSessionID: d.SourceSessionID,
		SourceEventID:   d.SourceEventID,
		Archived:        d.Archived,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		EventCount:      d.EventCount,
		MessageCount:    d.MessageCount,
	}
}

func (b *Backend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return store.ErrStoreClosed
	}
	return nil
}

// AppendEvent durably stores an event. The parent-existence check and
// the insert run in one transaction, so a rejected append writes nothing.
func (b *Backend) AppendEvent(ctx context.Context, ev *event.Event) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	err := b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if ev.ParentID != "" {
			snap, err := tx.Get(b.events.Doc(ev.ParentID))
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return store.ErrParentNotFound
				}
				return fmt.Errorf("check parent: %w", err)
			}
			if !snap.Exists() {
				return store.ErrParentNotFound
			}
		}
		return tx.Create(b.events.Doc(ev.ID), toEventDoc(ev))
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return store.ErrDuplicateEvent
		}
		return err
	}
	return nil
}

// GetEvent retrieves an event by id.
func (b *Backend) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	snap, err := b.events.Doc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get event: %w", err)
	}

	var doc eventDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return doc.toEvent(), nil
}

// GetEventsBySession returns a session's events ordered by sequence.
func (b *Backend) GetEventsBySession(ctx context.Context, sessionID string) ([]*event.Event, error) {
	return b.GetEventsSince(ctx, sessionID, -1)
}

// GetEventsSince returns a session's events with sequence > afterSeq.
func (b *Backend) GetEventsSince(ctx context.Context, sessionID string, afterSeq int64) ([]*event.Event, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	q := b.events.
		Where("sessionId", "==", sessionID).
		Where("sequence", ">", afterSeq).
		OrderBy("sequence", firestore.Asc)
	return b.queryEvents(ctx, q)
}

// GetChildren returns all events whose parent is eventID.
func (b *Backend) GetChildren(ctx context.Context, eventID string) ([]*event.Event, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return b.queryEvents(ctx, b.events.Where("parentId", "==", eventID))
}

func (b *Backend) queryEvents(ctx context.Context, q firestore.Query) ([]*event.Event, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var events []*event.Event
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate events: %w", err)
		}
		var doc eventDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, doc.toEvent())
	}
	if events == nil {
		events = []*event.Event{}
	}
	return events, nil
}

// SaveSession creates or updates a session record.
func (b *Backend) SaveSession(ctx context.Context, rec *store.SessionRecord) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	if _, err := b.sessions.Doc(rec.ID).Set(ctx, toSessionDoc(rec)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// CreateSession stores a new session record.
func (b *Backend) CreateSession(ctx context.Context, rec *store.SessionRecord) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	if _, err := b.sessions.Doc(rec.ID).Create(ctx, toSessionDoc(rec)); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return store.ErrSessionExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session record by id.
func (b *Backend) GetSession(ctx context.Context, sessionID string) (*store.SessionRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	snap, err := b.sessions.Doc(sessionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var doc sessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return doc.toRecord(), nil
}

// ListSessions returns session records, most recently updated first.
func (b *Backend) ListSessions(ctx context.Context, opts store.ListOptions) ([]*store.SessionRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	q := b.sessions.Query
	if !opts.IncludeArchived {
		q = q.Where("archived", "==", false)
	}

	records, err := b.querySessions(ctx, q)
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return paginate(records, opts), nil
}

// FindForkSessions returns sessions forked from eventID.
func (b *Backend) FindForkSessions(ctx context.Context, eventID string) ([]*store.SessionRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return b.querySessions(ctx, b.sessions.Where("sourceEventId", "==", eventID))
}

func (b *Backend) querySessions(ctx context.Context, q firestore.Query) ([]*store.SessionRecord, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var records []*store.SessionRecord
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate sessions: %w", err)
		}
		var doc sessionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		records = append(records, doc.toRecord())
	}
	if records == nil {
		records = []*store.SessionRecord{}
	}
	return records, nil
}

// Close releases resources held by the backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

func paginate(records []*store.SessionRecord, opts store.ListOptions) []*store.SessionRecord {
	if opts.Offset > 0 {
		if opts.Offset >= len(records) {
			return []*store.SessionRecord{}
		}
		records = records[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(records) {
		records = records[:opts.Limit]
	}
	return records
}
