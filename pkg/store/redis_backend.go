package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/evtree-dev/evtree/pkg/event"
)

// RedisBackend implements Backend using Redis.
// It provides distributed storage suitable for multi-node deployments.
type RedisBackend struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default: "evtree:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "evtree:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisBackend{
		client: client,
		prefix: prefix,
	}, nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "evtree:"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
	}
}

// Key helpers
func (b *RedisBackend) eventKey(eventID string) string {
	return b.prefix + "event:" + eventID
}

func (b *RedisBackend) sessionEventsKey(sessionID string) string {
	return b.prefix + "session-events:" + sessionID
}

func (b *RedisBackend) childrenKey(eventID string) string {
	return b.prefix + "children:" + eventID
}

func (b *RedisBackend) sessionKey(sessionID string) string {
	return b.prefix + "session:" + sessionID
}

func (b *RedisBackend) sessionsKey() string {
	return b.prefix + "sessions"
}

func (b *RedisBackend) forksKey(eventID string) string {
	return b.prefix + "forks:" + eventID
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	return nil
}

// AppendEvent durably stores an event.
func (b *RedisBackend) AppendEvent(ctx context.Context, ev *event.Event) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	// Integrity checks before any write so a rejected append leaves no
	// partial state. Event ids are UUIDs, so the check-then-write window
	// is benign; per-session serialization is the caller's concern.
	if ev.ParentID != "" {
		exists, err := b.client.Exists(ctx, b.eventKey(ev.ParentID)).Result()
		if err != nil {
			return fmt.Errorf("check parent: %w", err)
		}
		if exists == 0 {
			return ErrParentNotFound
		}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ok, err := b.client.SetNX(ctx, b.eventKey(ev.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("store event: %w", err)
	}
	if !ok {
		return ErrDuplicateEvent
	}

	pipe := b.client.Pipeline()
	pipe.RPush(ctx, b.sessionEventsKey(ev.SessionID), ev.ID)
	if ev.ParentID != "" {
		pipe.SAdd(ctx, b.childrenKey(ev.ParentID), ev.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index event: %w", err)
	}
	return nil
}

// GetEvent retrieves an event by id.
func (b *RedisBackend) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	data, err := b.client.Get(ctx, b.eventKey(eventID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get event: %w", err)
	}

	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &ev, nil
}

// GetEventsBySession returns a session's events ordered by sequence.
func (b *RedisBackend) GetEventsBySession(ctx context.Context, sessionID string) ([]*event.Event, error) {
	return b.GetEventsSince(ctx, sessionID, -1)
}

// GetEventsSince returns a session's events with sequence > afterSeq.
func (b *RedisBackend) GetEventsSince(ctx context.Context, sessionID string, afterSeq int64) ([]*event.Event, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := b.client.LRange(ctx, b.sessionEventsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}

	events, err := b.fetchEvents(ctx, ids)
	if err != nil {
		return nil, err
	}

	filtered := events[:0]
	for _, ev := range events {
		if ev.Sequence > afterSeq {
			filtered = append(filtered, ev)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Sequence < filtered[j].Sequence
	})
	return filtered, nil
}

// GetChildren returns all events whose parent is eventID.
func (b *RedisBackend) GetChildren(ctx context.Context, eventID string) ([]*event.Event, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := b.client.SMembers(ctx, b.childrenKey(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return b.fetchEvents(ctx, ids)
}

// fetchEvents batch-loads events by id, skipping ids with no record.
func (b *RedisBackend) fetchEvents(ctx context.Context, ids []string) ([]*event.Event, error) {
	if len(ids) == 0 {
		return []*event.Event{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.eventKey(id)
	}

	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}

	events := make([]*event.Event, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, nil
}

// SaveSession creates or updates a session record.
func (b *RedisBackend) SaveSession(ctx context.Context, rec *SessionRecord) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.writeSession(ctx, rec)
}

// CreateSession stores a new session record.
func (b *RedisBackend) CreateSession(ctx context.Context, rec *SessionRecord) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	exists, err := b.client.Exists(ctx, b.sessionKey(rec.ID)).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists > 0 {
		return ErrSessionExists
	}
	return b.writeSession(ctx, rec)
}

func (b *RedisBackend) writeSession(ctx context.Context, rec *SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.sessionKey(rec.ID), data, 0)
	pipe.SAdd(ctx, b.sessionsKey(), rec.ID)
	if rec.IsFork && rec.SourceEventID != "" {
		pipe.SAdd(ctx, b.forksKey(rec.SourceEventID), rec.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession retrieves a session record by id.
func (b *RedisBackend) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	data, err := b.client.Get(ctx, b.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &rec, nil
}

// ListSessions returns session records, most recently updated first.
func (b *RedisBackend) ListSessions(ctx context.Context, opts ListOptions) ([]*SessionRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := b.client.SMembers(ctx, b.sessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	records := make([]*SessionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := b.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Session record vanished, clean up the index.
				b.client.SRem(ctx, b.sessionsKey(), id)
				continue
			}
			return nil, err
		}
		if rec.Archived && !opts.IncludeArchived {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return paginate(records, opts), nil
}

// FindForkSessions returns sessions forked from eventID.
func (b *RedisBackend) FindForkSessions(ctx context.Context, eventID string) ([]*SessionRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := b.client.SMembers(ctx, b.forksKey(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list forks: %w", err)
	}

	records := make([]*SessionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := b.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}
