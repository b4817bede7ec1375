// Package event defines the immutable event record at the core of the
// session log. Every action in a conversation (messages, tool calls,
// configuration changes, errors) is recorded as an Event; events are
// never mutated after they are written, and corrections are expressed
// as new events referencing the original.
package event

import (
	"time"
)

// Type is the closed set of event type tags. The dotted naming groups
// related events by namespace (session.*, message.*, tool.*, ...).
type Type string

const (
	// TypeSessionStart is the root event of a session created from scratch.
	TypeSessionStart Type = "session.start"
	// TypeSessionEnd marks a session as ended.
	TypeSessionEnd Type = "session.end"
	// TypeSessionFork is the root event of a forked session. Its parent
	// points into the source session's event tree.
	TypeSessionFork Type = "session.fork"
	// TypeSessionRewind records a HEAD movement backward along the
	// session's own history.
	TypeSessionRewind Type = "session.rewind"
	// TypeMessageUser is a user message.
	TypeMessageUser Type = "message.user"
	// TypeMessageAssistant is an assistant message.
	TypeMessageAssistant Type = "message.assistant"
	// TypeMessageDeleted records deletion of an earlier message event.
	// The original event is never modified.
	TypeMessageDeleted Type = "message.deleted"
	// TypeToolCall is a tool invocation request.
	TypeToolCall Type = "tool.call"
	// TypeToolResult is a tool invocation result.
	TypeToolResult Type = "tool.result"
	// TypeErrorAgent is an error raised by the agent itself.
	TypeErrorAgent Type = "error.agent"
	// TypeErrorProvider is an error from the model provider.
	TypeErrorProvider Type = "error.provider"
	// TypeErrorTool is an error from a tool execution.
	TypeErrorTool Type = "error.tool"
	// TypeConfigModelSwitch records a model change mid-session.
	TypeConfigModelSwitch Type = "config.model_switch"
	// TypeCompactBoundary marks a context compaction point.
	TypeCompactBoundary Type = "compact.boundary"
	// TypeContextCleared records an explicit context clear.
	TypeContextCleared Type = "context.cleared"
)

// Event is a single immutable record in a session's log.
//
// Many events may share the same ParentID; such an event is a branch
// point. An event is owned by exactly one session (SessionID) but may be
// read through descendant sessions via parent links that cross session
// boundaries.
type Event struct {
	// ID is the globally unique event identifier.
	ID string `json:"id"`
	// SessionID is the session that owns this event.
	SessionID string `json:"sessionId"`
	// ParentID links to the event this one logically follows.
	// Empty only for a global root event.
	ParentID string `json:"parentId,omitempty"`
	// Sequence is a monotonically increasing integer, unique within the
	// owning session. Ordering within a session relies on Sequence, not
	// on Timestamp.
	Sequence int64 `json:"sequence"`
	// Timestamp is the creation time. Advisory, display only.
	Timestamp time.Time `json:"timestamp"`
	// Type is the event type tag.
	Type Type `json:"type"`
	// Payload is the type-specific data. The core treats it as opaque;
	// payload schema is the producer's responsibility.
	Payload map[string]any `json:"payload"`
}

var knownTypes = map[Type]bool{
	TypeSessionStart:      true,
	TypeSessionEnd:        true,
	TypeSessionFork:       true,
	TypeSessionRewind:     true,
	TypeMessageUser:       true,
	TypeMessageAssistant:  true,
	TypeMessageDeleted:    true,
	TypeToolCall:          true,
	TypeToolResult:        true,
	TypeErrorAgent:        true,
	TypeErrorProvider:     true,
	TypeErrorTool:         true,
	TypeConfigModelSwitch: true,
	TypeCompactBoundary:   true,
	TypeContextCleared:    true,
}

// Valid reports whether t is one of the known event type tags.
func (t Type) Valid() bool {
	return knownTypes[t]
}

// IsRoot reports whether the event has no parent.
func (e *Event) IsRoot() bool {
	return e.ParentID == ""
}

// IsMessage reports whether the event carries conversation content that
// can be the target of a message.deleted correction.
func (e *Event) IsMessage() bool {
	switch e.Type {
	case TypeMessageUser, TypeMessageAssistant, TypeToolResult:
		return true
	}
	return false
}

// Clone returns a deep copy of the event. Store implementations hand out
// clones so callers can never mutate durably written records.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	dup := *e
	if e.Payload != nil {
		dup.Payload = clonePayload(e.Payload)
	}
	return &dup
}

func clonePayload(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

// cloneValue deep-copies the JSON-shaped containers a payload can hold.
// Scalars are returned as-is.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		dup := make([]any, len(t))
		for i, e := range t {
			dup[i] = cloneValue(e)
		}
		return dup
	default:
		return v
	}
}
