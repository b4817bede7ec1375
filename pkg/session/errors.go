package session

import (
	"errors"
)

var (
	// ErrInvalidHead is returned when a rewind target is not on the
	// ancestor chain of the session's current HEAD. Rewind only moves
	// backward along the active path; use Fork to jump sideways.
	ErrInvalidHead = errors.New("target event is not an ancestor of the session head")

	// ErrForkTargetUnreachable is returned when a fork point cannot be
	// validated as part of the source session's history. Never silently
	// corrected: picking a "closest valid" event would hide the
	// requester's bug.
	ErrForkTargetUnreachable = errors.New("fork target is not reachable from the source session's history")

	// ErrEventConflict is returned when an append reuses an event id but
	// the stored event differs from the submitted one.
	ErrEventConflict = errors.New("event id already used by a different event")

	// ErrNotDeletable is returned when a message deletion targets an
	// event type that is not a message or tool result.
	ErrNotDeletable = errors.New("only message and tool result events can be deleted")

	// ErrUnknownEventType is returned when an append carries a type tag
	// outside the known set.
	ErrUnknownEventType = errors.New("unknown event type")
)
