// Package graph provides read-only queries over the session event tree:
// ancestor chains, branch points, sibling branches, and render depths.
// Nothing here mutates state; unknown ids yield empty results rather
// than errors.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/evtree-dev/evtree/pkg/event"
	"github.com/evtree-dev/evtree/pkg/store"
)

// ErrCycleDetected is returned when a parent walk revisits an event.
// A well-formed store can never produce this; it indicates corruption.
var ErrCycleDetected = errors.New("parent cycle detected")

// Reader is the read-only subset of the store the navigator needs.
type Reader interface {
	GetEvent(ctx context.Context, eventID string) (*event.Event, error)
	GetChildren(ctx context.Context, eventID string) ([]*event.Event, error)
	GetSession(ctx context.Context, sessionID string) (*store.SessionRecord, error)
	FindForkSessions(ctx context.Context, eventID string) ([]*store.SessionRecord, error)
}

// Navigator resolves derived relationships over the flat event table.
// Tree shape is always computed on read; nothing is cached, since the
// log is append-only and cheap to scan incrementally.
type Navigator struct {
	reader Reader
}

// NewNavigator creates a navigator over the given reader.
func NewNavigator(reader Reader) *Navigator {
	return &Navigator{reader: reader}
}

// AncestorChain returns the chain from the ultimate root to eventID
// (inclusive), following parent links. For a forked session's events the
// chain continues seamlessly into the source session's history. An
// unknown id yields an empty chain.
func (n *Navigator) AncestorChain(ctx context.Context, eventID string) ([]*event.Event, error) {
	var chain []*event.Event
	seen := make(map[string]bool)

	id := eventID
	for id != "" {
		if seen[id] {
			return nil, fmt.Errorf("%w: event %s", ErrCycleDetected, id)
		}
		seen[id] = true

		ev, err := n.reader.GetEvent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get event %s: %w", id, err)
		}
		if ev == nil {
			if len(chain) > 0 {
				// A mid-chain gap violates referential integrity.
				return nil, fmt.Errorf("%w: dangling parent %s", store.ErrParentNotFound, id)
			}
			return []*event.Event{}, nil
		}
		chain = append(chain, ev)
		id = ev.ParentID
	}

	// Walked tip-to-root; callers want root-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// PathToHead returns the set of event ids on the ancestor chain of a
// session's current HEAD. Renderers use it to mark "on the active path".
// An unknown session yields an empty set.
func (n *Navigator) PathToHead(ctx context.Context, sessionID string) (map[string]bool, error) {
	rec, err := n.reader.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return map[string]bool{}, nil
		}
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}

	chain, err := n.AncestorChain(ctx, rec.HeadEventID)
	if err != nil {
		return nil, err
	}

	path := make(map[string]bool, len(chain))
	for _, ev := range chain {
		path[ev.ID] = true
	}
	return path, nil
}

// IsBranchPoint reports whether eventID has more than one child in the
// full cross-session graph.
func (n *Navigator) IsBranchPoint(ctx context.Context, eventID string) (bool, error) {
	children, err := n.reader.GetChildren(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("get children %s: %w", eventID, err)
	}
	return len(children) > 1, nil
}

// SiblingSessions returns all sessions (other than the excluded one)
// whose fork lineage points at eventID.
func (n *Navigator) SiblingSessions(ctx context.Context, eventID, excludeSessionID string) ([]*store.SessionRecord, error) {
	records, err := n.reader.FindForkSessions(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("find forks of %s: %w", eventID, err)
	}

	siblings := make([]*store.SessionRecord, 0, len(records))
	for _, rec := range records {
		if rec.ID == excludeSessionID {
			continue
		}
		siblings = append(siblings, rec)
	}
	return siblings, nil
}

// BranchPoints returns the ids of events within scope that have more
// than one child within scope. Pure function; grouping by parent id.
func BranchPoints(scope []*event.Event) map[string]bool {
	childCount := make(map[string]int, len(scope))
	for _, ev := range scope {
		if ev.ParentID != "" {
			childCount[ev.ParentID]++
		}
	}

	points := make(map[string]bool)
	for _, ev := range scope {
		if childCount[ev.ID] > 1 {
			points[ev.ID] = true
		}
	}
	return points
}

// Depths computes a rendering depth for every event in scope. Linear
// history stays flat: an only child inherits its parent's depth, and
// only children of true branch points are indented, all siblings at the
// same level.
//
// Events whose parent is outside the scope anchor at depth 0. The scope
// must be ordered so parents precede children (sequence order within a
// session satisfies this).
func Depths(scope []*event.Event) map[string]int {
	childCount := make(map[string]int, len(scope))
	inScope := make(map[string]bool, len(scope))
	for _, ev := range scope {
		inScope[ev.ID] = true
		if ev.ParentID != "" {
			childCount[ev.ParentID]++
		}
	}

	depths := make(map[string]int, len(scope))
	for _, ev := range scope {
		if ev.ParentID == "" || !inScope[ev.ParentID] {
			depths[ev.ID] = 0
			continue
		}
		parentDepth := depths[ev.ParentID]
		if childCount[ev.ParentID] > 1 {
			depths[ev.ID] = parentDepth + 1
		} else {
			depths[ev.ID] = parentDepth
		}
	}
	return depths
}
