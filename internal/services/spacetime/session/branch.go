package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
)

// maxLineageDepth bounds ancestry walks over corrupt parent links.
const maxLineageDepth = 1024

// Branch is the derived relationship of one session to the session it
// continues from.
type Branch struct {
	SessionID string
	Name      string
	// ParentSessionID is empty for a root session.
	ParentSessionID string
	// BranchPointCallID is the historical call the session continues from.
	BranchPointCallID int64
	// BranchPointIndex is the branch point's order in the parent session,
	// or -1 for a root.
	BranchPointIndex int
	// OriginSessionID is the root of the lineage.
	OriginSessionID string
	// Depth is the number of branch points between the session and its origin.
	Depth      int
	Children   []string
	Incomplete bool
	CreatedAt  time.Time
}

// IsRoot reports whether the session has no resolvable parent.
func (b Branch) IsRoot() bool {
	return b.ParentSessionID == ""
}

// Forest derives the branch relationship of every session.
//
// The call index is read once and keyed by call id, so resolving each
// session's parent is a map lookup. Branches are returned in session
// creation order.
func (t *Tracker) Forest(ctx context.Context) ([]Branch, error) {
	sessions, err := t.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	index, err := t.store.ListCallIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("list call index: %w", err)
	}

	byID := make(map[int64]storage.CallIndexEntry, len(index))
	firstParent := make(map[string]int64, len(sessions))
	for _, entry := range index {
		byID[entry.ID] = entry
		if entry.Order == 0 {
			firstParent[entry.SessionID] = entry.ParentCallID
		}
	}

	branches := make([]Branch, len(sessions))
	position := make(map[string]int, len(sessions))
	for i, session := range sessions {
		position[session.ID] = i
		branches[i] = Branch{
			SessionID:        session.ID,
			Name:             session.Name,
			BranchPointIndex: -1,
			Incomplete:       session.Incomplete,
			CreatedAt:        session.CreatedAt,
		}

		parentCallID, ok := firstParent[session.ID]
		if !ok {
			// A branch that stopped before its first call still names its
			// branch point.
			parentCallID = session.BranchFromCallID
		}
		parent, ok := byID[parentCallID]
		if !ok || parent.SessionID == session.ID {
			continue
		}
		branches[i].ParentSessionID = parent.SessionID
		branches[i].BranchPointCallID = parent.ID
		branches[i].BranchPointIndex = parent.Order
	}

	for i := range branches {
		parent, ok := position[branches[i].ParentSessionID]
		if !ok {
			branches[i].ParentSessionID = ""
			branches[i].BranchPointCallID = 0
			branches[i].BranchPointIndex = -1
			continue
		}
		branches[parent].Children = append(branches[parent].Children, branches[i].SessionID)
	}

	for i := range branches {
		origin, depth := branches[i].SessionID, 0
		for cursor := i; !branches[cursor].IsRoot() && depth < maxLineageDepth; depth++ {
			cursor = position[branches[cursor].ParentSessionID]
			origin = branches[cursor].SessionID
		}
		branches[i].OriginSessionID = origin
		branches[i].Depth = depth
	}
	return branches, nil
}

// Lineage derives the branch relationship of one session by walking its
// branch points up to the origin.
func (t *Tracker) Lineage(ctx context.Context, sessionID string) (Branch, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Branch{}, ErrEmptySessionID
	}
	session, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return Branch{}, fmt.Errorf("session %s: %w", sessionID, err)
	}
	branch := Branch{
		SessionID:        session.ID,
		Name:             session.Name,
		BranchPointIndex: -1,
		OriginSessionID:  session.ID,
		Incomplete:       session.Incomplete,
		CreatedAt:        session.CreatedAt,
	}

	current := session
	for depth := 0; depth < maxLineageDepth; depth++ {
		point, ok, err := t.branchPoint(ctx, current)
		if err != nil {
			return Branch{}, err
		}
		if !ok {
			break
		}
		parent, err := t.store.GetSession(ctx, point.SessionID)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return Branch{}, fmt.Errorf("session %s: %w", point.SessionID, err)
		}
		if depth == 0 {
			branch.ParentSessionID = point.SessionID
			branch.BranchPointCallID = point.ID
			branch.BranchPointIndex = point.Order
		}
		branch.OriginSessionID = parent.ID
		branch.Depth = depth + 1
		current = parent
	}
	return branch, nil
}

// branchPoint resolves the call a session continues from, if any.
func (t *Tracker) branchPoint(ctx context.Context, session storage.Session) (storage.FunctionCall, bool, error) {
	callID := session.BranchFromCallID
	if callID == 0 {
		calls, err := t.store.ListSessionCalls(ctx, session.ID)
		if err != nil {
			return storage.FunctionCall{}, false, fmt.Errorf("list calls: %w", err)
		}
		if len(calls) == 0 {
			return storage.FunctionCall{}, false, nil
		}
		callID = calls[0].ParentCallID
	}
	if callID == 0 {
		return storage.FunctionCall{}, false, nil
	}
	call, err := t.store.GetCall(ctx, callID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.FunctionCall{}, false, nil
	}
	if err != nil {
		return storage.FunctionCall{}, false, fmt.Errorf("branch point %d: %w", callID, err)
	}
	if call.SessionID == session.ID {
		return storage.FunctionCall{}, false, nil
	}
	return call, true, nil
}

// Divergence returns the first index in child whose function name differs
// from parent[k+i], or -1 when the two agree over their common span.
func Divergence(parent, child []storage.FunctionCall, k int) int {
	if k < 0 {
		k = 0
	}
	for i, call := range child {
		j := k + i
		if j >= len(parent) {
			return -1
		}
		if parent[j].FunctionName != call.FunctionName {
			return i
		}
	}
	return -1
}
