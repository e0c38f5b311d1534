// Package query is the read surface visualization clients use to browse
// sessions, calls, rehydrated values, source, and branches, and to
// trigger replays.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/louisbranch/spacetime/internal/platform/errors"
	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
	"github.com/louisbranch/spacetime/internal/services/spacetime/session"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
)

// ErrReplayUnavailable is returned by the replay passthrough when the
// service has no replayer.
var ErrReplayUnavailable = apperrors.New(apperrors.CodeReplayUnavailable, "replay is not available")

// Store is the persistence the query surface reads.
type Store interface {
	storage.SessionStore
	storage.CallStore
	storage.CodeStore
}

// Branches derives branch relationships.
type Branches interface {
	Forest(ctx context.Context) ([]session.Branch, error)
	Lineage(ctx context.Context, sessionID string) (session.Branch, error)
}

// Replayer runs replays into new branch sessions.
type Replayer interface {
	ReplaySequence(ctx context.Context, startCallID int64, mocks ...string) (string, error)
	ReplaySubsequence(ctx context.Context, startCallID, endCallID int64, mocks ...string) (string, error)
}

// Service answers queries over recorded data.
type Service struct {
	store    Store
	objects  *objectstore.Store
	branches Branches
	replayer Replayer
}

// New builds a query service. replayer may be nil for read-only use.
func New(store Store, objects *objectstore.Store, branches Branches, replayer Replayer) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if branches == nil {
		return nil, fmt.Errorf("branch tracker is required")
	}
	return &Service{store: store, objects: objects, branches: branches, replayer: replayer}, nil
}

// CallDetail is a call with its captured values rehydrated for display.
type CallDetail struct {
	Call     storage.FunctionCall
	Locals   []Value
	Globals  []Value
	Return   Value
	Metadata []Value
	Tracked  []TrackedDetail
}

// TrackedDetail is a tracked invocation with rendered arguments and result.
type TrackedDetail struct {
	Seq          int
	FunctionName string
	Args         Value
	Return       Value
}

// Stats summarizes the recorded data.
type Stats struct {
	Sessions int
	Branches int
	Calls    int
	Objects  int64
	Bytes    int64
}

// Divergence reports where a branch stops matching the session it
// continues from. Index is -1 when the branch agrees with its parent.
type Divergence struct {
	Branch session.Branch
	Index  int
}

// ListSessions returns every session in creation order.
func (s *Service) ListSessions(ctx context.Context) ([]storage.Session, error) {
	return s.store.ListSessions(ctx)
}

// GetSession returns one session.
func (s *Service) GetSession(ctx context.Context, id string) (storage.Session, error) {
	id, err := requireSessionID(id)
	if err != nil {
		return storage.Session{}, err
	}
	return s.store.GetSession(ctx, id)
}

// ListCalls returns a session's calls in order. An unknown session is
// reported as not found rather than as an empty list.
func (s *Service) ListCalls(ctx context.Context, sessionID string) ([]storage.FunctionCall, error) {
	sessionID, err := requireSessionID(sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListSessionCalls(ctx, sessionID)
}

// SearchCalls pages through calls matching an AIP-160 filter.
func (s *Service) SearchCalls(ctx context.Context, q storage.CallQuery) (storage.CallPage, error) {
	return s.store.SearchCalls(ctx, q)
}

// ListChildCalls returns the calls whose parent is callID, including
// calls of branches that continue from it.
func (s *Service) ListChildCalls(ctx context.Context, callID int64) ([]storage.FunctionCall, error) {
	if _, err := s.store.GetCall(ctx, callID); err != nil {
		return nil, err
	}
	return s.store.ListChildCalls(ctx, callID)
}

// GetCall returns a call with every captured value rendered.
func (s *Service) GetCall(ctx context.Context, callID int64) (CallDetail, error) {
	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return CallDetail{}, err
	}
	detail := CallDetail{Call: call}
	for _, v := range call.Locals {
		detail.Locals = append(detail.Locals, s.render(ctx, v.Name, v.Ref))
	}
	for _, v := range call.Globals {
		detail.Globals = append(detail.Globals, s.render(ctx, v.Name, v.Ref))
	}
	if !call.ReturnRef.IsZero() {
		detail.Return = s.render(ctx, "return", call.ReturnRef)
	}

	keys := make([]string, 0, len(call.Metadata))
	for k := range call.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		detail.Metadata = append(detail.Metadata, s.render(ctx, k, call.Metadata[k]))
	}

	for _, inv := range call.Tracked {
		detail.Tracked = append(detail.Tracked, TrackedDetail{
			Seq:          inv.Seq,
			FunctionName: inv.FunctionName,
			Args:         s.render(ctx, "args", inv.ArgsRef),
			Return:       s.render(ctx, "return", inv.ReturnRef),
		})
	}
	return detail, nil
}

// GetValue rehydrates a single ref.
func (s *Service) GetValue(ctx context.Context, ref objectstore.Ref) (Value, error) {
	if ref.IsZero() {
		return Value{}, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "ref is required", map[string]string{"Field": "ref"})
	}
	v := s.render(ctx, "", ref)
	if v.err != nil {
		return Value{}, v.err
	}
	return v, nil
}

// GetSource returns the code definition of the function a call ran.
func (s *Service) GetSource(ctx context.Context, callID int64) (storage.CodeDefinition, error) {
	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return storage.CodeDefinition{}, err
	}
	if call.CodeDefinitionID == "" {
		return storage.CodeDefinition{}, apperrors.WithMetadata(apperrors.CodeNotFound,
			fmt.Sprintf("call %d has no source", callID), map[string]string{"CallID": fmt.Sprint(callID)})
	}
	return s.store.GetCodeDefinition(ctx, call.CodeDefinitionID)
}

// ListBranches returns the branch relationship of every session.
func (s *Service) ListBranches(ctx context.Context) ([]session.Branch, error) {
	return s.branches.Forest(ctx)
}

// Lineage returns one session's branch relationship.
func (s *Service) Lineage(ctx context.Context, sessionID string) (session.Branch, error) {
	sessionID, err := requireSessionID(sessionID)
	if err != nil {
		return session.Branch{}, err
	}
	return s.branches.Lineage(ctx, sessionID)
}

// Diverge compares a branch with the session it continues from. The
// branch's first call re-runs its branch point and aligns with it.
func (s *Service) Diverge(ctx context.Context, sessionID string) (Divergence, error) {
	branch, err := s.Lineage(ctx, sessionID)
	if err != nil {
		return Divergence{}, err
	}
	out := Divergence{Branch: branch, Index: -1}
	if branch.IsRoot() {
		return out, nil
	}
	parent, err := s.store.ListSessionCalls(ctx, branch.ParentSessionID)
	if err != nil {
		return Divergence{}, err
	}
	child, err := s.store.ListSessionCalls(ctx, branch.SessionID)
	if err != nil {
		return Divergence{}, err
	}
	out.Index = session.Divergence(parent, child, branch.BranchPointIndex)
	return out, nil
}

// Stats counts sessions, calls, and stored objects.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	branches, err := s.branches.Forest(ctx)
	if err != nil {
		return Stats{}, err
	}
	index, err := s.store.ListCallIndex(ctx)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{Sessions: len(branches), Calls: len(index)}
	for _, b := range branches {
		if !b.IsRoot() {
			out.Branches++
		}
	}
	objects, err := s.objects.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	out.Objects = objects.Objects
	out.Bytes = objects.Bytes
	return out, nil
}

// ReplaySequence replays from startCallID.
func (s *Service) ReplaySequence(ctx context.Context, startCallID int64, mocks []string) (string, error) {
	if s.replayer == nil {
		return "", ErrReplayUnavailable
	}
	return s.replayer.ReplaySequence(ctx, startCallID, cleanMocks(mocks)...)
}

// ReplaySubsequence replays from startCallID through endCallID.
func (s *Service) ReplaySubsequence(ctx context.Context, startCallID, endCallID int64, mocks []string) (string, error) {
	if s.replayer == nil {
		return "", ErrReplayUnavailable
	}
	return s.replayer.ReplaySubsequence(ctx, startCallID, endCallID, cleanMocks(mocks)...)
}

func requireSessionID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", apperrors.WithMetadata(apperrors.CodeInvalidArgument, "session id is required", map[string]string{"Field": "session_id"})
	}
	return id, nil
}

func cleanMocks(mocks []string) []string {
	out := make([]string, 0, len(mocks))
	for _, m := range mocks {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// missingValue reports whether err means the snapshot is gone rather
// than that storage failed.
func missingValue(err error) bool {
	return errors.Is(err, objectstore.ErrMissingSnapshot) || errors.Is(err, objectstore.ErrUnknownTypeTag)
}
