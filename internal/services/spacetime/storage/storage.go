// Package storage defines persistence contracts for monitoring sessions,
// recorded function calls, code definitions, and object snapshots.
//
// Every record is append-only. The single exception is the session
// lifecycle: ending a session sets its status, end time, and incomplete flag.
package storage

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/spacetime/internal/platform/errors"
	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = apperrors.New(apperrors.CodeAlreadyExists, "record already exists")
	// ErrNoData indicates there is no monitoring database to read.
	ErrNoData = apperrors.New(apperrors.CodeNoData, "no monitoring data")
	// ErrSessionClosed indicates a write targeted a session that has ended.
	ErrSessionClosed = apperrors.New(apperrors.CodeSessionClosed, "session has ended")
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session is one monitored execution run.
type Session struct {
	ID     string
	Name   string
	Status SessionStatus
	// Incomplete marks a replay branch that stopped before finishing.
	Incomplete bool
	// BranchFromCallID is the historical call a replay branch continues
	// from, or zero for an original session.
	BranchFromCallID int64
	CreatedAt        time.Time
	EndedAt          time.Time
}

// CallStatus is the outcome of a recorded call.
type CallStatus string

const (
	CallOpen        CallStatus = "open"
	CallReturned    CallStatus = "returned"
	CallFailed      CallStatus = "failed"
	CallPanicked    CallStatus = "panicked"
	CallSubstituted CallStatus = "substituted"
)

// Variable binds a name to a captured value.
type Variable struct {
	Name string
	Ref  objectstore.Ref
}

// TrackedInvocation is one call to a tracked function made while its
// owning call was the innermost open call.
type TrackedInvocation struct {
	Seq          int
	FunctionName string
	ArgsRef      objectstore.Ref
	ReturnRef    objectstore.Ref
}

// FunctionCall is one recorded invocation of an instrumented function.
type FunctionCall struct {
	ID               int64
	SessionID        string
	FunctionName     string
	File             string
	Line             int
	CodeDefinitionID string
	// Order is dense and zero-based within the session.
	Order int
	// ParentCallID is the caller, or for the first call of a branch the
	// historical call it continues from. Zero means none.
	ParentCallID int64
	Locals       []Variable
	Globals      []Variable
	ReturnRef    objectstore.Ref
	Metadata     map[string]objectstore.Ref
	Tracked      []TrackedInvocation
	Status       CallStatus
	Error        string
	StartedAt    time.Time
	EndedAt      time.Time
}

// Local returns the ref bound to name in the call's locals.
func (c FunctionCall) Local(name string) (objectstore.Ref, bool) {
	for _, v := range c.Locals {
		if v.Name == name {
			return v.Ref, true
		}
	}
	return "", false
}

// CallEntry is appended when a call opens.
type CallEntry struct {
	SessionID        string
	FunctionName     string
	File             string
	Line             int
	CodeDefinitionID string
	Order            int
	ParentCallID     int64
	Locals           []Variable
	Globals          []Variable
	StartedAt        time.Time
}

// CallResult is appended when a call closes.
type CallResult struct {
	CallID    int64
	Status    CallStatus
	ReturnRef objectstore.Ref
	Error     string
	Metadata  map[string]objectstore.Ref
	Tracked   []TrackedInvocation
	EndedAt   time.Time
}

// CallIndexEntry is the minimal projection used for branch discovery.
type CallIndexEntry struct {
	ID           int64
	SessionID    string
	Order        int
	ParentCallID int64
	FunctionName string
}

// CodeDefinition is the source snippet of an instrumented function.
type CodeDefinition struct {
	ID           string
	FunctionName string
	ModulePath   string
	FirstLine    int
	Code         string
}

// CallQuery selects a page of calls across sessions.
type CallQuery struct {
	// Filter is an AIP-160 expression, see package filter.
	Filter    string
	PageSize  int
	PageToken string
}

// CallPage is one page of calls ordered by id.
type CallPage struct {
	Calls         []FunctionCall
	NextPageToken string
}

// SessionStore persists session lifecycle records.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	EndSession(ctx context.Context, id string, endedAt time.Time, incomplete bool) error
	ListSessions(ctx context.Context) ([]Session, error)
	// NextCallOrder returns the order the next call in the session takes.
	NextCallOrder(ctx context.Context, sessionID string) (int, error)
}

// CallStore persists and queries recorded calls.
type CallStore interface {
	AppendCall(ctx context.Context, entry CallEntry) (int64, error)
	CompleteCall(ctx context.Context, result CallResult) error
	GetCall(ctx context.Context, id int64) (FunctionCall, error)
	ListSessionCalls(ctx context.Context, sessionID string) ([]FunctionCall, error)
	ListCallsByFunction(ctx context.Context, functionName string) ([]FunctionCall, error)
	ListChildCalls(ctx context.Context, parentID int64) ([]FunctionCall, error)
	ListCallIndex(ctx context.Context) ([]CallIndexEntry, error)
	SearchCalls(ctx context.Context, query CallQuery) (CallPage, error)
}

// CodeStore persists code definitions.
type CodeStore interface {
	PutCodeDefinition(ctx context.Context, def CodeDefinition) error
	GetCodeDefinition(ctx context.Context, id string) (CodeDefinition, error)
}

// Store is the full persistence surface.
type Store interface {
	SessionStore
	CallStore
	CodeStore
	objectstore.Backend
	objectstore.StatsBackend
	Close() error
}
