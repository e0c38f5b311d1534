package recorder

import (
	"context"

	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
)

// DecisionKind selects how a call runs during replay.
type DecisionKind int

const (
	// Reexecute runs the target and records it normally.
	Reexecute DecisionKind = iota
	// Substitute skips the target and returns the value stored under Ref.
	Substitute
)

func (k DecisionKind) String() string {
	switch k {
	case Reexecute:
		return "reexecute"
	case Substitute:
		return "substitute"
	default:
		return "unknown"
	}
}

// Decision is made for each call before it is invoked.
type Decision struct {
	Kind DecisionKind
	Ref  objectstore.Ref
	// Failure replays a recorded error or panic instead of a value.
	// Ref is empty when it is set.
	Failure *Failure
}

// Failure is the outcome of a historical call that did not return.
type Failure struct {
	Message  string
	Panicked bool
}

// RecordedError is returned by a substituted call whose historical
// counterpart failed. It carries the recorded error text only.
type RecordedError struct {
	Function string
	Message  string
}

func (e *RecordedError) Error() string {
	return e.Message
}

// Plan steers the calls made while a replay drives an entry point.
//
// Nodes are opaque to the recorder: Enter receives the node of the
// enclosing call and returns the node its children and tracked
// invocations resolve against.
type Plan interface {
	Enter(ctx context.Context, parent any, name string) (Decision, any, error)
	// Track returns the recorded result of the next tracked invocation of
	// name under node. ok is false when the invocation should run live.
	Track(ctx context.Context, node any, name string) (ref objectstore.Ref, ok bool, err error)
}
