package recorder

import (
	"context"
	"sync"

	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
)

type sessionKey struct{}
type frameKey struct{}
type planKey struct{}

// frame is one open call. Frames are carried by context so each chain of
// contexts has its own call stack.
type frame struct {
	sessionID string
	callID    int64
	name      string
	track     map[string]struct{}
	plan      Plan
	node      any

	mu        sync.Mutex
	tracked   []storage.TrackedInvocation
	replayErr error
}

type planScope struct {
	plan Plan
	node any
}

// WithSession directs calls made under ctx into sessionID.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFrom returns the session bound by WithSession.
func SessionFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// WithPlan steers calls made under ctx with plan, starting from root.
func WithPlan(ctx context.Context, plan Plan, root any) context.Context {
	return context.WithValue(ctx, planKey{}, planScope{plan: plan, node: root})
}

// CurrentCallID returns the id of the innermost open call, or zero.
func CurrentCallID(ctx context.Context) int64 {
	if f := frameFrom(ctx); f != nil {
		return f.callID
	}
	return 0
}

func withFrame(ctx context.Context, f *frame) context.Context {
	return context.WithValue(ctx, frameKey{}, f)
}

func frameFrom(ctx context.Context) *frame {
	f, _ := ctx.Value(frameKey{}).(*frame)
	return f
}

// scope resolves the plan and node a new call resolves against. parent is
// nil when the enclosing frame belongs to another session.
func scope(ctx context.Context, parent *frame) (Plan, any) {
	if parent != nil && parent.plan != nil {
		return parent.plan, parent.node
	}
	if s, ok := ctx.Value(planKey{}).(planScope); ok {
		return s.plan, s.node
	}
	return nil, nil
}

func (f *frame) tracks(name string) bool {
	_, ok := f.track[name]
	return ok
}

func (f *frame) addTracked(name string, args, result objectstore.Ref) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, storage.TrackedInvocation{
		Seq:          len(f.tracked),
		FunctionName: name,
		ArgsRef:      args,
		ReturnRef:    result,
	})
}

// fail stores the first replay failure seen by tracked invocations, which
// have no error result of their own.
func (f *frame) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replayErr == nil {
		f.replayErr = err
	}
}

func (f *frame) drain() ([]storage.TrackedInvocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.TrackedInvocation(nil), f.tracked...), f.replayErr
}

func mergeTrack(parent *frame, names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	if parent != nil {
		for name := range parent.track {
			out[name] = struct{}{}
		}
	}
	for _, name := range names {
		out[name] = struct{}{}
	}
	return out
}
