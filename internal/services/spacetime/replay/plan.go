package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	apperrors "github.com/louisbranch/spacetime/internal/platform/errors"
	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
	"github.com/louisbranch/spacetime/internal/services/spacetime/recorder"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
)

// errHalted stops a subsequence at the cutoff under CutoffHalt.
var errHalted = errors.New("replay halted at cutoff")

// node is a position in the historical call tree. A node with no call
// has no counterpart; a live node is past the cutoff.
type node struct {
	call *storage.FunctionCall
	live bool

	loaded   bool
	children []storage.FunctionCall
	consumed []bool
	used     []bool
}

func rootNode(call storage.FunctionCall) *node {
	return &node{
		loaded:   true,
		children: []storage.FunctionCall{call},
		consumed: make([]bool, 1),
	}
}

// plan maps calls made during one replay onto their historical
// counterparts and decides how each one runs.
type plan struct {
	store      Store
	mocks      map[string]struct{}
	startOrder int
	endOrder   int
	bounded    bool
	cutoff     Cutoff

	mu          sync.Mutex
	entered     int
	substituted int
	halted      bool
	fatal       error
}

var _ recorder.Plan = (*plan)(nil)

func (p *plan) Enter(ctx context.Context, parent any, name string) (recorder.Decision, any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reexecute := recorder.Decision{Kind: recorder.Reexecute}

	if p.bounded && p.startOrder+p.entered > p.endOrder {
		if p.cutoff == CutoffHalt {
			p.halted = true
			return recorder.Decision{}, nil, errHalted
		}
		p.entered++
		return reexecute, &node{live: true}, nil
	}

	pn, _ := parent.(*node)
	if pn == nil || pn.live {
		p.entered++
		return reexecute, &node{live: true}, nil
	}

	counterpart, err := pn.next(ctx, p.store, name)
	if err != nil {
		return recorder.Decision{}, nil, p.fail(err)
	}
	_, mocked := p.mocks[name]
	if counterpart == nil {
		if mocked {
			return recorder.Decision{}, nil, p.fail(apperrors.WrapWithMetadata(apperrors.CodeStructuralDrift,
				fmt.Sprintf("mocked call %s has no recorded counterpart", name),
				map[string]string{"Function": name}, ErrStructuralDrift))
		}
		p.entered++
		return reexecute, &node{}, nil
	}

	if mocked {
		if failure := recordedFailure(counterpart); failure != nil {
			p.entered++
			p.substituted++
			return recorder.Decision{Kind: recorder.Substitute, Failure: failure}, nil, nil
		}
		if counterpart.ReturnRef.IsZero() {
			return recorder.Decision{}, nil, p.fail(apperrors.WithMetadata(apperrors.CodeMissingSnapshot,
				fmt.Sprintf("recorded call %d of %s has no return value", counterpart.ID, name),
				map[string]string{"Ref": fmt.Sprintf("return of call %d", counterpart.ID)}))
		}
		p.entered++
		p.substituted++
		return recorder.Decision{Kind: recorder.Substitute, Ref: counterpart.ReturnRef}, nil, nil
	}
	p.entered++
	return reexecute, &node{call: counterpart}, nil
}

func (p *plan) Track(_ context.Context, n any, name string) (objectstore.Ref, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, _ := n.(*node)
	if cur == nil || cur.live {
		return "", false, nil
	}
	if cur.call != nil {
		if cur.used == nil {
			cur.used = make([]bool, len(cur.call.Tracked))
		}
		for i, inv := range cur.call.Tracked {
			if cur.used[i] || inv.FunctionName != name {
				continue
			}
			cur.used[i] = true
			p.substituted++
			return inv.ReturnRef, true, nil
		}
	}
	return "", false, p.fail(apperrors.WrapWithMetadata(apperrors.CodeStructuralDrift,
		fmt.Sprintf("tracked call %s has no recorded counterpart", name),
		map[string]string{"Function": name}, ErrStructuralDrift))
}

// recordedFailure describes a counterpart that failed or panicked, or
// returns nil when it returned normally.
func recordedFailure(call *storage.FunctionCall) *recorder.Failure {
	switch call.Status {
	case storage.CallFailed:
		return &recorder.Failure{Message: call.Error}
	case storage.CallPanicked:
		return &recorder.Failure{Message: call.Error, Panicked: true}
	default:
		return nil
	}
}

// fail records the first fatal error. Callers hold p.mu.
func (p *plan) fail(err error) error {
	if p.fatal == nil {
		p.fatal = err
	}
	return err
}

func (p *plan) state() (halted bool, fatal error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted, p.fatal
}

// next consumes the first unconsumed child of n named name, or returns nil.
// Only children in n's own session count; children elsewhere are branches.
func (n *node) next(ctx context.Context, store Store, name string) (*storage.FunctionCall, error) {
	if !n.loaded {
		if n.call != nil {
			children, err := store.ListChildCalls(ctx, n.call.ID)
			if err != nil {
				return nil, fmt.Errorf("load children of call %d: %w", n.call.ID, err)
			}
			for _, child := range children {
				if child.SessionID == n.call.SessionID {
					n.children = append(n.children, child)
				}
			}
		}
		n.consumed = make([]bool, len(n.children))
		n.loaded = true
	}
	for i := range n.children {
		if n.consumed[i] || n.children[i].FunctionName != name {
			continue
		}
		n.consumed[i] = true
		return &n.children[i], nil
	}
	return nil, nil
}
