// Package replay re-drives recorded calls into a new branch session,
// substituting mocked calls and tracked invocations with their recorded
// results.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/spacetime/internal/platform/errors"
	platformotel "github.com/louisbranch/spacetime/internal/platform/otel"
	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
	"github.com/louisbranch/spacetime/internal/services/spacetime/recorder"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
)

const tracerName = "spacetime.replay"

var (
	// ErrStructuralDrift indicates a mocked or tracked call was reached
	// where the recording has none.
	ErrStructuralDrift = apperrors.New(apperrors.CodeStructuralDrift, "replay diverged from the recorded call tree")
	// ErrEntryPointUnknown indicates a recorded call has no instrumented
	// function registered in this process.
	ErrEntryPointUnknown = apperrors.New(apperrors.CodeEntryPointUnknown, "no instrumented entry point")
	// ErrReplayIncomplete indicates the branch session was left incomplete.
	ErrReplayIncomplete = apperrors.New(apperrors.CodeReplayIncomplete, "replay stopped before completion")
)

// Cutoff is the policy for calls past a subsequence's end.
type Cutoff int

const (
	// CutoffLive runs calls past the end live, without substitutions.
	CutoffLive Cutoff = iota
	// CutoffHalt stops driving at the first call past the end.
	CutoffHalt
)

// Options configure one replay run.
type Options struct {
	// Mocks name functions substituted with their recorded return value.
	Mocks []string
	// EndCallID bounds a subsequence. Zero replays the whole sequence.
	EndCallID int64
	Cutoff    Cutoff
	// Name labels the branch session.
	Name string
}

// Result describes a finished replay.
type Result struct {
	SessionID string
	// Driven counts the historical calls re-invoked at the top level.
	Driven      int
	Substituted int
	Halted      bool
	Incomplete  bool
}

// Store is the history the engine reads.
type Store interface {
	GetCall(ctx context.Context, id int64) (storage.FunctionCall, error)
	ListSessionCalls(ctx context.Context, sessionID string) ([]storage.FunctionCall, error)
	ListChildCalls(ctx context.Context, parentID int64) ([]storage.FunctionCall, error)
}

// Branches opens and closes branch sessions.
type Branches interface {
	StartBranch(ctx context.Context, name string, fromCallID int64) (storage.Session, error)
	EndSession(ctx context.Context, sessionID string, incomplete bool) error
}

// Engine replays recorded history.
type Engine struct {
	store    Store
	branches Branches
	recorder *recorder.Recorder
	tracer   trace.Tracer
}

// New builds an engine. provider may be nil.
func New(store Store, branches Branches, rec *recorder.Recorder, provider trace.TracerProvider) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("call store is required")
	}
	if branches == nil {
		return nil, fmt.Errorf("session tracker is required")
	}
	if rec == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	return &Engine{
		store:    store,
		branches: branches,
		recorder: rec,
		tracer:   platformotel.Tracer(provider, tracerName),
	}, nil
}

// Sequence replays startCallID and the calls after it at the same level.
func (e *Engine) Sequence(ctx context.Context, startCallID int64, mocks ...string) (string, error) {
	res, err := e.Run(ctx, startCallID, Options{Mocks: mocks})
	return res.SessionID, err
}

// Subsequence replays from startCallID through endCallID.
func (e *Engine) Subsequence(ctx context.Context, startCallID, endCallID int64, mocks ...string) (string, error) {
	if endCallID <= 0 {
		return "", apperrors.WithMetadata(apperrors.CodeInvalidArgument, "end call id is required", map[string]string{"Field": "end_call_id"})
	}
	res, err := e.Run(ctx, startCallID, Options{Mocks: mocks, EndCallID: endCallID})
	return res.SessionID, err
}

// Run replays history into a new branch session whose first call continues
// from startCallID. The session is returned even when the replay fails, and
// is then marked incomplete.
func (e *Engine) Run(ctx context.Context, startCallID int64, opts Options) (res Result, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if startCallID <= 0 {
		return Result{}, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "start call id is required", map[string]string{"Field": "start_call_id"})
	}
	ctx, span := e.tracer.Start(ctx, "replay", trace.WithAttributes(
		attribute.Int64("spacetime.start_call_id", startCallID),
		attribute.Int64("spacetime.end_call_id", opts.EndCallID),
		attribute.StringSlice("spacetime.mocks", opts.Mocks),
	))
	defer func() { platformotel.EndSpan(span, err) }()

	start, err := e.store.GetCall(ctx, startCallID)
	if err != nil {
		return Result{}, fmt.Errorf("load start call %d: %w", startCallID, err)
	}
	driving, err := e.drivingSet(ctx, start)
	if err != nil {
		return Result{}, err
	}

	p := &plan{
		store:      e.store,
		mocks:      make(map[string]struct{}, len(opts.Mocks)),
		startOrder: start.Order,
		cutoff:     opts.Cutoff,
	}
	for _, name := range opts.Mocks {
		if name = strings.TrimSpace(name); name != "" {
			p.mocks[name] = struct{}{}
		}
	}
	if opts.EndCallID > 0 {
		end, err := e.store.GetCall(ctx, opts.EndCallID)
		if err != nil {
			return Result{}, fmt.Errorf("load end call %d: %w", opts.EndCallID, err)
		}
		if end.SessionID != start.SessionID || end.Order < start.Order {
			return Result{}, apperrors.WithMetadata(apperrors.CodeInvalidArgument,
				fmt.Sprintf("end call %d does not follow start call %d", end.ID, start.ID),
				map[string]string{"Field": "end_call_id"})
		}
		p.bounded = true
		p.endOrder = end.Order
		bounded := driving[:0]
		for _, call := range driving {
			if call.Order <= end.Order {
				bounded = append(bounded, call)
			}
		}
		driving = bounded
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = fmt.Sprintf("replay of %s #%d", start.FunctionName, start.ID)
	}
	branch, err := e.branches.StartBranch(ctx, name, start.ID)
	if err != nil {
		return Result{}, fmt.Errorf("start branch: %w", err)
	}
	res.SessionID = branch.ID
	span.SetAttributes(attribute.String("spacetime.session_id", branch.ID))

	runErr := e.drive(ctx, branch.ID, start, driving, p, &res)
	res.Substituted = p.substituted
	res.Halted, _ = p.state()

	if runErr != nil {
		res.Incomplete = true
	}
	if endErr := e.branches.EndSession(context.WithoutCancel(ctx), branch.ID, res.Incomplete); endErr != nil {
		log.Printf("replay: end branch session=%s: %v", branch.ID, endErr)
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return res, fmt.Errorf("replay session %s cancelled: %w", branch.ID, runErr)
		}
		return res, apperrors.WrapWithMetadata(apperrors.CodeReplayIncomplete,
			fmt.Sprintf("replay session %s incomplete", branch.ID),
			map[string]string{"SessionID": branch.ID}, runErr)
	}
	return res, nil
}

// drivingSet returns start and its later siblings in the historical session.
// A parent in another session is a branch point, so such calls are top level.
func (e *Engine) drivingSet(ctx context.Context, start storage.FunctionCall) ([]storage.FunctionCall, error) {
	calls, err := e.store.ListSessionCalls(ctx, start.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", start.SessionID, err)
	}
	inSession := make(map[int64]struct{}, len(calls))
	for _, call := range calls {
		inSession[call.ID] = struct{}{}
	}
	level := func(call storage.FunctionCall) int64 {
		if _, ok := inSession[call.ParentCallID]; ok {
			return call.ParentCallID
		}
		return 0
	}

	want := level(start)
	var driving []storage.FunctionCall
	for _, call := range calls {
		if call.Order >= start.Order && level(call) == want {
			driving = append(driving, call)
		}
	}
	return driving, nil
}

func (e *Engine) drive(ctx context.Context, sessionID string, start storage.FunctionCall, driving []storage.FunctionCall, p *plan, res *Result) error {
	objects := e.recorder.Objects()
	if err := e.recorder.Globals().Restore(ctx, objects, start.Globals); err != nil {
		return err
	}

	base := recorder.WithSession(ctx, sessionID)
	for _, call := range driving {
		if err := ctx.Err(); err != nil {
			return err
		}
		ep, ok := e.recorder.EntryPoint(call.FunctionName)
		if !ok {
			return apperrors.WrapWithMetadata(apperrors.CodeEntryPointUnknown,
				fmt.Sprintf("no instrumented function named %s", call.FunctionName),
				map[string]string{"Function": call.FunctionName}, ErrEntryPointUnknown)
		}
		args, err := arguments(ctx, objects, ep, call)
		if err != nil {
			return err
		}

		callErr := invoke(recorder.WithPlan(base, p, rootNode(call)), ep, args)
		res.Driven++

		halted, fatal := p.state()
		switch {
		case halted:
			return nil
		case fatal != nil:
			return fatal
		case callErr == nil:
		case isReplayFailure(callErr):
			return callErr
		default:
			log.Printf("replay: %s call=%d returned error: %v", call.FunctionName, call.ID, callErr)
		}
	}
	return ctx.Err()
}

// invoke runs one driven call. A host panic ends the replay as an error.
func invoke(ctx context.Context, ep recorder.EntryPoint, args recorder.Args) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s panicked during replay: %v", ep.Name, p)
		}
	}()
	_, err = ep.Call(ctx, args)
	return err
}

// arguments rehydrates the recorded locals of call in ep's parameter order.
// Ignored parameters were never captured and replay as zero values.
func arguments(ctx context.Context, objects *objectstore.Store, ep recorder.EntryPoint, call storage.FunctionCall) (recorder.Args, error) {
	args := make(recorder.Args, 0, len(ep.Params))
	for _, name := range ep.Params {
		ref, ok := call.Local(name)
		if !ok {
			args = append(args, recorder.Arg{Name: name})
			continue
		}
		if ref.IsSentinel() {
			return nil, apperrors.WithMetadata(apperrors.CodeMissingSnapshot,
				fmt.Sprintf("argument %s of call %d was not captured", name, call.ID),
				map[string]string{"Ref": string(ref)})
		}
		value, err := objects.Rehydrate(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("argument %s of call %d: %w", name, call.ID, err)
		}
		args = append(args, recorder.Arg{Name: name, Value: value})
	}
	return args, nil
}

func isReplayFailure(err error) bool {
	return errors.Is(err, objectstore.ErrMissingSnapshot) ||
		errors.Is(err, objectstore.ErrUnknownTypeTag) ||
		errors.Is(err, ErrStructuralDrift) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
