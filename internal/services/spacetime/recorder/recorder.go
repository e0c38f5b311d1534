// Package recorder instruments functions so every invocation inside an
// active session is captured: arguments, registered globals, the return
// value, return-hook metadata, and tracked non-deterministic calls.
//
// Instrumentation is a wrapping middleware. The instrumented callable has
// the same shape as the target and is a pass-through when no session is
// active.
package recorder

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/spacetime/internal/platform/errors"
	platformotel "github.com/louisbranch/spacetime/internal/platform/otel"
	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
)

const tracerName = "spacetime.recorder"

// Arg is one bound parameter.
type Arg struct {
	Name  string
	Value any
}

// Args are the parameter bindings of one invocation, in declaration order.
type Args []Arg

// Get returns the value bound to name.
func (a Args) Get(name string) (any, bool) {
	for _, arg := range a {
		if arg.Name == name {
			return arg.Value, true
		}
	}
	return nil, false
}

// At returns the value at position i, or nil when absent.
func (a Args) At(i int) any {
	if i < 0 || i >= len(a) {
		return nil
	}
	return a[i].Value
}

// Func is the canonical instrumentable callable.
type Func func(ctx context.Context, args Args) (any, error)

// ReturnHook derives metadata from a call's return value.
type ReturnHook func(result any) map[string]any

// Config controls what an instrumented function captures.
type Config struct {
	// Ignore names parameters excluded from capture.
	Ignore []string
	// ReturnHooks run in order on normal return; later keys win.
	ReturnHooks []ReturnHook
	// Track names tracked functions whose invocations are captured while
	// this call is open.
	Track []string
}

// Tracker allocates call order and persists call records.
type Tracker interface {
	Open(ctx context.Context, entry storage.CallEntry) (storage.FunctionCall, error)
	Complete(ctx context.Context, result storage.CallResult) error
}

// Options configure a Recorder.
type Options struct {
	Tracker Tracker
	Objects *objectstore.Store
	// Code persists source definitions. Optional.
	Code storage.CodeStore
	// Globals are snapshotted with every call. Optional.
	Globals *Globals
	// ActiveSession resolves the session for contexts without one bound
	// by WithSession. Optional.
	ActiveSession func() string
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// EntryPoint is an instrumented function registered for replay.
type EntryPoint struct {
	Name   string
	Params []string
	Config Config
	// Call is the instrumented callable.
	Call Func
}

// Recorder instruments functions and records their invocations.
type Recorder struct {
	tracker Tracker
	objects *objectstore.Store
	code    storage.CodeStore
	globals *Globals
	active  func() string
	tracer  trace.Tracer

	mu      sync.RWMutex
	entries map[string]EntryPoint
}

// New builds a recorder.
func New(opts Options) (*Recorder, error) {
	if opts.Tracker == nil {
		return nil, fmt.Errorf("call tracker is required")
	}
	if opts.Objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	globals := opts.Globals
	if globals == nil {
		globals = NewGlobals()
	}
	active := opts.ActiveSession
	if active == nil {
		active = func() string { return "" }
	}
	return &Recorder{
		tracker: opts.Tracker,
		objects: opts.Objects,
		code:    opts.Code,
		globals: globals,
		active:  active,
		tracer:  platformotel.Tracer(opts.TracerProvider, tracerName),
		entries: make(map[string]EntryPoint),
	}, nil
}

// Globals returns the registry snapshotted with every call.
func (r *Recorder) Globals() *Globals {
	return r.globals
}

// Objects returns the object store used for captures.
func (r *Recorder) Objects() *objectstore.Store {
	return r.objects
}

// EntryPoint returns the instrumented function registered under name.
func (r *Recorder) EntryPoint(name string) (EntryPoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.entries[name]
	return ep, ok
}

// EntryPoints returns the registered names in sorted order.
func (r *Recorder) EntryPoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wrap instruments fn under name. params names fn's arguments in order.
func (r *Recorder) Wrap(name string, params []string, fn Func, cfg Config) Func {
	return r.wrap(name, params, fn, fn, cfg)
}

// wrap instruments fn. source is the function whose definition is
// recorded, which differs from fn for typed adapters.
func (r *Recorder) wrap(name string, params []string, fn Func, source any, cfg Config) Func {
	name = strings.TrimSpace(name)
	site := &codeSite{def: resolveCode(name, source)}
	ignore := make(map[string]struct{}, len(cfg.Ignore))
	for _, p := range cfg.Ignore {
		ignore[p] = struct{}{}
	}
	ep := EntryPoint{Name: name, Params: append([]string(nil), params...), Config: cfg}
	ep.Call = func(ctx context.Context, args Args) (any, error) {
		return r.invoke(ctx, ep, site, ignore, fn, args)
	}

	r.mu.Lock()
	if _, exists := r.entries[name]; exists {
		log.Printf("recorder: replacing entry point %s", name)
	}
	r.entries[name] = ep
	r.mu.Unlock()
	return ep.Call
}

type codeSite struct {
	def  storage.CodeDefinition
	once sync.Once
}

func (r *Recorder) persistCode(ctx context.Context, site *codeSite) string {
	if r.code == nil {
		return ""
	}
	site.once.Do(func() {
		if err := r.code.PutCodeDefinition(ctx, site.def); err != nil {
			log.Printf("recorder: store code definition %s: %v", site.def.FunctionName, err)
		}
	})
	return site.def.ID
}

func (r *Recorder) sessionFor(ctx context.Context) string {
	if id := SessionFrom(ctx); id != "" {
		return id
	}
	return r.active()
}

func (r *Recorder) invoke(ctx context.Context, ep EntryPoint, site *codeSite, ignore map[string]struct{}, fn Func, args Args) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID := r.sessionFor(ctx)
	if sessionID == "" {
		return fn(ctx, args)
	}

	parent := frameFrom(ctx)
	if parent != nil && parent.sessionID != sessionID {
		parent = nil
	}
	plan, parentNode := scope(ctx, parent)
	decision := Decision{Kind: Reexecute}
	var node any
	if plan != nil {
		var err error
		decision, node, err = plan.Enter(ctx, parentNode, ep.Name)
		if err != nil {
			return nil, err
		}
	}

	locals := make([]storage.Variable, 0, len(args))
	for _, arg := range args {
		if _, skip := ignore[arg.Name]; skip {
			continue
		}
		locals = append(locals, storage.Variable{Name: arg.Name, Ref: r.objects.Capture(ctx, arg.Value)})
	}
	entry := storage.CallEntry{
		SessionID:        sessionID,
		FunctionName:     ep.Name,
		File:             site.def.ModulePath,
		Line:             site.def.FirstLine,
		CodeDefinitionID: r.persistCode(ctx, site),
		Locals:           locals,
		Globals:          r.globals.Snapshot(ctx, r.objects),
	}
	if parent != nil {
		entry.ParentCallID = parent.callID
	}

	call, err := r.tracker.Open(ctx, entry)
	if err != nil {
		if plan != nil {
			return nil, fmt.Errorf("record %s: %w", ep.Name, err)
		}
		log.Printf("recorder: open call %s session=%s: %v", ep.Name, sessionID, err)
		return fn(ctx, args)
	}

	ctx, span := r.tracer.Start(ctx, ep.Name, trace.WithAttributes(
		attribute.String("spacetime.session_id", sessionID),
		attribute.Int64("spacetime.call_id", call.ID),
		attribute.Int("spacetime.order", call.Order),
		attribute.String("spacetime.decision", decision.Kind.String()),
	))

	if decision.Kind == Substitute && decision.Failure != nil {
		err := r.substituteFailure(ctx, call, *decision.Failure)
		platformotel.EndSpan(span, err)
		if decision.Failure.Panicked {
			panic(decision.Failure.Message)
		}
		return nil, err
	}
	if decision.Kind == Substitute {
		value, err := r.substitute(ctx, call, decision.Ref)
		platformotel.EndSpan(span, err)
		return value, err
	}

	f := &frame{
		sessionID: sessionID,
		callID:    call.ID,
		name:      ep.Name,
		track:     mergeTrack(parent, ep.Config.Track),
		plan:      plan,
		node:      node,
	}
	result, err := r.execute(withFrame(ctx, f), f, span, ep, fn, args)
	platformotel.EndSpan(span, err)
	return result, err
}

// substitute completes call with the value stored under ref instead of
// running the target.
func (r *Recorder) substitute(ctx context.Context, call storage.FunctionCall, ref objectstore.Ref) (any, error) {
	value, err := r.objects.Rehydrate(ctx, ref)
	if err == nil {
		if _, unavailable := value.(objectstore.Unavailable); unavailable {
			err = apperrors.WithMetadata(apperrors.CodeMissingSnapshot,
				fmt.Sprintf("return value of %s was not captured", call.FunctionName),
				map[string]string{"Ref": string(ref)})
		}
	}
	if err != nil {
		r.complete(ctx, storage.CallResult{CallID: call.ID, Status: storage.CallFailed, Error: err.Error()})
		return nil, fmt.Errorf("substitute %s: %w", call.FunctionName, err)
	}
	r.complete(ctx, storage.CallResult{CallID: call.ID, Status: storage.CallSubstituted, ReturnRef: ref})
	return value, nil
}

// substituteFailure completes call with a recorded failure. The caller
// raises recorded panics again with their message.
func (r *Recorder) substituteFailure(ctx context.Context, call storage.FunctionCall, failure Failure) error {
	r.complete(ctx, storage.CallResult{CallID: call.ID, Status: storage.CallSubstituted, Error: failure.Message})
	return &RecordedError{Function: call.FunctionName, Message: failure.Message}
}

func (r *Recorder) execute(ctx context.Context, f *frame, span trace.Span, ep EntryPoint, fn Func, args Args) (result any, err error) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		tracked, _ := f.drain()
		r.complete(ctx, storage.CallResult{
			CallID:  f.callID,
			Status:  storage.CallPanicked,
			Error:   fmt.Sprint(p),
			Tracked: tracked,
		})
		platformotel.EndSpan(span, fmt.Errorf("panic: %v", p))
		panic(p)
	}()

	result, err = fn(ctx, args)
	tracked, replayErr := f.drain()
	if err == nil && replayErr != nil {
		err = replayErr
	}
	if err != nil {
		r.complete(ctx, storage.CallResult{
			CallID:  f.callID,
			Status:  storage.CallFailed,
			Error:   err.Error(),
			Tracked: tracked,
		})
		return result, err
	}

	r.complete(ctx, storage.CallResult{
		CallID:    f.callID,
		Status:    storage.CallReturned,
		ReturnRef: r.objects.Capture(ctx, result),
		Metadata:  r.metadata(ctx, ep, result),
		Tracked:   tracked,
	})
	return result, nil
}

func (r *Recorder) metadata(ctx context.Context, ep EntryPoint, result any) map[string]objectstore.Ref {
	if len(ep.Config.ReturnHooks) == 0 {
		return nil
	}
	merged := make(map[string]any)
	for i, hook := range ep.Config.ReturnHooks {
		if hook == nil {
			continue
		}
		for key, value := range runHook(ep.Name, i, hook, result) {
			merged[key] = value
		}
	}
	out := make(map[string]objectstore.Ref, len(merged))
	for key, value := range merged {
		out[key] = r.objects.Capture(ctx, value)
	}
	return out
}

func runHook(name string, i int, hook ReturnHook, result any) (out map[string]any) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("recorder: return hook %d of %s panicked: %v", i, name, p)
			out = nil
		}
	}()
	return hook(result)
}

// complete persists a call outcome even after ctx is cancelled, so an
// interrupted call is not left open.
func (r *Recorder) complete(ctx context.Context, result storage.CallResult) {
	if err := r.tracker.Complete(context.WithoutCancel(ctx), result); err != nil {
		log.Printf("recorder: complete call %d: %v", result.CallID, err)
	}
}
