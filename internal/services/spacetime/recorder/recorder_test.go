package recorder

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
	"github.com/louisbranch/spacetime/internal/services/spacetime/session"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage/sqlite"
)

type fixture struct {
	rec     *Recorder
	store   *sqlite.Store
	tracker *session.Tracker
	objects *objectstore.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "spacetime.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	tracker, err := session.NewTracker(store)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	objects, err := objectstore.New(store, nil)
	if err != nil {
		t.Fatalf("new object store: %v", err)
	}
	rec, err := New(Options{Tracker: tracker, Objects: objects, Code: store})
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	return fixture{rec: rec, store: store, tracker: tracker, objects: objects}
}

func (f fixture) start(t *testing.T) (context.Context, string) {
	t.Helper()
	s, err := f.tracker.StartSession(context.Background(), t.Name())
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return WithSession(context.Background(), s.ID), s.ID
}

func (f fixture) calls(t *testing.T, sessionID string) []storage.FunctionCall {
	t.Helper()
	calls, err := f.store.ListSessionCalls(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("list calls: %v", err)
	}
	return calls
}

func (f fixture) value(t *testing.T, ref objectstore.Ref) any {
	t.Helper()
	v, err := f.objects.Rehydrate(context.Background(), ref)
	if err != nil {
		t.Fatalf("rehydrate %s: %v", ref, err)
	}
	return v
}

func add(_ context.Context, a, b int) (int, error) {
	return a + b, nil
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); err == nil {
		t.Fatal("expected missing tracker error")
	}
	f := newFixture(t)
	if _, err := New(Options{Tracker: f.tracker}); err == nil {
		t.Fatal("expected missing object store error")
	}
}

func TestWrapIsPassThroughWithoutSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sum := Wrap2(f.rec, "add", [2]string{"a", "b"}, add, Config{})
	got, err := sum(context.Background(), 2, 3)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got != 5 {
		t.Fatalf("add = %d, want 5", got)
	}
	sessions, err := f.store.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("sessions = %d, want 0", len(sessions))
	}
}

func TestWrapRecordsCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	table := map[string]int{"rolls": 3}
	if err := f.rec.Globals().Register("table", &table); err != nil {
		t.Fatalf("register global: %v", err)
	}
	scale := Wrap3(f.rec, "scale", [3]string{"value", "factor", "logger"},
		func(_ context.Context, value, factor int, logger string) (int, error) {
			return value * factor, nil
		},
		Config{
			Ignore: []string{"logger"},
			ReturnHooks: []ReturnHook{
				func(result any) map[string]any { return map[string]any{"parity": result.(int) % 2, "label": "first"} },
				func(any) map[string]any { return map[string]any{"label": "second"} },
			},
		})

	ctx, sessionID := f.start(t)
	got, err := scale(ctx, 4, 5, "stderr")
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	if got != 20 {
		t.Fatalf("scale = %d, want 20", got)
	}

	calls := f.calls(t, sessionID)
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	call := calls[0]
	if call.FunctionName != "scale" || call.Status != storage.CallReturned || call.Order != 0 {
		t.Fatalf("call = %s/%s/%d", call.FunctionName, call.Status, call.Order)
	}
	if len(call.Locals) != 2 || call.Locals[0].Name != "value" || call.Locals[1].Name != "factor" {
		t.Fatalf("locals = %+v, want value and factor", call.Locals)
	}
	if _, ok := call.Local("logger"); ok {
		t.Fatal("ignored parameter was captured")
	}
	if v := f.value(t, call.Locals[1].Ref); v != 5 {
		t.Fatalf("factor = %v, want 5", v)
	}
	if v := f.value(t, call.ReturnRef); v != 20 {
		t.Fatalf("return = %v, want 20", v)
	}
	if len(call.Globals) != 1 || call.Globals[0].Name != "table" {
		t.Fatalf("globals = %+v", call.Globals)
	}
	snapshot := f.value(t, call.Globals[0].Ref).(map[string]int)
	if snapshot["rolls"] != 3 {
		t.Fatalf("table snapshot = %v", snapshot)
	}
	if v := f.value(t, call.Metadata["parity"]); v != 0 {
		t.Fatalf("parity = %v, want 0", v)
	}
	if v := f.value(t, call.Metadata["label"]); v != "second" {
		t.Fatalf("label = %v, want second", v)
	}
	if call.File == "" || call.Line == 0 {
		t.Fatalf("location = %s:%d", call.File, call.Line)
	}
	def, err := f.store.GetCodeDefinition(context.Background(), call.CodeDefinitionID)
	if err != nil {
		t.Fatalf("get code definition: %v", err)
	}
	if !strings.Contains(def.Code, "value * factor") {
		t.Fatalf("code = %q, want function source", def.Code)
	}
}

func TestNestedCallsLinkParentsInPreOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var leaf func(context.Context, int) (int, error)
	leaf = Wrap1(f.rec, "leaf", [1]string{"n"}, func(_ context.Context, n int) (int, error) {
		return n, nil
	}, Config{})
	middle := Wrap1(f.rec, "middle", [1]string{"n"}, func(ctx context.Context, n int) (int, error) {
		return leaf(ctx, n+1)
	}, Config{})
	root := Wrap0(f.rec, "root", func(ctx context.Context) (int, error) {
		a, err := middle(ctx, 1)
		if err != nil {
			return 0, err
		}
		b, err := leaf(ctx, 10)
		return a + b, err
	}, Config{})

	ctx, sessionID := f.start(t)
	if _, err := root(ctx); err != nil {
		t.Fatalf("root: %v", err)
	}

	calls := f.calls(t, sessionID)
	names := make([]string, len(calls))
	for i, call := range calls {
		names[i] = call.FunctionName
		if call.Order != i {
			t.Fatalf("calls[%d].Order = %d", i, call.Order)
		}
	}
	if strings.Join(names, ",") != "root,middle,leaf,leaf" {
		t.Fatalf("names = %v, want root,middle,leaf,leaf", names)
	}
	if calls[0].ParentCallID != 0 {
		t.Fatalf("root parent = %d, want 0", calls[0].ParentCallID)
	}
	if calls[1].ParentCallID != calls[0].ID || calls[2].ParentCallID != calls[1].ID || calls[3].ParentCallID != calls[0].ID {
		t.Fatalf("parents = %d,%d,%d", calls[1].ParentCallID, calls[2].ParentCallID, calls[3].ParentCallID)
	}
}

func TestCallStacksAreScopedToContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	child := Wrap1(f.rec, "child", [1]string{"n"}, func(_ context.Context, n int) (int, error) {
		return n, nil
	}, Config{})
	worker := Wrap1(f.rec, "worker", [1]string{"n"}, func(ctx context.Context, n int) (int, error) {
		return child(ctx, n)
	}, Config{})

	ctx, sessionID := f.start(t)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := worker(ctx, n); err != nil {
				t.Errorf("worker: %v", err)
			}
		}(i)
	}
	wg.Wait()

	calls := f.calls(t, sessionID)
	byID := make(map[int64]storage.FunctionCall, len(calls))
	for _, call := range calls {
		byID[call.ID] = call
	}
	for _, call := range calls {
		if call.FunctionName != "child" {
			if call.ParentCallID != 0 {
				t.Fatalf("worker parent = %d, want 0", call.ParentCallID)
			}
			continue
		}
		parent := byID[call.ParentCallID]
		if parent.FunctionName != "worker" {
			t.Fatalf("child parent = %q, want worker", parent.FunctionName)
		}
		if f.value(t, parent.Locals[0].Ref) != f.value(t, call.Locals[0].Ref) {
			t.Fatal("child attributed to another worker's frame")
		}
	}
}

func TestFailedCallIsRecordedAndReturned(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	boom := errors.New("boom")
	fail := Wrap0(f.rec, "fail", func(context.Context) (int, error) { return 0, boom }, Config{})

	ctx, sessionID := f.start(t)
	if _, err := fail(ctx); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	calls := f.calls(t, sessionID)
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Status != storage.CallFailed || calls[0].Error != "boom" || calls[0].ReturnRef != "" {
		t.Fatalf("call = %s/%q/%q", calls[0].Status, calls[0].Error, calls[0].ReturnRef)
	}
}

func TestPanickingCallIsRecordedAndRepanics(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	explode := Wrap0(f.rec, "explode", func(context.Context) (int, error) { panic("kaboom") }, Config{})
	ctx, sessionID := f.start(t)

	func() {
		defer func() {
			if p := recover(); p != "kaboom" {
				t.Fatalf("recovered = %v, want kaboom", p)
			}
		}()
		_, _ = explode(ctx)
	}()

	calls := f.calls(t, sessionID)
	if len(calls) != 1 || calls[0].Status != storage.CallPanicked || calls[0].Error != "kaboom" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestUnserializableArgumentYieldsSentinel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	type opaque struct{ ch chan int }
	use := Wrap1(f.rec, "use", [1]string{"value"}, func(context.Context, opaque) (string, error) {
		return "ok", nil
	}, Config{})

	ctx, sessionID := f.start(t)
	if _, err := use(ctx, opaque{}); err != nil {
		t.Fatalf("use: %v", err)
	}
	call := f.calls(t, sessionID)[0]
	if call.Status != storage.CallReturned {
		t.Fatalf("status = %q, want returned", call.Status)
	}
	if call.Locals[0].Ref != objectstore.SentinelRef {
		t.Fatalf("ref = %q, want sentinel", call.Locals[0].Ref)
	}
	if v := f.value(t, call.Locals[0].Ref); v != (objectstore.Unavailable{}) {
		t.Fatalf("value = %v, want unavailable", v)
	}
}

func TestTrackedInvocationsAttachToInnermostCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	next := 0
	roll := Track1(f.rec, "rand.Intn", func(n int) int {
		next++
		return next % n
	})
	inner := Wrap0(f.rec, "inner", func(ctx context.Context) (int, error) {
		return roll(ctx, 6), nil
	}, Config{})
	outer := Wrap0(f.rec, "outer", func(ctx context.Context) (int, error) {
		a := roll(ctx, 6)
		b, err := inner(ctx)
		return a + b, err
	}, Config{Track: []string{"rand.Intn"}})
	untracked := Wrap0(f.rec, "untracked", func(ctx context.Context) (int, error) {
		return roll(ctx, 6), nil
	}, Config{})

	ctx, sessionID := f.start(t)
	if _, err := outer(ctx); err != nil {
		t.Fatalf("outer: %v", err)
	}
	if _, err := untracked(ctx); err != nil {
		t.Fatalf("untracked: %v", err)
	}
	if got := roll(context.Background(), 6); got != 4 {
		t.Fatalf("live roll = %d, want 4", got)
	}

	calls := f.calls(t, sessionID)
	if len(calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(calls))
	}
	outerCall, innerCall, untrackedCall := calls[0], calls[1], calls[2]
	if len(outerCall.Tracked) != 1 || len(innerCall.Tracked) != 1 || len(untrackedCall.Tracked) != 0 {
		t.Fatalf("tracked = %d/%d/%d, want 1/1/0", len(outerCall.Tracked), len(innerCall.Tracked), len(untrackedCall.Tracked))
	}
	if v := f.value(t, outerCall.Tracked[0].ReturnRef); v != 1 {
		t.Fatalf("outer roll = %v, want 1", v)
	}
	if v := f.value(t, innerCall.Tracked[0].ReturnRef); v != 2 {
		t.Fatalf("inner roll = %v, want 2", v)
	}
	args := f.value(t, innerCall.Tracked[0].ArgsRef).([]any)
	if len(args) != 1 || args[0] != int64(6) {
		t.Fatalf("args = %v, want [6]", args)
	}
}

func TestEntryPointsAreRegistered(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	Wrap2(f.rec, "add", [2]string{"a", "b"}, add, Config{Ignore: []string{"b"}})
	ep, ok := f.rec.EntryPoint("add")
	if !ok {
		t.Fatal("expected add entry point")
	}
	if len(ep.Params) != 2 || ep.Params[1] != "b" || len(ep.Config.Ignore) != 1 {
		t.Fatalf("entry point = %+v", ep)
	}
	out, err := ep.Call(context.Background(), Args{{"a", 1}, {"b", 2}})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != 3 {
		t.Fatalf("out = %v, want 3", out)
	}
	if _, err := ep.Call(context.Background(), Args{{"a", "x"}}); err == nil {
		t.Fatal("expected argument type error")
	}
	if names := f.rec.EntryPoints(); len(names) != 1 || names[0] != "add" {
		t.Fatalf("entry points = %v", names)
	}
}
