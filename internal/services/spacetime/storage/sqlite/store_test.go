package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
)

var testNow = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "spacetime.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createSession(t *testing.T, store *Store, id string) {
	t.Helper()
	if err := store.CreateSession(context.Background(), storage.Session{ID: id, Name: id, CreatedAt: testNow}); err != nil {
		t.Fatalf("create session %s: %v", id, err)
	}
}

func appendCall(t *testing.T, store *Store, entry storage.CallEntry) int64 {
	t.Helper()
	if entry.StartedAt.IsZero() {
		entry.StartedAt = testNow
	}
	id, err := store.AppendCall(context.Background(), entry)
	if err != nil {
		t.Fatalf("append call %s: %v", entry.FunctionName, err)
	}
	return id
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestOpenExistingReportsNoData(t *testing.T) {
	t.Parallel()

	_, err := OpenExisting(filepath.Join(t.TempDir(), "missing.db"))
	if !errors.Is(err, storage.ErrNoData) {
		t.Fatalf("open existing error = %v, want %v", err, storage.ErrNoData)
	}
}

func TestOpenExistingReopensData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "spacetime.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	createSession(t, store, "s1")
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := OpenExisting(path)
	if err != nil {
		t.Fatalf("open existing: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.GetSession(context.Background(), "s1"); err != nil {
		t.Fatalf("get session after reopen: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createSession(t, store, "s1")

	if err := store.CreateSession(ctx, storage.Session{ID: "s1"}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("duplicate create error = %v, want %v", err, storage.ErrAlreadyExists)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != storage.SessionActive {
		t.Fatalf("status = %q, want %q", got.Status, storage.SessionActive)
	}
	if !got.CreatedAt.Equal(testNow) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, testNow)
	}

	ended := testNow.Add(time.Minute)
	if err := store.EndSession(ctx, "s1", ended, true); err != nil {
		t.Fatalf("end session: %v", err)
	}
	got, err = store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != storage.SessionEnded || !got.Incomplete || !got.EndedAt.Equal(ended) {
		t.Fatalf("session = %+v, want ended incomplete at %v", got, ended)
	}

	if err := store.EndSession(ctx, "s1", ended, false); !errors.Is(err, storage.ErrSessionClosed) {
		t.Fatalf("second end error = %v, want %v", err, storage.ErrSessionClosed)
	}
	if err := store.EndSession(ctx, "nope", ended, false); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("end missing error = %v, want %v", err, storage.ErrNotFound)
	}
	if _, err := store.GetSession(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestListSessionsInCreationOrder(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	for i, id := range []string{"b", "a", "c"} {
		if err := store.CreateSession(ctx, storage.Session{ID: id, CreatedAt: testNow.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("create session: %v", err)
		}
	}
	sessions, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	var ids []string
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	if len(ids) != 3 || ids[0] != "b" || ids[1] != "a" || ids[2] != "c" {
		t.Fatalf("session ids = %v, want [b a c]", ids)
	}
}

func TestAppendAndCompleteCallRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createSession(t, store, "s1")

	def := storage.CodeDefinition{ID: "def-1", FunctionName: "roll", ModulePath: "dice.go", FirstLine: 10, Code: "func roll() {}"}
	if err := store.PutCodeDefinition(ctx, def); err != nil {
		t.Fatalf("put code definition: %v", err)
	}

	id := appendCall(t, store, storage.CallEntry{
		SessionID:        "s1",
		FunctionName:     "roll",
		File:             "dice.go",
		Line:             10,
		CodeDefinitionID: "def-1",
		Order:            0,
		Locals:           []storage.Variable{{Name: "sides", Ref: "r-sides"}, {Name: "count", Ref: "r-count"}},
		Globals:          []storage.Variable{{Name: "table", Ref: "r-table"}},
	})

	open, err := store.GetCall(ctx, id)
	if err != nil {
		t.Fatalf("get open call: %v", err)
	}
	if open.Status != storage.CallOpen {
		t.Fatalf("status = %q, want %q", open.Status, storage.CallOpen)
	}

	if err := store.CompleteCall(ctx, storage.CallResult{
		CallID:    id,
		Status:    storage.CallReturned,
		ReturnRef: "r-ret",
		Metadata:  map[string]objectstore.Ref{"image": "r-img"},
		Tracked: []storage.TrackedInvocation{
			{Seq: 0, FunctionName: "rand.Intn", ArgsRef: "r-a0", ReturnRef: "r-v0"},
			{Seq: 1, FunctionName: "rand.Intn", ArgsRef: "r-a1", ReturnRef: "r-v1"},
		},
		EndedAt: testNow.Add(time.Second),
	}); err != nil {
		t.Fatalf("complete call: %v", err)
	}

	got, err := store.GetCall(ctx, id)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if got.Status != storage.CallReturned || got.ReturnRef != "r-ret" {
		t.Fatalf("result = %q/%q, want returned/r-ret", got.Status, got.ReturnRef)
	}
	if len(got.Locals) != 2 || got.Locals[0].Name != "sides" || got.Locals[1].Name != "count" {
		t.Fatalf("locals = %+v, want sides then count", got.Locals)
	}
	if ref, ok := got.Local("count"); !ok || ref != "r-count" {
		t.Fatalf("local count = %q, %v", ref, ok)
	}
	if len(got.Globals) != 1 || got.Globals[0].Ref != "r-table" {
		t.Fatalf("globals = %+v", got.Globals)
	}
	if got.Metadata["image"] != "r-img" {
		t.Fatalf("metadata = %v", got.Metadata)
	}
	if len(got.Tracked) != 2 || got.Tracked[1].ReturnRef != "r-v1" {
		t.Fatalf("tracked = %+v", got.Tracked)
	}
	if got.CodeDefinitionID != "def-1" || got.File != "dice.go" || got.Line != 10 {
		t.Fatalf("location = %s:%d def %s", got.File, got.Line, got.CodeDefinitionID)
	}
	if !got.EndedAt.Equal(testNow.Add(time.Second)) {
		t.Fatalf("ended_at = %v", got.EndedAt)
	}

	loaded, err := store.GetCodeDefinition(ctx, "def-1")
	if err != nil {
		t.Fatalf("get code definition: %v", err)
	}
	if loaded != def {
		t.Fatalf("code definition = %+v, want %+v", loaded, def)
	}

	err = store.CompleteCall(ctx, storage.CallResult{CallID: id, Status: storage.CallReturned})
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("second complete error = %v, want %v", err, storage.ErrAlreadyExists)
	}
}

func TestAppendCallRejectsDuplicateOrder(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	createSession(t, store, "s1")
	appendCall(t, store, storage.CallEntry{SessionID: "s1", FunctionName: "a", Order: 0})

	_, err := store.AppendCall(context.Background(), storage.CallEntry{SessionID: "s1", FunctionName: "b", Order: 0})
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("duplicate order error = %v, want %v", err, storage.ErrAlreadyExists)
	}
	next, err := store.NextCallOrder(context.Background(), "s1")
	if err != nil {
		t.Fatalf("next call order: %v", err)
	}
	if next != 1 {
		t.Fatalf("next order = %d, want 1", next)
	}
}

func TestWritesRejectedAfterSessionEnds(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createSession(t, store, "s1")
	id := appendCall(t, store, storage.CallEntry{SessionID: "s1", FunctionName: "a", Order: 0})
	if err := store.EndSession(ctx, "s1", testNow, false); err != nil {
		t.Fatalf("end session: %v", err)
	}

	_, err := store.AppendCall(ctx, storage.CallEntry{SessionID: "s1", FunctionName: "b", Order: 1})
	if !errors.Is(err, storage.ErrSessionClosed) {
		t.Fatalf("append error = %v, want %v", err, storage.ErrSessionClosed)
	}
	err = store.CompleteCall(ctx, storage.CallResult{CallID: id, Status: storage.CallReturned})
	if !errors.Is(err, storage.ErrSessionClosed) {
		t.Fatalf("complete error = %v, want %v", err, storage.ErrSessionClosed)
	}
	_, err = store.AppendCall(ctx, storage.CallEntry{SessionID: "missing", FunctionName: "b"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("append to missing session error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestCallQueries(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createSession(t, store, "s1")
	createSession(t, store, "s2")

	a := appendCall(t, store, storage.CallEntry{SessionID: "s1", FunctionName: "A", Order: 0})
	b := appendCall(t, store, storage.CallEntry{SessionID: "s1", FunctionName: "B", Order: 1, ParentCallID: a})
	c := appendCall(t, store, storage.CallEntry{SessionID: "s1", FunctionName: "C", Order: 2, ParentCallID: a})
	branch := appendCall(t, store, storage.CallEntry{SessionID: "s2", FunctionName: "B", Order: 0, ParentCallID: b})

	calls, err := store.ListSessionCalls(ctx, "s1")
	if err != nil {
		t.Fatalf("list session calls: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(calls))
	}
	for i, call := range calls {
		if call.Order != i {
			t.Fatalf("calls[%d].Order = %d", i, call.Order)
		}
	}

	children, err := store.ListChildCalls(ctx, a)
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 2 || children[0].ID != b || children[1].ID != c {
		t.Fatalf("children = %+v, want B, C", children)
	}

	branchChildren, err := store.ListChildCalls(ctx, b)
	if err != nil {
		t.Fatalf("list branch children: %v", err)
	}
	if len(branchChildren) != 1 || branchChildren[0].ID != branch || branchChildren[0].SessionID != "s2" {
		t.Fatalf("children of B = %+v, want branch call", branchChildren)
	}

	byName, err := store.ListCallsByFunction(ctx, "B")
	if err != nil {
		t.Fatalf("list by function: %v", err)
	}
	if len(byName) != 2 {
		t.Fatalf("calls named B = %d, want 2", len(byName))
	}

	index, err := store.ListCallIndex(ctx)
	if err != nil {
		t.Fatalf("list call index: %v", err)
	}
	if len(index) != 4 || index[3].ID != branch || index[3].ParentCallID != b {
		t.Fatalf("index = %+v", index)
	}

	if _, err := store.GetCall(ctx, 999); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing call error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestSearchCallsFiltersAndPages(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createSession(t, store, "s1")
	for i := 0; i < 5; i++ {
		name := "tick"
		if i%2 == 1 {
			name = "draw"
		}
		id := appendCall(t, store, storage.CallEntry{SessionID: "s1", FunctionName: name, Order: i})
		if err := store.CompleteCall(ctx, storage.CallResult{CallID: id, Status: storage.CallReturned}); err != nil {
			t.Fatalf("complete call: %v", err)
		}
	}

	page, err := store.SearchCalls(ctx, storage.CallQuery{Filter: `function_name = "tick"`, PageSize: 2})
	if err != nil {
		t.Fatalf("search calls: %v", err)
	}
	if len(page.Calls) != 2 || page.NextPageToken == "" {
		t.Fatalf("first page = %d calls, token %q", len(page.Calls), page.NextPageToken)
	}
	next, err := store.SearchCalls(ctx, storage.CallQuery{Filter: `function_name = "tick"`, PageSize: 2, PageToken: page.NextPageToken})
	if err != nil {
		t.Fatalf("search next page: %v", err)
	}
	if len(next.Calls) != 1 || next.NextPageToken != "" {
		t.Fatalf("second page = %d calls, token %q", len(next.Calls), next.NextPageToken)
	}
	if next.Calls[0].Order != 4 {
		t.Fatalf("last tick order = %d, want 4", next.Calls[0].Order)
	}

	returned, err := store.SearchCalls(ctx, storage.CallQuery{Filter: `status = "returned" AND order >= 3`})
	if err != nil {
		t.Fatalf("search by status: %v", err)
	}
	if len(returned.Calls) != 2 {
		t.Fatalf("returned calls = %d, want 2", len(returned.Calls))
	}

	if _, err := store.SearchCalls(ctx, storage.CallQuery{Filter: `bogus = 1`}); err == nil {
		t.Fatal("expected invalid filter error")
	}
}

func TestSnapshotsAreIdempotent(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	objects, err := objectstore.New(store, nil)
	if err != nil {
		t.Fatalf("new object store: %v", err)
	}

	first := objects.Capture(ctx, []string{"a", "b"})
	if err := store.PutSnapshot(ctx, objectstore.Snapshot{Ref: first, TypeTag: "other", Data: []byte("x")}); err != nil {
		t.Fatalf("put duplicate snapshot: %v", err)
	}
	got, err := objectstore.Rehydrate[[]string](ctx, objects, first)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if len(got) != 2 || got[1] != "b" {
		t.Fatalf("value = %v", got)
	}

	nilRef := objects.Capture(ctx, nil)
	if value, err := objects.Rehydrate(ctx, nilRef); err != nil || value != nil {
		t.Fatalf("rehydrate nil = %v, %v", value, err)
	}

	stats, err := store.SnapshotStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Objects != 2 {
		t.Fatalf("objects = %d, want 2", stats.Objects)
	}

	_, err = store.GetSnapshot(ctx, "deadbeef")
	if !errors.Is(err, objectstore.ErrMissingSnapshot) {
		t.Fatalf("missing snapshot error = %v, want %v", err, objectstore.ErrMissingSnapshot)
	}
}
