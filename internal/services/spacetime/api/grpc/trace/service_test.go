package trace

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/louisbranch/spacetime/internal/services/spacetime/monitor"
	"github.com/louisbranch/spacetime/internal/services/spacetime/recorder"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type harness struct {
	client  *Client
	session string
	calls   []int64
}

func newHarness(t *testing.T) harness {
	t.Helper()
	ctx := context.Background()
	m, err := monitor.Init(ctx, monitor.Config{StoragePath: filepath.Join(t.TempDir(), "spacetime.db")})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	square := recorder.Wrap1(m.Recorder(), "square", [1]string{"n"}, func(_ context.Context, n int) (int, error) {
		return n * n, nil
	}, recorder.Config{})
	ctx, id, err := m.StartSession(ctx, "squares")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	for n := 2; n <= 3; n++ {
		if _, err := square(ctx, n); err != nil {
			t.Fatalf("square: %v", err)
		}
	}
	if err := m.EndSession(ctx); err != nil {
		t.Fatalf("end session: %v", err)
	}
	recorded, err := m.Store().ListSessionCalls(ctx, id)
	if err != nil {
		t.Fatalf("list calls: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterTraceServer(server, NewService(m.Query()))
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	h := harness{client: NewClient(conn), session: id}
	for _, c := range recorded {
		h.calls = append(h.calls, c.ID)
	}
	return h
}

func list(t *testing.T, out *structpb.Struct, field string) []map[string]any {
	t.Helper()
	var items []map[string]any
	for _, v := range out.GetFields()[field].GetListValue().AsSlice() {
		item, ok := v.(map[string]any)
		if !ok {
			t.Fatalf("%s item = %T, want map", field, v)
		}
		items = append(items, item)
	}
	return items
}

func TestListSessionsAndCalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	out, err := h.client.Call(ctx, MethodListSessions, nil)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	sessions := list(t, out, "sessions")
	if len(sessions) != 1 || sessions[0]["id"] != h.session || sessions[0]["status"] != "ended" {
		t.Fatalf("sessions = %v", sessions)
	}

	out, err = h.client.Call(ctx, MethodListCalls, map[string]any{"session_id": h.session})
	if err != nil {
		t.Fatalf("list calls: %v", err)
	}
	calls := list(t, out, "calls")
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[1]["order"] != float64(1) || calls[1]["function_name"] != "square" {
		t.Fatalf("second call = %v", calls[1])
	}

	out, err = h.client.Call(ctx, MethodSearchCalls, map[string]any{"filter": `order = 1`, "page_size": 10})
	if err != nil {
		t.Fatalf("search calls: %v", err)
	}
	if found := list(t, out, "calls"); len(found) != 1 || found[0]["id"] != float64(h.calls[1]) {
		t.Fatalf("found = %v", found)
	}
}

func TestGetCallRendersValues(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out, err := h.client.Call(context.Background(), MethodGetCall, map[string]any{"call_id": h.calls[1]})
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	call := out.GetFields()["call"].GetStructValue().AsMap()
	locals := call["locals"].([]any)
	if len(locals) != 1 || locals[0].(map[string]any)["display"] != "3" {
		t.Fatalf("locals = %v", locals)
	}
	if ret := call["return"].(map[string]any); ret["display"] != "9" {
		t.Fatalf("return = %v", ret)
	}

	// String ids are accepted for values beyond float precision.
	if _, err := h.client.Call(context.Background(), MethodGetCall, map[string]any{"call_id": "1"}); err != nil {
		t.Fatalf("get call by string id: %v", err)
	}
}

func TestErrorsMapToStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Call(ctx, MethodGetCall, nil)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %v, want %v", status.Code(err), codes.InvalidArgument)
	}

	ctx = metadata.AppendToOutgoingContext(ctx, localeHeader, "en-GB")
	_, err = h.client.Call(ctx, MethodListCalls, map[string]any{"session_id": "missing"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("code = %v, want %v", status.Code(err), codes.NotFound)
	}
	st, _ := status.FromError(err)
	var reason, locale string
	for _, d := range st.Details() {
		switch d := d.(type) {
		case *errdetails.ErrorInfo:
			reason = d.GetReason()
		case *errdetails.LocalizedMessage:
			locale = d.GetLocale()
		}
	}
	if reason != "NOT_FOUND" {
		t.Fatalf("reason = %q, want NOT_FOUND", reason)
	}
	if locale != "en-US" {
		t.Fatalf("locale = %q, want en-US", locale)
	}
}

func TestSourceBranchesAndReplay(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	out, err := h.client.Call(ctx, MethodGetSource, map[string]any{"call_id": h.calls[0]})
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	code := out.GetFields()["source"].GetStructValue().GetFields()["code"].GetStringValue()
	if !strings.Contains(code, "n * n") {
		t.Fatalf("code = %q", code)
	}

	out, err = h.client.Call(ctx, MethodReplaySequence, map[string]any{"start_call_id": h.calls[0]})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	branchID := out.GetFields()["session_id"].GetStringValue()
	if branchID == "" {
		t.Fatal("expected branch session id")
	}

	_, err = h.client.Call(ctx, MethodReplaySubsequence, map[string]any{"start_call_id": h.calls[0]})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %v, want %v", status.Code(err), codes.InvalidArgument)
	}

	out, err = h.client.Call(ctx, MethodListBranches, nil)
	if err != nil {
		t.Fatalf("list branches: %v", err)
	}
	branches := list(t, out, "branches")
	if len(branches) != 2 || branches[1]["session_id"] != branchID || branches[1]["branch_point_index"] != float64(0) {
		t.Fatalf("branches = %v", branches)
	}

	out, err = h.client.Call(ctx, MethodGetStats, nil)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got := out.GetFields()["calls"].GetNumberValue(); got != 4 {
		t.Fatalf("calls = %v, want 4", got)
	}
}

func TestUnconfiguredService(t *testing.T) {
	t.Parallel()

	_, err := NewService(nil).ListSessions(context.Background(), &structpb.Struct{})
	if status.Code(err) != codes.Internal {
		t.Fatalf("code = %v, want %v", status.Code(err), codes.Internal)
	}
}
