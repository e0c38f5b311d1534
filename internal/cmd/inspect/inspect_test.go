package inspect

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/louisbranch/spacetime/internal/services/spacetime/monitor"
	"github.com/louisbranch/spacetime/internal/services/spacetime/recorder"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
)

type fixture struct {
	path    string
	origin  string
	branch  string
	callIDs []int64
}

// recordSquares records square(1..3) and one replay of the last two calls.
func recordSquares(t *testing.T) fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spacetime.db")
	ctx := context.Background()
	m, err := monitor.Init(ctx, monitor.Config{StoragePath: path})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer func() { _ = m.Close() }()

	square := recorder.Wrap1(m.Recorder(), "square", [1]string{"n"}, func(_ context.Context, n int) (int, error) {
		return n * n, nil
	}, recorder.Config{})

	_, origin, err := m.StartSession(ctx, "squares")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	for n := 1; n <= 3; n++ {
		if _, err := square(ctx, n); err != nil {
			t.Fatalf("square: %v", err)
		}
	}
	if err := m.EndSession(ctx); err != nil {
		t.Fatalf("end session: %v", err)
	}
	calls, err := m.Store().ListSessionCalls(ctx, origin)
	if err != nil {
		t.Fatalf("list calls: %v", err)
	}
	f := fixture{path: path, origin: origin}
	for _, c := range calls {
		f.callIDs = append(f.callIDs, c.ID)
	}
	if f.branch, err = m.ReplaySequence(ctx, calls[1].ID); err != nil {
		t.Fatalf("replay: %v", err)
	}
	return f
}

func runInspect(t *testing.T, path string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	if err := Run(context.Background(), Config{DBPath: path, PageSize: 2, Args: args}, &out); err != nil {
		t.Fatalf("inspect %v: %v", args, err)
	}
	return out.String()
}

func TestParseConfig(t *testing.T) {
	t.Setenv("SPACETIME_DB_PATH", "env.db")

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-page-size", "5", "calls", "abc"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBPath != "env.db" {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, "env.db")
	}
	if cfg.PageSize != 5 {
		t.Fatalf("page size = %d, want 5", cfg.PageSize)
	}
	if strings.Join(cfg.Args, " ") != "calls abc" {
		t.Fatalf("args = %v, want [calls abc]", cfg.Args)
	}
}

func TestRunReports(t *testing.T) {
	f := recordSquares(t)
	last := strconv.FormatInt(f.callIDs[2], 10)

	if out := runInspect(t, f.path, "sessions"); !strings.Contains(out, f.origin) || !strings.Contains(out, f.branch) {
		t.Fatalf("sessions output missing ids:\n%s", out)
	}
	if out := runInspect(t, f.path, "calls", f.origin); strings.Count(out, "square") != 3 {
		t.Fatalf("calls output:\n%s", out)
	}
	if out := runInspect(t, f.path, "call", last); !strings.Contains(out, "9") || !strings.Contains(out, "local") {
		t.Fatalf("call output:\n%s", out)
	}
	if out := runInspect(t, f.path, "source", last); !strings.Contains(out, "n * n") {
		t.Fatalf("source output:\n%s", out)
	}
	// Page size 2 forces the search to follow a page token.
	if out := runInspect(t, f.path, "search", `function_name = "square"`); strings.Count(out, "square") != 5 {
		t.Fatalf("search output:\n%s", out)
	}
	if out := runInspect(t, f.path, "branches"); !strings.Contains(out, f.origin) {
		t.Fatalf("branches output:\n%s", out)
	}
	if out := runInspect(t, f.path, "diverge", f.branch); !strings.Contains(out, "matches") {
		t.Fatalf("diverge output:\n%s", out)
	}
	if out := runInspect(t, f.path, "stats"); !strings.Contains(out, "sessions") || !strings.Contains(out, "calls") {
		t.Fatalf("stats output:\n%s", out)
	}
}

func TestRunErrors(t *testing.T) {
	f := recordSquares(t)

	var out bytes.Buffer
	if err := Run(context.Background(), Config{DBPath: f.path}, &out); !errors.Is(err, errUsage) {
		t.Fatalf("error = %v, want usage", err)
	}
	if err := Run(context.Background(), Config{DBPath: f.path, Args: []string{"teleport"}}, &out); !errors.Is(err, errUsage) {
		t.Fatalf("error = %v, want usage", err)
	}
	if err := Run(context.Background(), Config{DBPath: f.path, Args: []string{"call", "abc"}}, &out); err == nil {
		t.Fatal("expected invalid call id error")
	}
	err := Run(context.Background(), Config{DBPath: f.path, Args: []string{"calls", "no-such-session"}}, &out)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("error = %v, want %v", err, storage.ErrNotFound)
	}
	missing := filepath.Join(t.TempDir(), "absent.db")
	if err := Run(context.Background(), Config{DBPath: missing, Args: []string{"stats"}}, &out); !errors.Is(err, storage.ErrNoData) {
		t.Fatalf("error = %v, want %v", err, storage.ErrNoData)
	}
}
