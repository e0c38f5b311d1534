package dicedemo

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/louisbranch/spacetime/internal/services/dicedemo"
	"github.com/louisbranch/spacetime/internal/services/spacetime/monitor"
	"github.com/louisbranch/spacetime/internal/services/spacetime/storage"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("dicedemo", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBPath != "data/dicedemo.db" {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, "data/dicedemo.db")
	}
	if cfg.Rounds != 3 || cfg.Dice != "2d6" || cfg.Difficulty != 7 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Replay || cfg.Addr != "" {
		t.Fatalf("cfg = %+v, want no replay and no addr", cfg)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("SPACETIME_DICEDEMO_SEED", "42")

	fs := flag.NewFlagSet("dicedemo", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-rounds", "5", "-dice", "d20", "-replay", "-mock", "roll, check"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Seed != 42 {
		t.Fatalf("seed = %d, want 42", cfg.Seed)
	}
	if cfg.Rounds != 5 || cfg.Dice != "d20" || !cfg.Replay {
		t.Fatalf("cfg = %+v", cfg)
	}
	if got := cfg.mocks(); !reflect.DeepEqual(got, []string{"roll", "check"}) {
		t.Fatalf("mocks = %v, want [roll check]", got)
	}
}

func TestRunRecordsAndReplays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dicedemo.db")
	var out bytes.Buffer
	cfg := Config{DBPath: path, Rounds: 2, Dice: "3d6", Difficulty: 10, Seed: 7, Replay: true, Mocks: "roll"}
	if err := Run(context.Background(), cfg, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "rounds 2") || !strings.Contains(out.String(), "replayed into") {
		t.Fatalf("output:\n%s", out.String())
	}

	ctx := context.Background()
	m, err := monitor.Init(ctx, monitor.Config{StoragePath: path, Existing: true, Serializers: dicedemo.Serializers()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = m.Close() }()
	sessions, err := m.Query().ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	calls, err := m.Query().ListCalls(ctx, sessions[1].ID)
	if err != nil {
		t.Fatalf("list calls: %v", err)
	}
	substituted := 0
	for _, c := range calls {
		if c.FunctionName == "roll" && c.Status == storage.CallSubstituted {
			substituted++
		}
	}
	if substituted != 2 {
		t.Fatalf("substituted rolls = %d, want 2", substituted)
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := Run(context.Background(), Config{DBPath: "unused.db", Rounds: 1, Dice: "2x6"}, &out)
	if !errors.Is(err, dicedemo.ErrInvalidSpec) {
		t.Fatalf("error = %v, want %v", err, dicedemo.ErrInvalidSpec)
	}
	if err := Run(context.Background(), Config{DBPath: "unused.db", Rounds: 0, Dice: "2d6"}, &out); err == nil {
		t.Fatal("expected rounds error")
	}
}
