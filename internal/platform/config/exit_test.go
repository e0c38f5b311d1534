package config

import (
	"bytes"
	"testing"
)

func TestExitToWritesMessageAndExits(t *testing.T) {
	code := -1
	prev := exit
	exit = func(c int) { code = c }
	t.Cleanup(func() { exit = prev })

	var buf bytes.Buffer
	exitTo(&buf, "open %s: %s", "trace.db", "missing")
	if got := buf.String(); got != "open trace.db: missing\n" {
		t.Fatalf("message = %q, want %q", got, "open trace.db: missing\n")
	}
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
