// Package cmd holds the startup steps every spacetime command shares:
// env-then-flag configuration, data file preparation, and telemetry.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/spacetime/internal/platform/config"
	"github.com/louisbranch/spacetime/internal/platform/otel"
)

const otelShutdownTimeout = 5 * time.Second

// DefaultDBPath is the monitoring database used when none is configured.
const DefaultDBPath = "data/spacetime.db"

// Service names label telemetry for each command.
const (
	ServiceDiceDemo  = "dicedemo"
	ServiceInspect   = "inspect"
	ServiceMCP       = "mcp"
	ServiceSpacetime = "spacetime"
)

// DataAccess selects how PrepareData treats the data files.
type DataAccess int

const (
	// RecordData creates parent directories so new files can be written.
	RecordData DataAccess = iota
	// ReadData only resolves paths. Opening a missing database then
	// reports storage.ErrNoData instead of creating an empty one.
	ReadData
)

// DataPaths locates the monitoring database and the optional bbolt file
// holding object snapshots.
type DataPaths struct {
	DB    string
	Blobs string
}

// ParseConfig loads environment defaults into cfg.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs parses command-line flags.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// BindDataFlags registers -db and -blobs, keeping the current values as
// defaults. A nil blobs skips the -blobs flag.
func BindDataFlags(fs *flag.FlagSet, db, blobs *string) {
	fs.StringVar(db, "db", *db, "SQLite file holding recorded sessions")
	if blobs != nil {
		fs.StringVar(blobs, "blobs", *blobs, "Optional bbolt file holding object snapshots")
	}
}

// PrepareData resolves paths for access. A blank DB takes fallback, or
// DefaultDBPath when fallback is blank too; a blank Blobs stays blank.
func PrepareData(paths DataPaths, fallback string, access DataAccess) (DataPaths, error) {
	if strings.TrimSpace(fallback) == "" {
		fallback = DefaultDBPath
	}
	resolve := config.EnsureDataPath
	if access == ReadData {
		resolve = config.CleanDataPath
	}
	db, err := resolve(paths.DB, fallback)
	if err != nil {
		return DataPaths{}, fmt.Errorf("database: %w", err)
	}
	out := DataPaths{DB: db}
	if strings.TrimSpace(paths.Blobs) != "" {
		if out.Blobs, err = resolve(paths.Blobs, ""); err != nil {
			return DataPaths{}, fmt.Errorf("blobs: %w", err)
		}
	}
	return out, nil
}

// RunWithTelemetry configures tracing for service, runs it, and flushes
// spans before returning run's error.
func RunWithTelemetry(ctx context.Context, service string, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if run == nil {
		return fmt.Errorf("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("%s otel shutdown: %v", service, err)
		}
	}()
	return run(ctx)
}
