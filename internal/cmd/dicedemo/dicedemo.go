// Package dicedemo parses dice demo flags, records a game, and optionally
// replays it or serves the recording.
package dicedemo

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	entrypoint "github.com/louisbranch/spacetime/internal/platform/cmd"
	"github.com/louisbranch/spacetime/internal/services/dicedemo"
	server "github.com/louisbranch/spacetime/internal/services/spacetime/app"
	"github.com/louisbranch/spacetime/internal/services/spacetime/monitor"
)

const defaultDBPath = "data/dicedemo.db"

// Config holds dice demo command configuration.
type Config struct {
	DBPath     string `env:"SPACETIME_DICEDEMO_DB_PATH"    envDefault:"data/dicedemo.db"`
	Rounds     int    `env:"SPACETIME_DICEDEMO_ROUNDS"     envDefault:"3"`
	Dice       string `env:"SPACETIME_DICEDEMO_DICE"       envDefault:"2d6"`
	Difficulty int    `env:"SPACETIME_DICEDEMO_DIFFICULTY" envDefault:"7"`
	// Seed fixes the dice; zero draws a fresh seed.
	Seed int64 `env:"SPACETIME_DICEDEMO_SEED"`
	// Replay re-runs the recorded play after recording it.
	Replay bool `env:"SPACETIME_DICEDEMO_REPLAY"`
	// Mocks is a comma-separated list of functions substituted on replay.
	Mocks string `env:"SPACETIME_DICEDEMO_MOCKS"`
	// Addr serves the trace API over the recording when set.
	Addr string `env:"SPACETIME_DICEDEMO_ADDR"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	entrypoint.BindDataFlags(fs, &cfg.DBPath, nil)
	fs.IntVar(&cfg.Rounds, "rounds", cfg.Rounds, "Rounds to play")
	fs.StringVar(&cfg.Dice, "dice", cfg.Dice, "Dice rolled each round, as NdM")
	fs.IntVar(&cfg.Difficulty, "difficulty", cfg.Difficulty, "Total a round must reach")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Dice seed (0 for random)")
	fs.BoolVar(&cfg.Replay, "replay", cfg.Replay, "Replay the play after recording")
	fs.StringVar(&cfg.Mocks, "mock", cfg.Mocks, "Comma-separated functions to substitute on replay")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "Serve the trace API on this address after playing")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) mocks() []string {
	var out []string
	for _, name := range strings.Split(c.Mocks, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Run records one game and reports its summary to out.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	spec, err := dicedemo.ParseSpec(cfg.Dice)
	if err != nil {
		return err
	}
	if cfg.Rounds <= 0 {
		return fmt.Errorf("rounds must be positive, got %d", cfg.Rounds)
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceDiceDemo, func(ctx context.Context) error {
		paths, err := entrypoint.PrepareData(entrypoint.DataPaths{DB: cfg.DBPath}, defaultDBPath, entrypoint.RecordData)
		if err != nil {
			return err
		}
		m, err := monitor.Init(ctx, monitor.Config{StoragePath: paths.DB, Serializers: dicedemo.Serializers()})
		if err != nil {
			return err
		}
		defer func() { _ = m.Close() }()

		seed := cfg.Seed
		if seed == 0 {
			if seed, err = dicedemo.NewSeed(); err != nil {
				return err
			}
		}
		game, err := dicedemo.New(m.Recorder(), seed)
		if err != nil {
			return err
		}

		sessionCtx, sessionID, err := m.StartSession(ctx, fmt.Sprintf("dicedemo %s x%d", spec, cfg.Rounds))
		if err != nil {
			return err
		}
		summary, playErr := game.Play(sessionCtx, cfg.Rounds, spec, cfg.Difficulty)
		if err := m.EndSession(ctx); err != nil {
			return err
		}
		if playErr != nil {
			return playErr
		}
		fmt.Fprintf(out, "session %s (seed %d)\n", sessionID, seed)
		fmt.Fprintf(out, "rounds %d, successes %d, best %d, totals %v\n",
			summary.Rounds, summary.Successes, summary.Best, summary.Totals)

		if cfg.Replay {
			calls, err := m.Store().ListSessionCalls(ctx, sessionID)
			if err != nil {
				return err
			}
			if len(calls) == 0 {
				return fmt.Errorf("session %s recorded no calls", sessionID)
			}
			branchID, err := m.ReplaySequence(ctx, calls[0].ID, cfg.mocks()...)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "replayed into %s\n", branchID)
		}

		if cfg.Addr == "" {
			return nil
		}
		srv, err := server.NewWithMonitor(cfg.Addr, m)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "serving trace API at %s\n", srv.Addr())
		return srv.Serve(ctx)
	})
}
