package dicedemo

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"

	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
	"github.com/louisbranch/spacetime/internal/services/spacetime/recorder"
)

// TableGlobal is the global name the table state is snapshotted under.
const TableGlobal = "table"

// Table is the running state of the dice table.
type Table struct {
	Rounds    int
	Successes int
	Best      int
	History   []int
}

// Summary is the result of a play.
type Summary struct {
	Rounds    int
	Successes int
	Best      int
	Totals    []int
}

// Serializers returns the serializers for every dicedemo type the
// recorder captures. Pass them to monitor.Config.
func Serializers() []objectstore.Serializer {
	return []objectstore.Serializer{
		objectstore.NewCBOR[Spec]("dicedemo.spec"),
		objectstore.NewCBOR[Roll]("dicedemo.roll"),
		objectstore.NewCBOR[Outcome]("dicedemo.outcome"),
		objectstore.NewCBOR[Table]("dicedemo.table"),
		objectstore.NewCBOR[Summary]("dicedemo.summary"),
	}
}

// Game is an instrumented dice table.
type Game struct {
	mu    sync.Mutex
	rng   *rand.Rand
	table Table

	die   func(context.Context, int) int
	roll  func(context.Context, Spec) (Roll, error)
	check func(context.Context, int, int) (Outcome, error)
	round func(context.Context, Spec, int, *log.Logger) (Outcome, error)
	play  func(context.Context, int, Spec, int) (Summary, error)
}

// New instruments a game on rec. Only one game per recorder may exist,
// since the function names and the table global are registered by name.
func New(rec *recorder.Recorder, seed int64) (*Game, error) {
	if rec == nil {
		return nil, fmt.Errorf("recorder is required")
	}
	g := &Game{rng: rand.New(rand.NewSource(seed))}
	if err := rec.Globals().Register(TableGlobal, &g.table); err != nil {
		return nil, err
	}

	// die is the only source of randomness, so replays substitute its
	// recorded results instead of drawing from rng.
	g.die = recorder.Track1(rec, "die", func(sides int) int {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.rng.Intn(sides) + 1
	})

	g.roll = recorder.Wrap1(rec, "roll", [1]string{"spec"}, func(ctx context.Context, spec Spec) (Roll, error) {
		if err := spec.validate(); err != nil {
			return Roll{}, err
		}
		r := Roll{Spec: spec, Results: make([]int, spec.Count)}
		for i := range r.Results {
			r.Results[i] = g.die(ctx, spec.Sides)
			r.Total += r.Results[i]
		}
		return r, nil
	}, recorder.Config{Track: []string{"die"}})

	g.check = recorder.Wrap2(rec, "check", [2]string{"total", "difficulty"}, func(_ context.Context, total, difficulty int) (Outcome, error) {
		return checkTotal(total, difficulty), nil
	}, recorder.Config{ReturnHooks: []recorder.ReturnHook{outcomeHook}})

	g.round = recorder.Wrap3(rec, "round", [3]string{"spec", "difficulty", "logger"}, func(ctx context.Context, spec Spec, difficulty int, logger *log.Logger) (Outcome, error) {
		r, err := g.roll(ctx, spec)
		if err != nil {
			return Outcome{}, err
		}
		out, err := g.check(ctx, r.Total, difficulty)
		if err != nil {
			return Outcome{}, err
		}
		g.record(out)
		if logger != nil {
			logger.Printf("round %s rolled %v total=%d success=%t", spec, r.Results, r.Total, out.Success)
		}
		return out, nil
	}, recorder.Config{Ignore: []string{"logger"}})

	g.play = recorder.Wrap3(rec, "play", [3]string{"rounds", "spec", "difficulty"}, func(ctx context.Context, rounds int, spec Spec, difficulty int) (Summary, error) {
		if rounds <= 0 {
			return Summary{}, fmt.Errorf("rounds must be positive, got %d", rounds)
		}
		var sum Summary
		for i := 0; i < rounds; i++ {
			out, err := g.round(ctx, spec, difficulty, log.Default())
			if err != nil {
				return sum, fmt.Errorf("round %d: %w", i+1, err)
			}
			sum.Rounds++
			sum.Totals = append(sum.Totals, out.Total)
			if out.Success {
				sum.Successes++
			}
			if out.Total > sum.Best {
				sum.Best = out.Total
			}
		}
		return sum, nil
	}, recorder.Config{})
	return g, nil
}

func outcomeHook(result any) map[string]any {
	out, ok := result.(Outcome)
	if !ok {
		return nil
	}
	return map[string]any{"success": out.Success, "margin": out.Margin}
}

func (g *Game) record(out Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.table.Rounds++
	if out.Success {
		g.table.Successes++
	}
	if out.Total > g.table.Best {
		g.table.Best = out.Total
	}
	g.table.History = append(g.table.History, out.Total)
}

// Play runs rounds of spec against difficulty.
func (g *Game) Play(ctx context.Context, rounds int, spec Spec, difficulty int) (Summary, error) {
	return g.play(ctx, rounds, spec, difficulty)
}

// Roll rolls spec once.
func (g *Game) Roll(ctx context.Context, spec Spec) (Roll, error) {
	return g.roll(ctx, spec)
}

// Table returns a copy of the table state.
func (g *Game) Table() Table {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.table
	t.History = append([]int(nil), g.table.History...)
	return t
}
