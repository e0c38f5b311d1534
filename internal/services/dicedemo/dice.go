// Package dicedemo is a small dice-table workload instrumented with the
// recorder. It exercises tracked randomness, a snapshotted global, a
// return hook, and an ignored parameter, and is replayable end to end.
package dicedemo

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidSpec indicates a spec with no dice or no sides.
	ErrInvalidSpec = errors.New("dice spec must have positive count and sides")
)

// Spec describes a roll of Count dice with Sides faces.
type Spec struct {
	Count int
	Sides int
}

func (s Spec) String() string {
	return fmt.Sprintf("%dd%d", s.Count, s.Sides)
}

// ParseSpec parses dice notation such as "2d6" or "d20".
func ParseSpec(text string) (Spec, error) {
	countText, sidesText, ok := strings.Cut(strings.ToLower(strings.TrimSpace(text)), "d")
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidSpec, text)
	}
	spec := Spec{Count: 1}
	if countText != "" {
		n, err := strconv.Atoi(countText)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: %q", ErrInvalidSpec, text)
		}
		spec.Count = n
	}
	sides, err := strconv.Atoi(sidesText)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidSpec, text)
	}
	spec.Sides = sides
	if err := spec.validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func (s Spec) validate() error {
	if s.Count <= 0 || s.Sides <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSpec, s)
	}
	return nil
}

// Roll is the result of rolling one Spec. Results keep roll order.
type Roll struct {
	Spec    Spec
	Results []int
	Total   int
}

// Outcome is a roll checked against a difficulty.
type Outcome struct {
	Total      int
	Difficulty int
	Success    bool
	// Margin is positive on success and negative on failure.
	Margin int
}

func checkTotal(total, difficulty int) Outcome {
	return Outcome{
		Total:      total,
		Difficulty: difficulty,
		Success:    total >= difficulty,
		Margin:     total - difficulty,
	}
}

// NewSeed returns a high-entropy seed for the table's random source.
func NewSeed() (int64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}
