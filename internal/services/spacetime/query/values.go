package query

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
)

// maxDisplay bounds the rendered form of a value, in runes.
const maxDisplay = 512

// Value is a captured value rendered for a client.
type Value struct {
	Name    string
	Ref     objectstore.Ref
	TypeTag string
	Display string
	// Unavailable marks a value that could not be captured.
	Unavailable bool
	// Missing marks a ref whose snapshot is gone or unreadable.
	Missing bool
	Error   string

	err error
}

func (s *Service) render(ctx context.Context, name string, ref objectstore.Ref) Value {
	v := Value{Name: name, Ref: ref}
	if ref.IsSentinel() {
		v.Unavailable = true
		v.Display = objectstore.Unavailable{}.String()
		return v
	}
	if ref.IsZero() {
		v.Display = "<none>"
		return v
	}

	snap, err := s.objects.Snapshot(ctx, ref)
	if err == nil {
		v.TypeTag = snap.TypeTag
		var value any
		value, err = s.objects.Rehydrate(ctx, ref)
		if err == nil {
			v.Display = Display(value)
			return v
		}
	}
	v.Error = err.Error()
	v.Display = "<missing>"
	v.Missing = missingValue(err)
	v.err = err
	return v
}

// Display renders a rehydrated value as a short human-readable string.
func Display(value any) string {
	var out string
	switch t := value.(type) {
	case nil:
		out = "nil"
	case string:
		out = strconv.Quote(t)
	case []byte:
		out = fmt.Sprintf("bytes(%s)", humanize.Bytes(uint64(len(t))))
	case time.Time:
		out = t.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		out = t.String()
	case image.Image:
		b := t.Bounds()
		out = fmt.Sprintf("image %dx%d", b.Dx(), b.Dy())
	case fmt.Stringer:
		out = t.String()
	case error:
		out = t.Error()
	default:
		out = fmt.Sprintf("%+v", t)
	}
	return truncate(out, maxDisplay)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
