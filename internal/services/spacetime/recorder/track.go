package recorder

import (
	"context"
	"fmt"

	apperrors "github.com/louisbranch/spacetime/internal/platform/errors"
	"github.com/louisbranch/spacetime/internal/services/spacetime/objectstore"
)

// Track0 wraps a non-deterministic function of no arguments. Invocations
// made while an open call tracks name are captured, and during replay the
// recorded result is returned instead of calling fn.
func Track0[R any](r *Recorder, name string, fn func() R) func(context.Context) R {
	return func(ctx context.Context) R {
		return trackAs(ctx, r, name, nil, fn)
	}
}

// Track1 is Track0 for a function of one argument.
func Track1[A, R any](r *Recorder, name string, fn func(A) R) func(context.Context, A) R {
	return func(ctx context.Context, a A) R {
		return trackAs(ctx, r, name, []any{a}, func() R { return fn(a) })
	}
}

// Track2 is Track0 for a function of two arguments.
func Track2[A, B, R any](r *Recorder, name string, fn func(A, B) R) func(context.Context, A, B) R {
	return func(ctx context.Context, a A, b B) R {
		return trackAs(ctx, r, name, []any{a, b}, func() R { return fn(a, b) })
	}
}

func trackAs[R any](ctx context.Context, r *Recorder, name string, args []any, live func() R) R {
	f := frameFrom(ctx)
	if f == nil || !f.tracks(name) {
		return live()
	}
	if args == nil {
		args = []any{}
	}

	if f.plan != nil {
		ref, ok, err := f.plan.Track(ctx, f.node, name)
		if err != nil {
			f.fail(err)
			var zero R
			return zero
		}
		if ok {
			return replayTracked[R](ctx, r, f, name, args, ref)
		}
	}

	out := live()
	f.addTracked(name, r.objects.Capture(ctx, args), r.objects.Capture(ctx, out))
	return out
}

func replayTracked[R any](ctx context.Context, r *Recorder, f *frame, name string, args []any, ref objectstore.Ref) R {
	var zero R
	if ref.IsSentinel() {
		f.fail(apperrors.WithMetadata(apperrors.CodeMissingSnapshot,
			fmt.Sprintf("tracked %s result was not captured", name),
			map[string]string{"Ref": string(ref)}))
		return zero
	}
	value, err := r.objects.Rehydrate(ctx, ref)
	if err != nil {
		f.fail(fmt.Errorf("replay tracked %s: %w", name, err))
		return zero
	}
	typed, err := as[R](value)
	if err != nil {
		f.fail(fmt.Errorf("replay tracked %s: %w", name, err))
		return zero
	}
	f.addTracked(name, r.objects.Capture(ctx, args), ref)
	return typed
}
