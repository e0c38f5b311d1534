package recorder

import (
	"context"
	"fmt"
)

// as converts an instrumented result or rehydrated argument to T. A nil
// value converts to T's zero value.
func as[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("got %T, want %T", v, zero)
	}
	return typed, nil
}

func arg[T any](name string, args Args, i int) (T, error) {
	v, err := as[T](args.At(i))
	if err != nil {
		return v, fmt.Errorf("%s argument %d: %w", name, i, err)
	}
	return v, nil
}

func result[R any](name string, out any, err error) (R, error) {
	typed, convErr := as[R](out)
	if err != nil {
		return typed, err
	}
	if convErr != nil {
		return typed, fmt.Errorf("%s result: %w", name, convErr)
	}
	return typed, nil
}

// Wrap0 instruments a function of no arguments.
func Wrap0[R any](r *Recorder, name string, fn func(context.Context) (R, error), cfg Config) func(context.Context) (R, error) {
	call := r.wrap(name, nil, func(ctx context.Context, _ Args) (any, error) {
		return fn(ctx)
	}, fn, cfg)
	return func(ctx context.Context) (R, error) {
		out, err := call(ctx, nil)
		return result[R](name, out, err)
	}
}

// Wrap1 instruments a function of one argument.
func Wrap1[A, R any](r *Recorder, name string, params [1]string, fn func(context.Context, A) (R, error), cfg Config) func(context.Context, A) (R, error) {
	call := r.wrap(name, params[:], func(ctx context.Context, args Args) (any, error) {
		a, err := arg[A](name, args, 0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a)
	}, fn, cfg)
	return func(ctx context.Context, a A) (R, error) {
		out, err := call(ctx, Args{{params[0], a}})
		return result[R](name, out, err)
	}
}

// Wrap2 instruments a function of two arguments.
func Wrap2[A, B, R any](r *Recorder, name string, params [2]string, fn func(context.Context, A, B) (R, error), cfg Config) func(context.Context, A, B) (R, error) {
	call := r.wrap(name, params[:], func(ctx context.Context, args Args) (any, error) {
		a, err := arg[A](name, args, 0)
		if err != nil {
			return nil, err
		}
		b, err := arg[B](name, args, 1)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	}, fn, cfg)
	return func(ctx context.Context, a A, b B) (R, error) {
		out, err := call(ctx, Args{{params[0], a}, {params[1], b}})
		return result[R](name, out, err)
	}
}

// Wrap3 instruments a function of three arguments.
func Wrap3[A, B, C, R any](r *Recorder, name string, params [3]string, fn func(context.Context, A, B, C) (R, error), cfg Config) func(context.Context, A, B, C) (R, error) {
	call := r.wrap(name, params[:], func(ctx context.Context, args Args) (any, error) {
		a, err := arg[A](name, args, 0)
		if err != nil {
			return nil, err
		}
		b, err := arg[B](name, args, 1)
		if err != nil {
			return nil, err
		}
		c, err := arg[C](name, args, 2)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, b, c)
	}, fn, cfg)
	return func(ctx context.Context, a A, b B, c C) (R, error) {
		out, err := call(ctx, Args{{params[0], a}, {params[1], b}, {params[2], c}})
		return result[R](name, out, err)
	}
}
