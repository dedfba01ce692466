// Package gopool runs groups of functions with a bound on concurrency.
package gopool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// AllWithLimit runs fns with at most max of them in flight and returns the
// first error. A max below 1 means no limit. The context passed to each
// function is cancelled once any of them fails.
func AllWithLimit(ctx context.Context, max int, fns ...func(ctx context.Context) (e error)) (e error) {
	g, gctx := errgroup.WithContext(ctx)
	if max > 0 {
		g.SetLimit(max)
	}
	for _, fn := range fns {
		fn := fn
		g.Go(func() error {
			if e := gctx.Err(); e != nil {
				return e
			}
			return fn(gctx)
		})
	}
	return g.Wait()
}

func All(ctx context.Context, fns ...func(ctx context.Context) (e error)) (e error) {
	return AllWithLimit(ctx, -1, fns...)
}

// Map applies fn to every item with at most max calls in flight. The
// results keep the order of items.
func Map[T, R any](ctx context.Context, max int, items []T, fn func(ctx context.Context, item T) (R, error)) ([]R, error) {
	out := make([]R, len(items))
	fns := make([]func(context.Context) error, len(items))
	for i := range items {
		i := i
		fns[i] = func(ctx context.Context) (e error) {
			out[i], e = fn(ctx, items[i])
			return
		}
	}
	if e := AllWithLimit(ctx, max, fns...); e != nil {
		return nil, e
	}
	return out, nil
}
