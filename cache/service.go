package cache

import (
	"context"
	"fmt"
)

// Fetcher resolves a key to data. The context is derived from the cache
// lifetime and is only cancelled by QueryCache.Close; results arriving for an
// abandoned or superseded request are dropped instead.
type Fetcher func(ctx context.Context, key Key) (any, error)

// Typed adapts a typed fetch function to a Fetcher.
func Typed[T any](fn func(ctx context.Context, key Key) (T, error)) Fetcher {
	return func(ctx context.Context, key Key) (any, error) {
		return fn(ctx, key)
	}
}

// GetOrFetch is a type-safe imperative read. Fresh data is returned without a
// fetch; otherwise it joins the in-flight request for key (or dispatches one)
// and waits for the outcome, honouring ctx.
func GetOrFetch[T any](ctx context.Context, c *QueryCache, key Key, fetcher Fetcher) (T, error) {
	return Query[T](ctx, c, QueryOptions{Key: key, Fetcher: fetcher})
}

// Query is GetOrFetch driven by subscription options, so StaleTime and Retry
// overrides apply to the read. Enabled, polling, focus and listeners are
// ignored.
func Query[T any](ctx context.Context, c *QueryCache, opts QueryOptions) (T, error) {
	var zero T

	sub, err := c.Subscribe(QueryOptions{
		Key:       opts.Key,
		Fetcher:   opts.Fetcher,
		StaleTime: opts.StaleTime,
		Retry:     opts.Retry,
	})
	if err != nil {
		return zero, err
	}
	defer sub.Close()

	result, err := sub.await(ctx)
	if err != nil {
		return zero, err
	}

	// A nil result with an interface T would panic on a bare assertion.
	if result == nil {
		return zero, nil
	}

	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %T", ErrInvalidResultType, result, zero)
	}
	return typed, nil
}
