package cache

import "context"

type invalidationsContextKey struct{}

// WithInvalidations attaches extra prefixes to the context; a Mutation
// executed with it invalidates them alongside its own prefixes.
func WithInvalidations(ctx context.Context, prefixes ...Key) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(prefixes) == 0 {
		return ctx
	}

	existing := InvalidationsFromContext(ctx)
	combined := dedupeKeys(append(existing, prefixes...))
	if len(combined) == 0 {
		return ctx
	}

	return context.WithValue(ctx, invalidationsContextKey{}, combined)
}

// InvalidationsFromContext returns the prefixes attached by WithInvalidations.
func InvalidationsFromContext(ctx context.Context) []Key {
	if ctx == nil {
		return nil
	}
	if keys, ok := ctx.Value(invalidationsContextKey{}).([]Key); ok {
		return append([]Key(nil), keys...)
	}
	return nil
}
