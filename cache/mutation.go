package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MutationStatus is the lifecycle state of a Mutation.
type MutationStatus int

const (
	MutationIdle MutationStatus = iota
	MutationPending
	MutationSuccess
	MutationError
)

func (s MutationStatus) String() string {
	switch s {
	case MutationIdle:
		return "idle"
	case MutationPending:
		return "pending"
	case MutationSuccess:
		return "success"
	case MutationError:
		return "error"
	}
	return "unknown"
}

// MutationState reports the outcome of the last execution.
type MutationState struct {
	Status MutationStatus
	Err    error
	Runs   int
}

// MutationOption configures a Mutation.
type MutationOption func(*mutationConfig)

type mutationConfig struct {
	name     string
	prefixes []Key
}

// WithName labels the mutation in logs, metrics and spans.
func WithName(name string) MutationOption {
	return func(c *mutationConfig) {
		c.name = name
	}
}

// WithPrefixes invalidates the given prefixes after every successful run.
func WithPrefixes(prefixes ...Key) MutationOption {
	return func(c *mutationConfig) {
		c.prefixes = append(c.prefixes, prefixes...)
	}
}

// Mutation is an imperative write. On success it invalidates the prefixes
// supplied by the caller before Execute returns; errors go straight back to
// the caller and never touch cache state.
type Mutation[In, Out any] struct {
	cache *QueryCache
	fn    func(ctx context.Context, in In) (Out, error)
	cfg   mutationConfig

	invalidates func(In, Out) []Key
	onSuccess   func(In, Out)
	onError     func(In, error)

	mu    sync.Mutex
	state MutationState
}

// NewMutation wraps fn as a Mutation bound to c.
func NewMutation[In, Out any](c *QueryCache, fn func(ctx context.Context, in In) (Out, error), opts ...MutationOption) *Mutation[In, Out] {
	cfg := mutationConfig{name: "mutation"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Mutation[In, Out]{cache: c, fn: fn, cfg: cfg}
}

// InvalidateWith derives extra prefixes from the input and result of a
// successful run.
func (m *Mutation[In, Out]) InvalidateWith(fn func(In, Out) []Key) *Mutation[In, Out] {
	m.invalidates = fn
	return m
}

// OnSuccess runs fn after invalidation of a successful run.
func (m *Mutation[In, Out]) OnSuccess(fn func(In, Out)) *Mutation[In, Out] {
	m.onSuccess = fn
	return m
}

// OnError runs fn when the mutation fails.
func (m *Mutation[In, Out]) OnError(fn func(In, error)) *Mutation[In, Out] {
	m.onError = fn
	return m
}

// Name returns the mutation label.
func (m *Mutation[In, Out]) Name() string {
	return m.cfg.name
}

// State returns the state of the last execution.
func (m *Mutation[In, Out]) State() MutationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Execute runs the mutation.
func (m *Mutation[In, Out]) Execute(ctx context.Context, in In) (Out, error) {
	m.setState(MutationPending, nil)

	spanCtx, done := m.cache.inst.StartMutation(ctx, m.cfg.name)
	out, err := m.fn(spanCtx, in)
	done(err)

	if err != nil {
		m.setState(MutationError, err)
		m.cache.logger.Debug("mutation failed", zap.String("mutation", m.cfg.name), zap.Error(err))
		if m.onError != nil {
			m.onError(in, err)
		}
		var zero Out
		return zero, err
	}

	prefixes := append([]Key(nil), m.cfg.prefixes...)
	if m.invalidates != nil {
		prefixes = append(prefixes, m.invalidates(in, out)...)
	}
	prefixes = append(prefixes, InvalidationsFromContext(ctx)...)
	if len(prefixes) > 0 {
		m.cache.bus.Invalidate(prefixes...)
	}

	m.setState(MutationSuccess, nil)
	if m.onSuccess != nil {
		m.onSuccess(in, out)
	}
	return out, nil
}

func (m *Mutation[In, Out]) setState(status MutationStatus, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Status = status
	m.state.Err = err
	if status == MutationSuccess || status == MutationError {
		m.state.Runs++
	}
}
