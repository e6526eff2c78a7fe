package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, opts ...func(*Config)) *QueryCache {
	t.Helper()

	cfg := DefaultConfig()
	cfg.RetryDelay = func(int) time.Duration { return 0 }
	cfg.Logger = zaptest.NewLogger(t)
	for _, opt := range opts {
		opt(&cfg)
	}

	qc, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { qc.Close() })
	return qc
}

func withClock(clock *manualClock) func(*Config) {
	return func(c *Config) { c.Now = clock.Now }
}

func withStaleTime(d time.Duration) func(*Config) {
	return func(c *Config) { c.StaleTime = d }
}

func withRetention(window time.Duration) func(*Config) {
	return func(c *Config) { c.Retention.Window = window }
}

func withRegistry(reg *prometheus.Registry) func(*Config) {
	return func(c *Config) { c.Registerer = reg }
}

// countingFetcher records calls per key and answers through fn.
type countingFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	total int
	fn    func(key Key, call int) (any, error)
}

func newCountingFetcher(fn func(key Key, call int) (any, error)) *countingFetcher {
	return &countingFetcher{calls: make(map[string]int), fn: fn}
}

func constFetcher(v any) *countingFetcher {
	return newCountingFetcher(func(Key, int) (any, error) { return v, nil })
}

func (f *countingFetcher) Fetch(ctx context.Context, key Key) (any, error) {
	f.mu.Lock()
	f.calls[key.ID()]++
	f.total++
	n := f.calls[key.ID()]
	f.mu.Unlock()
	return f.fn(key, n)
}

func (f *countingFetcher) Calls(key Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key.ID()]
}

func (f *countingFetcher) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

type outcome struct {
	data any
	err  error
}

// gatedFetcher blocks every call until the test releases it.
type gatedFetcher struct {
	mu       sync.Mutex
	pending  []chan outcome
	finished atomic.Int32
}

func (g *gatedFetcher) Fetch(ctx context.Context, key Key) (any, error) {
	ch := make(chan outcome, 1)
	g.mu.Lock()
	g.pending = append(g.pending, ch)
	g.mu.Unlock()

	defer g.finished.Add(1)
	select {
	case o := <-ch:
		return o.data, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedFetcher) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// release resolves call n (1 based) once it has started.
func (g *gatedFetcher) release(t *testing.T, n int, data any, err error) {
	t.Helper()
	require.Eventually(t, func() bool { return g.Calls() >= n }, waitFor, tick, "call %d never started", n)
	g.mu.Lock()
	ch := g.pending[n-1]
	g.mu.Unlock()
	ch <- outcome{data: data, err: err}
}

func subscribe(t *testing.T, qc *QueryCache, opts QueryOptions) *Subscription {
	t.Helper()
	sub, err := qc.Subscribe(opts)
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return sub
}

func waitSettled(t *testing.T, sub *Subscription) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = sub.Snapshot()
		return !snap.IsFetching && snap.Status != StatusLoading
	}, waitFor, tick)
	return snap
}

func waitData(t *testing.T, sub *Subscription, want any) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = sub.Snapshot()
		return !snap.IsFetching && snap.HasData && snap.Data == want
	}, waitFor, tick, "data never became %v", want)
	return snap
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
					matched++
				}
			}
			if matched != len(labels) {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}
