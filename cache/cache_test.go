package cache

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.StaleTime != 0 {
		t.Errorf("expected StaleTime to be 0, got %v", cfg.StaleTime)
	}
	if cfg.Retry != 1 {
		t.Errorf("expected Retry to be 1, got %d", cfg.Retry)
	}
	if !cfg.StructuralSharing {
		t.Error("expected StructuralSharing to be enabled")
	}
	if cfg.Retention.Window != 0 {
		t.Errorf("expected retention to be disabled, got window %v", cfg.Retention.Window)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected default config to be valid, got %v", err)
	}
}

func TestNew_ZeroConfigMakesNoRetries(t *testing.T) {
	qc, err := New(Config{})
	require.NoError(t, err)
	t.Cleanup(func() { qc.Close() })

	f := newCountingFetcher(func(Key, int) (any, error) { return nil, errors.New("down") })
	key := NewKey("stores", 0, 25)
	sub := subscribe(t, qc, QueryOptions{Key: key, Fetcher: f.Fetch})
	snap := waitSettled(t, sub)

	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, 1, f.Calls(key), "the zero Config makes no retries")
	assert.Equal(t, 1, snap.FailureCount)
}

func TestDefaultRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{12, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := DefaultRetryDelay(tt.attempt); got != tt.want {
			t.Errorf("DefaultRetryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNew_ValidatesConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{
			name:      "negative retry",
			mutate:    func(c *Config) { c.Retry = -1 },
			wantField: "Retry",
		},
		{
			name:      "retry above bound",
			mutate:    func(c *Config) { c.Retry = MaxRetry + 1 },
			wantField: "Retry",
		},
		{
			name:      "negative stale time",
			mutate:    func(c *Config) { c.StaleTime = -time.Second },
			wantField: "StaleTime",
		},
		{
			name: "retention without capacity",
			mutate: func(c *Config) {
				c.Retention.Window = time.Minute
				c.Retention.Capacity = 0
			},
			wantField: "Capacity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			_, err := New(cfg)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *ConfigError, got %T (%v)", err, err)
			}
			if cfgErr.Field != tt.wantField {
				t.Errorf("expected field %q, got %q", tt.wantField, cfgErr.Field)
			}
		})
	}
}

func TestSubscribe_RejectsInvalidOptions(t *testing.T) {
	qc := newTestCache(t)
	f := constFetcher("v")

	_, err := qc.Subscribe(QueryOptions{Fetcher: f.Fetch})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "Key", cfgErr.Field)

	_, err = qc.Subscribe(QueryOptions{Key: NewKey("customers")})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "Fetcher", cfgErr.Field)

	_, err = qc.Subscribe(QueryOptions{Key: NewKey("customers"), Fetcher: f.Fetch, Retry: Int(-1)})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "Retry", cfgErr.Field)
}

func TestSubscribe_NewEntryTransitions(t *testing.T) {
	qc := newTestCache(t)
	g := &gatedFetcher{}
	key := NewKey("customers", 0, 25)

	sub := subscribe(t, qc, QueryOptions{Key: key, Fetcher: g.Fetch})

	snap := sub.Snapshot()
	assert.Equal(t, StatusLoading, snap.Status)
	assert.True(t, snap.IsFetching)
	assert.False(t, snap.HasData)
	assert.Equal(t, 1, snap.SubscriberCount)

	g.release(t, 1, "page-1", nil)
	snap = waitData(t, sub, "page-1")

	assert.Equal(t, StatusSuccess, snap.Status)
	assert.NoError(t, snap.Err)
	assert.Equal(t, 0, snap.FailureCount)
	assert.False(t, snap.UpdatedAt.IsZero())
}

func TestSubscribe_DeduplicatesConcurrentSubscribers(t *testing.T) {
	qc := newTestCache(t)
	g := &gatedFetcher{}
	key := NewKey("customers", 0, 25)

	const n = 50
	subs := make([]*Subscription, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := qc.Subscribe(QueryOptions{Key: key, Fetcher: g.Fetch})
			if err != nil {
				t.Errorf("subscribe failed: %v", err)
				return
			}
			subs[i] = sub
		}(i)
	}
	wg.Wait()
	t.Cleanup(func() {
		for _, s := range subs {
			if s != nil {
				s.Close()
			}
		}
	})

	require.Eventually(t, func() bool { return g.Calls() == 1 }, waitFor, tick)
	assert.Equal(t, 1, qc.Stats().InFlight)

	g.release(t, 1, "shared", nil)
	for _, s := range subs {
		waitData(t, s, "shared")
	}

	assert.Equal(t, 1, g.Calls())
	assert.Equal(t, n, subs[0].Snapshot().SubscriberCount)
}

func TestSubscribe_FreshDataServedWithoutFetch(t *testing.T) {
	clock := newManualClock()
	qc := newTestCache(t, withClock(clock), withStaleTime(time.Minute))
	f := constFetcher("v1")
	key := NewKey("stores", 0, 25)

	first := subscribe(t, qc, QueryOptions{Key: key, Fetcher: f.Fetch})
	waitData(t, first, "v1")

	clock.Advance(30 * time.Second)
	second := subscribe(t, qc, QueryOptions{Key: key, Fetcher: f.Fetch})

	snap := second.Snapshot()
	assert.Equal(t, StatusSuccess, snap.Status)
	assert.Equal(t, "v1", snap.Data)
	assert.False(t, snap.IsStale)
	assert.False(t, snap.IsFetching)
	assert.Equal(t, 1, f.Calls(key))
}

func TestSubscribe_StaleWhileRevalidate(t *testing.T) {
	clock := newManualClock()
	qc := newTestCache(t, withClock(clock), withStaleTime(time.Minute))
	g := &gatedFetcher{}
	key := NewKey("stores", 0, 25)

	first := subscribe(t, qc, QueryOptions{Key: key, Fetcher: g.Fetch})
	g.release(t, 1, "v1", nil)
	waitData(t, first, "v1")

	clock.Advance(2 * time.Minute)
	second := subscribe(t, qc, QueryOptions{Key: key, Fetcher: g.Fetch})

	snap := second.Snapshot()
	assert.Equal(t, StatusLoading, snap.Status)
	assert.True(t, snap.HasData)
	assert.Equal(t, "v1", snap.Data)
	assert.True(t, snap.IsStale)
	require.Eventually(t, func() bool { return g.Calls() == 2 }, waitFor, tick)

	g.release(t, 2, "v2", nil)
	waitData(t, second, "v2")
	waitData(t, first, "v2")
}

func TestFetchFailure_KeepsDataAndAttachesError(t *testing.T) {
	qc := newTestCache(t)
	boom := errors.New("network down")
	f := newCountingFetcher(func(_ Key, call int) (any, error) {
		if call == 1 {
			return "v1", nil
		}
		return nil, boom
	})
	key := NewKey("customers", 0, 25)

	sub := subscribe(t, qc, QueryOptions{Key: key, Fetcher: f.Fetch})
	waitData(t, sub, "v1")

	require.True(t, sub.Refetch())
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = sub.Snapshot()
		return !snap.IsFetching && snap.Err != nil
	}, waitFor, tick)

	assert.Equal(t, StatusSuccess, snap.Status)
	assert.True(t, snap.HasData)
	assert.Equal(t, "v1", snap.Data)
	assert.ErrorIs(t, snap.Err, boom)
	assert.Equal(t, 2, snap.FailureCount, "one attempt plus one retry")
	assert.Equal(t, 3, f.Calls(key))
	assert.False(t, snap.ErrorUpdatedAt.IsZero())
}

func TestFetchFailure_WithoutDataEntersError(t *testing.T) {
	qc := newTestCache(t)
	boom := errors.New("server error")
	f := newCountingFetcher(func(Key, int) (any, error) { return nil, boom })
	key := NewKey("analytics-summary", 30)

	sub := subscribe(t, qc, QueryOptions{Key: key, Fetcher: f.Fetch})
	snap := waitSettled(t, sub)

	assert.Equal(t, StatusError, snap.Status)
	assert.False(t, snap.HasData)
	assert.ErrorIs(t, snap.Err, boom)
	assert.Equal(t, 2, snap.FailureCount)

	// no automatic retries past the bound
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.Calls(key))
}

func TestFetchFailure_CountIsCappedAcrossRefetches(t *testing.T) {
	qc := newTestCache(t)
	f := newCountingFetcher(func(_ Key, call int) (any, error) {
		if call == 1 {
			return "v1", nil
		}
		return nil, errors.New("unavailable")
	})
	key := NewKey("customers", 0, 25)

	sub := subscribe(t, qc, QueryOptions{Key: key, Fetcher: f.Fetch})
	waitData(t, sub, "v1")

	for round := 1; round <= 3; round++ {
		require.True(t, sub.Refetch())
		require.Eventually(t, func() bool {
			snap := sub.Snapshot()
			return !snap.IsFetching && f.Calls(key) == 1+2*round
		}, waitFor, tick)
	}

	snap := sub.Snapshot()
	assert.Equal(t, 2, snap.FailureCount, "one attempt plus one retry")
	assert.Equal(t, "v1", snap.Data)
}

func TestFetchFailure_RetryOverride(t *testing.T) {
	qc := newTestCache(t)
	f := newCountingFetcher(func(Key, int) (any, error) { return nil, errors.New("nope") })
	key := NewKey("stores", 0, 25)

	sub := subscribe(t, qc, QueryOptions{Key: key, Fetcher: f.Fetch, Retry: Int(3)})
	snap := waitSettled(t, sub)

	assert.Equal(t, 4, f.Calls(key))
	assert.Equal(t, 4, snap.FailureCount)
}

func TestFetchFailure_ResubscribeForcesAttempt(t *testing.T) {
	qc := newTestCache(t)
	f := newCountingFetcher(func(_ Key, call int) (any, error) {
		if call <= 2 {
			return nil, errors.New("flaky")
		}
		return "recovered", nil
	})
	key := NewKey("customers", 0, 25)

	first := subscribe(t, qc, QueryOptions{Key: key, Fetcher: f.Fetch})
	snap := waitSettled(t, first)
	require.Equal(t, StatusError, snap.Status)

	second := subscribe(t, qc, QueryOptions{Key: key, Fetcher: f.Fetch})
	snap = waitData(t, second, "recovered")
	assert.NoError(t, snap.Err)
	assert.Equal(t, 0, snap.FailureCount)
}

func TestFetcherPanicBecomesError(t *testing.T) {
	qc := newTestCache(t)
	key := NewKey("stores", 0, 25)

	sub := subscribe(t, qc, QueryOptions{
		Key:   key,
		Retry: Int(0),
		Fetcher: func(context.Context, Key) (any, error) {
			panic("kaboom")
		},
	})

	snap := waitSettled(t, sub)
	assert.Equal(t, StatusError, snap.Status)
	assert.ErrorIs(t, snap.Err, ErrPanic)
}

func TestOutOfOrderCompletionIsDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	qc := newTestCache(t, withRegistry(reg))
	g := &gatedFetcher{}
	key := NewKey("customer-by-phone", "+996555123456")

	sub := subscribe(t, qc, QueryOptions{Key: key, Fetcher: g.Fetch})
	require.Eventually(t, func() bool { return g.Calls() == 1 }, waitFor, tick)
	require.True(t, sub.Refetch())
	require.Eventually(t, func() bool { return g.Calls() == 2 }, waitFor, tick)

	// B (newer) resolves first
	g.release(t, 2, "B", nil)
	waitData(t, sub, "B")

	// A (older) resolves late and must not overwrite B
	g.release(t, 1, "A", nil)
	require.Eventually(t, func() bool {
		return metricValue(t, reg, "querysync_fetches_total", map[string]string{
			"namespace": "customer-by-phone",
			"outcome":   "dropped",
		}) == 1
	}, waitFor, tick)

	snap := sub.Snapshot()
	assert.Equal(t, "B", snap.Data)
	assert.Equal(t, StatusSuccess, snap.Status)
}

func TestUnsubscribeDropsInFlightResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	qc := newTestCache(t, withRegistry(reg))
	g := &gatedFetcher{}
	key := NewKey("purchases", 7, 0, 25)

	sub, err := qc.Subscribe(QueryOptions{Key: key, Fetcher: g.Fetch})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.Calls() == 1 }, waitFor, tick)

	sub.Close()
	assert.Equal(t, 0, qc.Stats().Entries)

	g.release(t, 1, "late", nil)
	require.Eventually(t, func() bool {
		return metricValue(t, reg, "querysync_fetches_total", map[string]string{
			"namespace": "purchases",
			"outcome":   "dropped",
		}) == 1
	}, waitFor, tick)

	_, ok := qc.Peek(key)
	assert.False(t, ok)
}

func TestRetention_Disabled(t *testing.T) {
	qc := newTestCache(t)
	f := constFetcher("v1")
	key := NewKey("stores", 0, 25)

	sub := subscribe(t, qc, QueryOptions{Key: key, Fetcher: f.Fetch})
	waitData(t, sub, "v1")
	sub.Close()

	st := qc.Stats()
	assert.Equal(t, 0, st.Entries)
	assert.Equal(t, 0, st.Retained)
	_, ok := qc.Peek(key)
	assert.False(t, ok)
}

func TestRetention_RehydratesParkedEntry(t *testing.T) {
	qc := newTestCache(t, withRetention(time.Minute))
	g := &gatedFetcher{}
	key := NewKey("stores", 0, 25)

	first, err := qc.Subscribe(QueryOptions{Key: key, Fetcher: g.Fetch})
	require.NoError(t, err)
	g.release(t, 1, "v1", nil)
	waitData(t, first, "v1")
	first.Close()

	st := qc.Stats()
	assert.Equal(t, 0, st.Entries)
	assert.Equal(t, 1, st.Retained)

	parked, ok := qc.Peek(key)
	require.True(t, ok)
	assert.Equal(t, "v1", parked.Data)
	assert.Equal(t, 0, parked.SubscriberCount)

	second := subscribe(t, qc, QueryOptions{Key: key, Fetcher: g.Fetch})
	snap := second.Snapshot()
	assert.Equal(t, "v1", snap.Data, "retained data is served immediately")
	assert.Equal(t, StatusLoading, snap.Status, "stale retained data is revalidated")
	assert.Equal(t, 0, qc.Stats().Retained)

	g.release(t, 2, "v2", nil)
	waitData(t, second, "v2")
}

func TestRetention_SkipsEntriesWithoutData(t *testing.T) {
	qc := newTestCache(t, withRetention(time.Minute))
	f := newCountingFetcher(func(Key, int) (any, error) { return nil, errors.New("down") })
	key := NewKey("stores", 0, 25)

	sub, err := qc.Subscribe(QueryOptions{Key: key, Fetcher: f.Fetch})
	require.NoError(t, err)
	waitSettled(t, sub)
	sub.Close()

	assert.Equal(t, 0, qc.Stats().Retained)
}

func TestStructuralSharing(t *testing.T) {
	tests := []struct {
		name    string
		sharing bool
		same    bool
	}{
		{name: "enabled keeps previous value", sharing: true, same: true},
		{name: "disabled replaces value", sharing: false, same: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qc := newTestCache(t, func(c *Config) { c.StructuralSharing = tt.sharing })
			f := newCountingFetcher(func(Key, int) (any, error) {
				return []string{"alice", "bob"}, nil
			})
			key := NewKey("customers", 0, 25)

			sub := subscribe(t, qc, QueryOptions{Key: key, Fetcher: f.Fetch})
			first := waitSettled(t, sub)

			require.True(t, sub.Refetch())
			var second Snapshot
			require.Eventually(t, func() bool {
				second = sub.Snapshot()
				return second.Version > first.Version+1 && !second.IsFetching
			}, waitFor, tick)

			same := reflect.ValueOf(first.Data).Pointer() == reflect.ValueOf(second.Data).Pointer()
			assert.Equal(t, tt.same, same)
			assert.Equal(t, first.Data, second.Data)
		})
	}
}

func TestSetData(t *testing.T) {
	clock := newManualClock()
	qc := newTestCache(t, withClock(clock), withStaleTime(time.Minute))
	f := constFetcher("server")
	key := NewKey("bonus-balance", 7)

	assert.False(t, qc.SetData(key, "orphan"), "unknown keys are ignored")

	sub := subscribe(t, qc, QueryOptions{Key: key, Fetcher: f.Fetch})
	waitData(t, sub, "server")

	clock.Advance(2 * time.Minute)
	require.True(t, qc.SetData(key, "optimistic"))

	snap := sub.Snapshot()
	assert.Equal(t, "optimistic", snap.Data)
	assert.Equal(t, StatusSuccess, snap.Status)
	assert.False(t, snap.IsStale)
}

func TestRemoveResetAndClear(t *testing.T) {
	qc := newTestCache(t, withRetention(time.Minute))
	f := constFetcher("v")
	customers := NewKey("customers", 0, 25)
	stores := NewKey("stores", 0, 25)
	parked := NewKey("customers", 25, 25)

	cs := subscribe(t, qc, QueryOptions{Key: customers, Fetcher: f.Fetch})
	ss := subscribe(t, qc, QueryOptions{Key: stores, Fetcher: f.Fetch})
	ps, err := qc.Subscribe(QueryOptions{Key: parked, Fetcher: f.Fetch})
	require.NoError(t, err)
	waitData(t, cs, "v")
	waitData(t, ss, "v")
	waitData(t, ps, "v")
	ps.Close()
	require.Equal(t, 1, qc.Stats().Retained)

	assert.Equal(t, 2, qc.Remove(NewKey("customers")))
	snap := cs.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.False(t, snap.HasData)
	assert.Equal(t, 1, f.Calls(customers), "remove does not refetch")
	assert.Equal(t, 0, qc.Stats().Retained)

	assert.Equal(t, 1, qc.Reset(NewKey("customers")))
	waitData(t, cs, "v")
	assert.Equal(t, 2, f.Calls(customers))

	qc.Clear()
	for _, s := range []*Subscription{cs, ss} {
		snap := s.Snapshot()
		assert.Equal(t, StatusIdle, snap.Status)
		assert.False(t, snap.HasData)
	}
}

func TestNotifyFocus(t *testing.T) {
	clock := newManualClock()
	qc := newTestCache(t, withClock(clock), withStaleTime(time.Minute))
	f := constFetcher("v")
	focused := NewKey("customers", 0, 25)
	other := NewKey("stores", 0, 25)

	fs := subscribe(t, qc, QueryOptions{Key: focused, Fetcher: f.Fetch, RefetchOnFocus: true})
	bg := subscribe(t, qc, QueryOptions{Key: other, Fetcher: f.Fetch})
	waitData(t, fs, "v")
	waitData(t, bg, "v")

	assert.Equal(t, 0, qc.NotifyFocus(), "fresh data is not refetched")

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, qc.NotifyFocus())
	require.Eventually(t, func() bool { return f.Calls(focused) == 2 }, waitFor, tick)
	waitSettled(t, fs)
	assert.Equal(t, 1, f.Calls(other))
}

func TestClose(t *testing.T) {
	qc := newTestCache(t)
	g := &gatedFetcher{}
	key := NewKey("customers", 0, 25)

	sub, err := qc.Subscribe(QueryOptions{Key: key, Fetcher: g.Fetch, PollInterval: time.Hour})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.Calls() == 1 }, waitFor, tick)
	assert.Equal(t, 1, qc.Stats().ActivePollers)

	require.NoError(t, qc.Close())
	require.NoError(t, qc.Close())

	assert.True(t, sub.Closed())
	st := qc.Stats()
	assert.Equal(t, 0, st.ActivePollers)
	assert.Equal(t, 0, st.Entries)
	assert.Equal(t, int32(1), g.finished.Load(), "in-flight fetch context is cancelled")

	_, err = qc.Subscribe(QueryOptions{Key: key, Fetcher: g.Fetch})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestInstrumentation_SpansAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	qc := newTestCache(t, withRegistry(reg), func(c *Config) { c.TracerProvider = tp })

	f := constFetcher("v")
	key := NewKey("stores", 0, 25)
	sub := subscribe(t, qc, QueryOptions{Key: key, Fetcher: f.Fetch})
	waitData(t, sub, "v")

	require.Eventually(t, func() bool { return len(recorder.Ended()) == 1 }, waitFor, tick)
	assert.Equal(t, "querysync.fetch", recorder.Ended()[0].Name())
	assert.Equal(t, 1.0, metricValue(t, reg, "querysync_fetches_total", map[string]string{
		"namespace": "stores",
		"outcome":   "success",
	}))
	assert.Equal(t, 1.0, metricValue(t, reg, "querysync_entries", nil))
}

func TestNew_RegistersMetricsOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	newTestCache(t, withRegistry(reg))

	cfg := DefaultConfig()
	cfg.Registerer = reg
	_, err := New(cfg)
	assert.Error(t, err)
}
