package pagination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-query-sync/cache"
	"github.com/goliatone/go-query-sync/pkg/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestDeriveKey(t *testing.T) {
	base := cache.NewKey("customers")

	tests := []struct {
		name     string
		page     int
		pageSize int
		want     cache.Key
	}{
		{"first page", 1, 25, cache.NewKey("customers", 0, 25)},
		{"second page", 2, 25, cache.NewKey("customers", 25, 25)},
		{"third page of ten", 3, 10, cache.NewKey("customers", 20, 10)},
		{"page clamped", 0, 25, cache.NewKey("customers", 0, 25)},
		{"default size", 2, 0, cache.NewKey("customers", 25, 25)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveKey(base, tt.page, tt.pageSize)
			if !got.Equal(tt.want) {
				t.Errorf("DeriveKey(%d, %d) = %s, want %s", tt.page, tt.pageSize, got, tt.want)
			}
			assert.True(t, got.HasPrefix(base))
		})
	}
}

func TestTotalPages(t *testing.T) {
	tests := []struct {
		total, size, want int
	}{
		{0, 25, 0},
		{1, 25, 1},
		{25, 25, 1},
		{26, 25, 2},
		{100, 10, 10},
		{101, 10, 11},
		{10, 0, 0},
		{-5, 10, 0},
	}
	for _, tt := range tests {
		if got := TotalPages(tt.total, tt.size); got != tt.want {
			t.Errorf("TotalPages(%d, %d) = %d, want %d", tt.total, tt.size, got, tt.want)
		}
	}
}

func TestState_Range(t *testing.T) {
	tests := []struct {
		state      State
		total      int
		start, end int
	}{
		{State{Page: 1, PageSize: 25}, 0, 0, 0},
		{State{Page: 1, PageSize: 25}, 30, 1, 25},
		{State{Page: 2, PageSize: 25}, 30, 26, 30},
		{State{Page: 3, PageSize: 25}, 30, 0, 0},
	}
	for _, tt := range tests {
		start, end := tt.state.Range(tt.total)
		assert.Equal(t, tt.start, start, "%+v of %d", tt.state, tt.total)
		assert.Equal(t, tt.end, end, "%+v of %d", tt.state, tt.total)
	}
}

func TestController_PageSizeResetsPageInOneStep(t *testing.T) {
	ctrl := NewController(cache.NewKey("customers"), 25)
	var rec testsupport.Recorder[State]
	ctrl.OnChange(rec.Record)

	require.True(t, ctrl.SetPage(3))
	require.True(t, ctrl.SetPageSize(10))

	assert.Equal(t, []State{{Page: 3, PageSize: 25}, {Page: 1, PageSize: 10}}, rec.All())
	assert.True(t, ctrl.Key().Equal(cache.NewKey("customers", 0, 10)))

	assert.False(t, ctrl.SetPageSize(0), "invalid sizes are ignored")
	assert.False(t, ctrl.SetPageSize(10), "unchanged state does not notify")
	assert.Equal(t, 2, rec.Len())
}

func TestController_Clamping(t *testing.T) {
	ctrl := NewController(cache.NewKey("stores"), 10)

	assert.False(t, ctrl.Prev(), "already on the first page")
	assert.True(t, ctrl.SetPage(50), "unknown total does not clamp")
	assert.Equal(t, 50, ctrl.State().Page)

	ctrl.SetTotal(42)
	assert.Equal(t, 5, ctrl.State().Page, "page moved to the last existing page")
	assert.Equal(t, 5, ctrl.TotalPages())
	assert.False(t, ctrl.Next())

	assert.True(t, ctrl.Prev())
	assert.Equal(t, 4, ctrl.State().Page)

	ctrl.SetPage(-3)
	assert.Equal(t, 1, ctrl.State().Page)

	ctrl.SetTotal(0)
	total, known := ctrl.Total()
	assert.Equal(t, 0, total)
	assert.True(t, known)
	assert.True(t, ctrl.SetPage(7), "an empty list does not bound the page")
}

type customerPage struct {
	Items  []string
	Total  int
	Offset int
	Limit  int
}

func (p customerPage) TotalItems() int { return p.Total }

type pageBackend struct {
	mu    sync.Mutex
	total int
	keys  []cache.Key
}

func (b *pageBackend) setTotal(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total = n
}

func (b *pageBackend) fetcherFor(st State) cache.Fetcher {
	return func(ctx context.Context, key cache.Key) (any, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.keys = append(b.keys, key)
		return customerPage{Total: b.total, Offset: st.Offset(), Limit: st.PageSize}, nil
	}
}

func (b *pageBackend) fetched() []cache.Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]cache.Key(nil), b.keys...)
}

func newTestCache(t *testing.T) *cache.QueryCache {
	t.Helper()
	cfg := cache.DefaultConfig()
	cfg.Retry = 0
	cfg.Logger = zaptest.NewLogger(t)
	qc, err := cache.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { qc.Close() })
	return qc
}

func TestWatch_PageSizeChangeNeverFetchesIntermediateKey(t *testing.T) {
	qc := newTestCache(t)
	backend := &pageBackend{total: 100}
	ctrl := NewController(cache.NewKey("customers"), 25)
	ctrl.SetPage(3)

	paged, err := Watch(qc, ctrl, backend.fetcherFor, cache.QueryOptions{})
	require.NoError(t, err)
	t.Cleanup(paged.Close)

	require.Eventually(t, func() bool {
		total, known := ctrl.Total()
		return known && total == 100
	}, waitFor, tick, "the page total feeds the controller")

	ctrl.SetPageSize(10)
	require.Eventually(t, func() bool {
		page, ok := cache.DataAs[customerPage](paged.Snapshot())
		return ok && page.Limit == 10
	}, waitFor, tick)

	forbidden := cache.NewKey("customers", 20, 10)
	for _, k := range backend.fetched() {
		assert.False(t, k.Equal(forbidden), "fetched %s", k)
	}
	assert.True(t, paged.Subscription().Key().Equal(cache.NewKey("customers", 0, 10)))
	assert.Equal(t, 1, qc.Stats().Entries, "the previous page subscription was closed")
}

func TestWatch_ShrinkingTotalMovesToLastPage(t *testing.T) {
	qc := newTestCache(t)
	backend := &pageBackend{total: 30}
	ctrl := NewController(cache.NewKey("discount-rules"), 25)
	ctrl.SetPage(4)

	var rec testsupport.Recorder[cache.Snapshot]
	paged, err := Watch(qc, ctrl, backend.fetcherFor, cache.QueryOptions{OnChange: rec.Record})
	require.NoError(t, err)
	t.Cleanup(paged.Close)

	require.Eventually(t, func() bool {
		page, ok := cache.DataAs[customerPage](paged.Snapshot())
		return ok && page.Offset == 25
	}, waitFor, tick)
	assert.Equal(t, 2, ctrl.State().Page)
	assert.True(t, paged.Subscription().Key().Equal(cache.NewKey("discount-rules", 25, 25)))

	require.Eventually(t, func() bool {
		last, ok := rec.Last()
		return ok && last.Key.Equal(cache.NewKey("discount-rules", 25, 25)) && last.HasData
	}, waitFor, tick, "listeners follow the current page")
}

func TestWatch_InvalidationRefetchesCurrentPage(t *testing.T) {
	qc := newTestCache(t)
	backend := &pageBackend{total: 10}
	ctrl := NewController(cache.NewKey("stores"), 25)

	paged, err := Watch(qc, ctrl, backend.fetcherFor, cache.QueryOptions{})
	require.NoError(t, err)
	t.Cleanup(paged.Close)

	require.Eventually(t, func() bool { return paged.Snapshot().HasData }, waitFor, tick)

	backend.setTotal(11)
	qc.Invalidate(cache.NewKey("stores"))
	require.Eventually(t, func() bool {
		page, ok := cache.DataAs[customerPage](paged.Snapshot())
		return ok && page.Total == 11
	}, waitFor, tick)
}

func TestPaged_Close(t *testing.T) {
	qc := newTestCache(t)
	backend := &pageBackend{total: 10}
	ctrl := NewController(cache.NewKey("stores"), 25)

	paged, err := Watch(qc, ctrl, backend.fetcherFor, cache.QueryOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return paged.Snapshot().HasData }, waitFor, tick)

	paged.Close()
	paged.Close()
	assert.Nil(t, paged.Subscription())
	assert.Equal(t, 0, qc.Stats().Entries)
	assert.False(t, paged.Refetch())

	before := len(backend.fetched())
	ctrl.SetPage(2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, len(backend.fetched()), "closed watchers ignore page changes")
}

func TestWatch_ClosedCache(t *testing.T) {
	qc := newTestCache(t)
	qc.Close()

	_, err := Watch(qc, NewController(cache.NewKey("stores"), 25), (&pageBackend{}).fetcherFor, cache.QueryOptions{})
	assert.ErrorIs(t, err, cache.ErrClosed)
}
