package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-query-sync/internal/cacheinfra"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// QueryCache holds one entry per distinct Key and coordinates fetches,
// subscriptions and invalidation. It is safe for concurrent use. Create one
// per application session with New and tear it down with Close.
type QueryCache struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	inst   *cacheinfra.Instrumentation

	entries   *xsync.MapOf[string, *entry]
	retention *cacheinfra.RetentionStore[parkedEntry]
	bus       *InvalidationBus

	// parking is held for reading while an entry may be taken out of
	// retention and for writing by passes that must see every entry under a
	// prefix, live or parked.
	parking sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc

	life   sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	pollers atomic.Int64
}

// Stats reports cache occupancy.
type Stats struct {
	Entries       int
	Retained      int
	ActivePollers int
	InFlight      int
}

// New creates a QueryCache from cfg.
func New(cfg Config) (*QueryCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	inst, err := cacheinfra.NewInstrumentation(cfg.Registerer, cfg.TracerProvider)
	if err != nil {
		return nil, fmt.Errorf("cache: register metrics: %w", err)
	}

	c := &QueryCache{
		cfg:     cfg,
		logger:  cfg.Logger.Named("querycache"),
		now:     cfg.Now,
		inst:    inst,
		entries: xsync.NewMapOf[string, *entry](),
	}

	if rc := cfg.Retention.toInternal(); rc.Enabled() {
		store, err := cacheinfra.NewRetentionStore[parkedEntry](rc)
		if err != nil {
			return nil, err
		}
		c.retention = store
		c.logger.Debug("retention enabled", zap.Duration("window", store.Window()))
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.bus = newInvalidationBus(c)
	return c, nil
}

// Bus returns the invalidation bus bound to this cache.
func (c *QueryCache) Bus() *InvalidationBus {
	return c.bus
}

// Invalidate is a shorthand for c.Bus().Invalidate.
func (c *QueryCache) Invalidate(prefixes ...Key) Event {
	return c.bus.Invalidate(prefixes...)
}

// Close stops every subscription and poller, cancels in-flight fetch
// contexts and waits for fetch goroutines to exit. It is idempotent.
func (c *QueryCache) Close() error {
	c.life.Lock()
	if c.closed {
		c.life.Unlock()
		return nil
	}
	c.closed = true
	c.life.Unlock()

	for _, e := range c.liveEntries() {
		e.mu.Lock()
		subs := e.subscribersLocked()
		e.mu.Unlock()
		for _, s := range subs {
			s.Close()
		}
	}

	c.cancel()
	c.wg.Wait()

	if c.retention != nil {
		c.retention.Clear()
	}
	c.logger.Debug("cache closed")
	return nil
}

func (c *QueryCache) isClosed() bool {
	c.life.RLock()
	defer c.life.RUnlock()
	return c.closed
}

// Peek returns the current snapshot for key without subscribing or fetching.
// Retained entries are reported with a zero subscriber count.
func (c *QueryCache) Peek(key Key) (Snapshot, bool) {
	now := c.now()
	if e, ok := c.entries.Load(key.ID()); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.removed {
			return e.snapshotLocked(now), true
		}
	}

	if c.retention == nil {
		return Snapshot{}, false
	}
	p, ok := c.retention.Peek(key.ID())
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Key:            p.key,
		Status:         StatusSuccess,
		Data:           p.data,
		HasData:        true,
		Err:            p.err,
		UpdatedAt:      p.updatedAt,
		ErrorUpdatedAt: p.errorUpdatedAt,
		StaleAt:        p.staleAt,
		IsStale:        !now.Before(p.staleAt),
		Version:        p.version,
	}, true
}

// SetData writes data to an existing entry as if a fetch had just resolved
// it. Keys with neither a live nor a retained entry are ignored and SetData
// reports false.
func (c *QueryCache) SetData(key Key, data any) bool {
	var (
		snap Snapshot
		subs []*Subscription
		ok   bool
	)
	now := c.now()
	id := key.ID()

	c.entries.Compute(id, func(e *entry, loaded bool) (*entry, bool) {
		if !loaded {
			if c.retention == nil {
				return nil, true
			}
			if p, found := c.retention.Take(id); found {
				p.data = data
				p.err = nil
				p.updatedAt = now
				p.staleAt = now.Add(p.staleTime)
				p.fingerprinted = false
				p.version++
				c.retention.Park(id, p)
				ok = true
			}
			return nil, true
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		e.settleLocked(now, data, nil, 0, c.cfg.StructuralSharing)
		if e.inflight != nil {
			e.status = StatusLoading
		}
		snap = e.snapshotLocked(now)
		subs = e.subscribersLocked()
		ok = true
		return e, false
	})

	c.notify(subs, snap)
	return ok
}

// Reset returns every entry matching one of the prefixes to idle, dropping
// data and in-flight results, then refetches the ones with enabled
// subscribers. Retained entries matching a prefix are discarded.
func (c *QueryCache) Reset(prefixes ...Key) int {
	return c.reset(prefixes, true)
}

// Remove is Reset without the refetch.
func (c *QueryCache) Remove(prefixes ...Key) int {
	return c.reset(prefixes, false)
}

// Clear resets every entry without refetching and empties the retention
// store. Use it when the session ends.
func (c *QueryCache) Clear() int {
	n := c.reset([]Key{{}}, false)
	if c.retention != nil {
		c.retention.Clear()
	}
	c.logger.Debug("cache cleared", zap.Int("entries", n))
	return n
}

func (c *QueryCache) reset(prefixes []Key, refetch bool) int {
	if len(prefixes) == 0 {
		return 0
	}
	c.parking.Lock()
	defer c.parking.Unlock()

	n := 0
	for _, e := range c.liveEntries() {
		if !matchesAny(e.key, prefixes) {
			continue
		}

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		e.resetLocked()
		if refetch && e.enabledSubscribersLocked() > 0 {
			c.dispatchLocked(e, false)
		}
		snap := e.snapshotLocked(c.now())
		subs := e.subscribersLocked()
		e.mu.Unlock()

		n++
		c.notify(subs, snap)
	}

	if c.retention != nil {
		n += c.retention.DeleteWhere(func(p parkedEntry) bool {
			return matchesAny(p.key, prefixes)
		})
	}
	return n
}

// NotifyFocus refetches stale entries observed by an enabled subscription
// that opted into RefetchOnFocus. It returns the number of dispatched fetches.
func (c *QueryCache) NotifyFocus() int {
	n := 0
	now := c.now()
	for _, e := range c.liveEntries() {
		e.mu.Lock()
		wants := false
		for s := range e.subs {
			if s.refetchOnFocus && s.enabled.Load() && !s.closed.Load() {
				wants = true
				break
			}
		}
		if !wants || e.removed {
			e.mu.Unlock()
			continue
		}
		dispatched := c.activateLocked(e, now)
		snap := e.snapshotLocked(now)
		subs := e.subscribersLocked()
		e.mu.Unlock()

		if dispatched {
			n++
			c.notify(subs, snap)
		}
	}
	return n
}

// Stats returns a point in time view of the cache.
func (c *QueryCache) Stats() Stats {
	st := Stats{
		Entries:       c.entries.Size(),
		ActivePollers: int(c.pollers.Load()),
	}
	if c.retention != nil {
		st.Retained = c.retention.Size()
	}
	for _, e := range c.liveEntries() {
		e.mu.Lock()
		if e.inflight != nil {
			st.InFlight++
		}
		e.mu.Unlock()
	}
	return st
}

func (c *QueryCache) liveEntries() []*entry {
	entries := make([]*entry, 0, c.entries.Size())
	c.entries.Range(func(_ string, e *entry) bool {
		entries = append(entries, e)
		return true
	})
	return entries
}

// acquire returns the entry for key, creating it when absent. A created
// entry is rehydrated from retention only when rehydrate is set; otherwise
// the parked copy stays where it is. The caller must check entry.removed
// under its lock.
func (c *QueryCache) acquire(key Key, staleTime time.Duration, retry int, rehydrate bool) *entry {
	rehydrate = rehydrate && c.retention != nil
	if rehydrate {
		c.parking.RLock()
		defer c.parking.RUnlock()
	}

	e, _ := c.entries.Compute(key.ID(), func(old *entry, loaded bool) (*entry, bool) {
		if loaded {
			return old, false
		}
		return c.newEntry(key, staleTime, retry, rehydrate), false
	})
	c.inst.SetEntries(c.entries.Size())
	return e
}

func (c *QueryCache) newEntry(key Key, staleTime time.Duration, retry int, rehydrate bool) *entry {
	e := newEntry(key, staleTime, retry)
	if !rehydrate {
		return e
	}
	if p, ok := c.retention.Take(e.id); ok {
		e.restore(p)
		c.logger.Debug("entry rehydrated", zap.Stringer("key", key))
	}
	return e
}

// release drops e from the map once its last subscriber is gone. Entries
// holding data are parked when retention is enabled.
func (c *QueryCache) release(e *entry) {
	c.entries.Compute(e.id, func(cur *entry, loaded bool) (*entry, bool) {
		if !loaded {
			return nil, true
		}
		if cur != e {
			return cur, false
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if len(e.subs) > 0 {
			return cur, false
		}

		e.removed = true
		if e.abandonLocked() {
			c.logger.Debug("in-flight fetch abandoned", zap.Stringer("key", e.key))
		}
		if c.retention != nil && e.hasData {
			c.retention.Park(e.id, e.parkLocked())
		}
		return nil, true
	})
	c.inst.SetEntries(c.entries.Size())
}

// activateLocked fetches e unless its data is still fresh.
func (c *QueryCache) activateLocked(e *entry, now time.Time) bool {
	if e.freshLocked(now) {
		return false
	}
	return c.dispatchLocked(e, false)
}

// dispatchLocked starts a fetch for e. Without force an in-flight request
// absorbs the trigger; with force it is superseded. It reports whether a new
// request was started.
func (c *QueryCache) dispatchLocked(e *entry, force bool) bool {
	if e.inflight != nil && !force {
		c.inst.Dedup(e.key.Namespace())
		c.logger.Debug("fetch deduplicated", zap.Stringer("key", e.key), zap.Uint64("seq", e.inflight.seq))
		return false
	}
	if e.fetcher == nil {
		return false
	}

	c.life.RLock()
	if c.closed {
		c.life.RUnlock()
		return false
	}
	c.wg.Add(1)
	c.life.RUnlock()

	if e.abandonLocked() {
		c.logger.Debug("in-flight fetch superseded", zap.Stringer("key", e.key), zap.Uint64("seq", e.seq))
	}

	e.seq++
	req := &request{
		seq:     e.seq,
		done:    make(chan struct{}),
		fetcher: e.fetcher,
		retry:   e.retry,
	}
	e.inflight = req
	e.status = StatusLoading
	e.version++

	c.logger.Debug("fetch dispatched", zap.Stringer("key", e.key), zap.Uint64("seq", req.seq))
	go c.run(e, req)
	return true
}

func (c *QueryCache) run(e *entry, req *request) {
	defer c.wg.Done()

	var (
		data     any
		err      error
		failures int
	)
	for attempt := 0; ; attempt++ {
		data, err = c.fetchOnce(e.key, req.fetcher, attempt)
		if err == nil {
			break
		}
		failures++
		if attempt >= req.retry || !c.current(e, req) {
			break
		}
		c.logger.Debug("retrying fetch",
			zap.Stringer("key", e.key),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if !c.sleep(c.cfg.RetryDelay(attempt)) {
			break
		}
	}

	c.complete(e, req, data, err, failures)
}

func (c *QueryCache) fetchOnce(key Key, fetcher Fetcher, attempt int) (data any, err error) {
	ctx, done := c.inst.StartFetch(c.ctx, key.Namespace(), key.String(), attempt)
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
		done(err)
	}()
	return fetcher(ctx, key)
}

func (c *QueryCache) current(e *entry, req *request) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight == req
}

func (c *QueryCache) sleep(d time.Duration) bool {
	if d <= 0 {
		return c.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// complete applies the outcome of req unless a newer request was dispatched
// or the entry abandoned it.
func (c *QueryCache) complete(e *entry, req *request, data any, err error, failures int) {
	e.mu.Lock()
	if e.inflight != req || req.seq != e.seq {
		e.mu.Unlock()
		c.inst.Dropped(e.key.Namespace())
		c.logger.Debug("stale completion dropped", zap.Stringer("key", e.key), zap.Uint64("seq", req.seq))
		return
	}

	e.inflight = nil
	now := c.now()
	e.settleLocked(now, data, err, failures, c.cfg.StructuralSharing)
	snap := e.snapshotLocked(now)
	subs := e.subscribersLocked()
	close(req.done)
	e.mu.Unlock()

	if err != nil {
		c.logger.Warn("fetch failed",
			zap.Stringer("key", e.key),
			zap.Int("failures", snap.FailureCount),
			zap.Bool("has_data", snap.HasData),
			zap.Error(err))
	}
	c.notify(subs, snap)
}

func (c *QueryCache) notify(subs []*Subscription, snap Snapshot) {
	for _, s := range subs {
		s.deliver(snap)
	}
}
