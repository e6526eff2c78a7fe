package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// QueryOptions describes what a subscription observes and how it fetches.
type QueryOptions struct {
	// Key identifies the entry. Required.
	Key Key

	// Fetcher resolves the key. Required. The latest subscriber's fetcher
	// is the one used for the next dispatch.
	Fetcher Fetcher

	// Enabled gates fetching. Nil means enabled.
	Enabled *bool

	// StaleTime overrides Config.StaleTime for this entry.
	StaleTime *time.Duration

	// Retry overrides Config.Retry for this entry.
	Retry *int

	// PollInterval refetches the entry at this interval while the
	// subscription is open and enabled. Zero disables polling.
	PollInterval time.Duration

	// RefetchOnFocus opts the subscription into QueryCache.NotifyFocus.
	RefetchOnFocus bool

	// OnChange is registered as the first listener.
	OnChange func(Snapshot)
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Duration returns a pointer to d.
func Duration(d time.Duration) *time.Duration { return &d }

// Subscription is a disposable handle observing one entry. Listeners receive
// snapshots in increasing Version order on a goroutine owned by the
// subscription; intermediate versions may be coalesced.
type Subscription struct {
	id             string
	cache          *QueryCache
	entry          *entry
	key            Key
	refetchOnFocus bool

	enabled atomic.Bool
	closed  atomic.Bool

	mu           sync.Mutex
	listeners    map[uint64]func(Snapshot)
	nextListener uint64
	pending      *Snapshot
	queued       uint64
	seen         bool
	draining     bool

	pollMu       sync.Mutex
	pollInterval time.Duration
	pollStop     chan struct{}
}

// Subscribe starts observing opts.Key. A new entry is fetched immediately
// unless the subscription is disabled; an existing entry is served as is and
// refetched in the background when stale.
func (c *QueryCache) Subscribe(opts QueryOptions) (*Subscription, error) {
	if opts.Key.IsZero() {
		return nil, &ConfigError{Field: "Key", Message: "cannot be empty"}
	}
	if opts.Fetcher == nil {
		return nil, &ConfigError{Field: "Fetcher", Message: "cannot be nil"}
	}
	if opts.Retry != nil && (*opts.Retry < 0 || *opts.Retry > MaxRetry) {
		return nil, &ConfigError{Field: "Retry", Message: "must be between 0 and 10"}
	}
	if opts.StaleTime != nil && *opts.StaleTime < 0 {
		return nil, &ConfigError{Field: "StaleTime", Message: "must be non-negative"}
	}
	if c.isClosed() {
		return nil, ErrClosed
	}

	s := &Subscription{
		id:             uuid.NewString(),
		cache:          c,
		key:            opts.Key,
		refetchOnFocus: opts.RefetchOnFocus,
		listeners:      make(map[uint64]func(Snapshot)),
	}
	s.enabled.Store(opts.Enabled == nil || *opts.Enabled)
	if opts.OnChange != nil {
		s.OnChange(opts.OnChange)
	}

	staleTime, retry := c.cfg.StaleTime, c.cfg.Retry
	if opts.StaleTime != nil {
		staleTime = *opts.StaleTime
	}
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	for {
		e := c.acquire(opts.Key, staleTime, retry, s.enabled.Load())
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}

		s.entry = e
		e.subs[s] = struct{}{}
		e.fetcher = opts.Fetcher
		if opts.StaleTime != nil {
			e.staleTime = staleTime
		}
		if opts.Retry != nil {
			e.retry = retry
		}

		now := c.now()
		dispatched := false
		if s.enabled.Load() {
			dispatched = c.activateLocked(e, now)
		}
		snap := e.snapshotLocked(now)
		subs := e.subscribersLocked()
		e.mu.Unlock()

		if dispatched {
			c.notify(subs, snap)
		} else {
			s.deliver(snap)
		}
		break
	}

	if opts.PollInterval > 0 {
		s.SetPollInterval(opts.PollInterval)
	}
	return s, nil
}

// ID returns the unique subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Key returns the observed key.
func (s *Subscription) Key() Key { return s.key }

// Enabled reports whether the subscription may trigger fetches.
func (s *Subscription) Enabled() bool { return s.enabled.Load() }

// Closed reports whether Close was called.
func (s *Subscription) Closed() bool { return s.closed.Load() }

// Snapshot returns the current state of the observed entry.
func (s *Subscription) Snapshot() Snapshot {
	e := s.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(s.cache.now())
}

// OnChange registers fn and returns a function removing it.
func (s *Subscription) OnChange(fn func(Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		return func() {}
	}
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Refetch forces a new fetch, superseding any in-flight request. Disabled or
// closed subscriptions do nothing. It reports whether a fetch was started.
func (s *Subscription) Refetch() bool {
	if s.closed.Load() || !s.enabled.Load() {
		return false
	}

	c, e := s.cache, s.entry
	e.mu.Lock()
	dispatched := c.dispatchLocked(e, true)
	snap := e.snapshotLocked(c.now())
	subs := e.subscribersLocked()
	e.mu.Unlock()

	if dispatched {
		c.notify(subs, snap)
	}
	return dispatched
}

// SetEnabled toggles fetching. Enabling behaves like a fresh subscription.
// Disabling the last enabled subscription resets the entry to idle, clears
// its data and drops any in-flight result.
func (s *Subscription) SetEnabled(enabled bool) {
	if s.closed.Load() || s.enabled.Swap(enabled) == enabled {
		return
	}

	c, e := s.cache, s.entry
	e.mu.Lock()
	now := c.now()
	changed := false
	if enabled {
		changed = c.activateLocked(e, now)
	} else if e.enabledSubscribersLocked() == 0 && (e.status != StatusIdle || e.inflight != nil) {
		e.resetLocked()
		changed = true
	}
	snap := e.snapshotLocked(now)
	subs := e.subscribersLocked()
	e.mu.Unlock()

	if changed {
		c.notify(subs, snap)
	}
	s.syncPolling()
}

// SetPollInterval changes the poll interval. Zero stops polling.
func (s *Subscription) SetPollInterval(d time.Duration) {
	s.pollMu.Lock()
	if d != s.pollInterval {
		s.stopPollingLocked()
		s.pollInterval = d
	}
	s.pollMu.Unlock()
	s.syncPolling()
}

// PollInterval returns the configured poll interval.
func (s *Subscription) PollInterval() time.Duration {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	return s.pollInterval
}

// Close stops observing the entry. When no subscriber remains the entry is
// evicted (or parked for the retention window) and an in-flight result is
// dropped on arrival. Close is idempotent.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.pollMu.Lock()
	s.stopPollingLocked()
	s.pollMu.Unlock()

	s.mu.Lock()
	s.listeners = nil
	s.pending = nil
	s.mu.Unlock()

	e := s.entry
	e.mu.Lock()
	delete(e.subs, s)
	empty := len(e.subs) == 0
	e.mu.Unlock()

	if empty {
		s.cache.release(e)
	}
}

func (s *Subscription) syncPolling() {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	want := s.pollInterval > 0 && s.enabled.Load() && !s.closed.Load()
	switch {
	case want && s.pollStop == nil:
		stop := make(chan struct{})
		s.pollStop = stop
		s.cache.inst.SetPollers(int(s.cache.pollers.Add(1)))
		go s.pollLoop(s.pollInterval, stop)
	case !want:
		s.stopPollingLocked()
	}
}

func (s *Subscription) stopPollingLocked() {
	if s.pollStop == nil {
		return
	}
	close(s.pollStop)
	s.pollStop = nil
	s.cache.inst.SetPollers(int(s.cache.pollers.Add(-1)))
}

func (s *Subscription) pollLoop(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.cache.ctx.Done():
			return
		case <-t.C:
			s.poll()
		}
	}
}

// poll refetches regardless of freshness; an in-flight request absorbs it.
func (s *Subscription) poll() {
	if s.closed.Load() || !s.enabled.Load() {
		return
	}

	c, e := s.cache, s.entry
	e.mu.Lock()
	dispatched := c.dispatchLocked(e, false)
	snap := e.snapshotLocked(c.now())
	subs := e.subscribersLocked()
	e.mu.Unlock()

	if dispatched {
		c.notify(subs, snap)
	}
}

// deliver queues snap for the listeners, keeping only the newest version.
func (s *Subscription) deliver(snap Snapshot) {
	s.mu.Lock()
	if s.listeners == nil || (s.seen && snap.Version <= s.queued) {
		s.mu.Unlock()
		return
	}
	s.pending = &snap
	s.queued = snap.Version
	s.seen = true
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	go s.drain()
}

func (s *Subscription) drain() {
	for {
		s.mu.Lock()
		snap := s.pending
		if snap == nil || s.listeners == nil {
			s.draining = false
			s.mu.Unlock()
			return
		}
		s.pending = nil
		fns := make([]func(Snapshot), 0, len(s.listeners))
		for _, fn := range s.listeners {
			fns = append(fns, fn)
		}
		s.mu.Unlock()

		for _, fn := range fns {
			fn(*snap)
		}
	}
}

// await blocks until the entry has no in-flight request and returns its
// data, or the error of a fetch that resolved while waiting.
func (s *Subscription) await(ctx context.Context) (any, error) {
	e := s.entry
	waited := false
	for {
		e.mu.Lock()
		req := e.inflight
		data, hasData, err := e.data, e.hasData, e.err
		e.mu.Unlock()

		if req == nil {
			switch {
			case hasData && (!waited || err == nil):
				return data, nil
			case err != nil:
				return nil, err
			default:
				return nil, ErrNoData
			}
		}

		select {
		case <-req.done:
			waited = true
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
