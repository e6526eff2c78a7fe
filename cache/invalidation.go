package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event describes one applied invalidation.
type Event struct {
	Prefixes []Key
	// Tick is the logical clock value of the event, strictly increasing per bus.
	Tick uint64
	At   time.Time
	// Matched counts live and retained entries marked stale.
	Matched int
	// Refetched counts entries that had an enabled subscriber and were
	// refetched immediately.
	Refetched int
}

// InvalidationBus marks entries stale by key prefix.
type InvalidationBus struct {
	cache *QueryCache
	clock atomic.Uint64

	// mu serialises invalidations so ticks are applied in order
	mu sync.Mutex

	obsMu     sync.Mutex
	observers map[uint64]func(Event)
	nextObs   uint64
}

func newInvalidationBus(c *QueryCache) *InvalidationBus {
	return &InvalidationBus{
		cache:     c,
		observers: make(map[uint64]func(Event)),
	}
}

// Invalidate marks every entry whose key starts with one of the prefixes as
// stale and refetches those with an enabled subscriber, superseding any
// in-flight request. It is applied before Invalidate returns.
func (b *InvalidationBus) Invalidate(prefixes ...Key) Event {
	prefixes = dedupeKeys(prefixes)

	b.mu.Lock()
	c := b.cache
	now := c.now()
	ev := Event{
		Prefixes: prefixes,
		Tick:     b.clock.Add(1),
		At:       now,
	}

	if len(prefixes) > 0 && !c.isClosed() {
		c.parking.Lock()
		for _, e := range c.liveEntries() {
			if !matchesAny(e.key, prefixes) {
				continue
			}

			e.mu.Lock()
			if e.removed {
				e.mu.Unlock()
				continue
			}
			ev.Matched++
			e.staleAt = now
			if e.enabledSubscribersLocked() > 0 && c.dispatchLocked(e, true) {
				ev.Refetched++
			} else {
				e.version++
			}
			snap := e.snapshotLocked(now)
			subs := e.subscribersLocked()
			e.mu.Unlock()

			c.notify(subs, snap)
		}

		if c.retention != nil {
			ev.Matched += c.retention.UpdateWhere(func(p parkedEntry) (parkedEntry, bool) {
				if !matchesAny(p.key, prefixes) {
					return p, false
				}
				p.staleAt = now
				return p, true
			})
		}
		c.parking.Unlock()
	}
	b.mu.Unlock()

	c.inst.Invalidated(ev.Matched)
	c.logger.Debug("invalidated",
		zap.Uint64("tick", ev.Tick),
		zap.Stringers("prefixes", prefixes),
		zap.Int("matched", ev.Matched),
		zap.Int("refetched", ev.Refetched))

	b.publish(ev)
	return ev
}

// Tick returns the last issued logical clock value.
func (b *InvalidationBus) Tick() uint64 {
	return b.clock.Load()
}

// Events registers fn to observe every applied invalidation. Observers run
// synchronously on the invalidating goroutine, after cache locks are
// released. The returned function removes fn.
func (b *InvalidationBus) Events(fn func(Event)) func() {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()
	id := b.nextObs
	b.nextObs++
	b.observers[id] = fn

	return func() {
		b.obsMu.Lock()
		defer b.obsMu.Unlock()
		delete(b.observers, id)
	}
}

func (b *InvalidationBus) publish(ev Event) {
	b.obsMu.Lock()
	fns := make([]func(Event), 0, len(b.observers))
	for _, fn := range b.observers {
		fns = append(fns, fn)
	}
	b.obsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
