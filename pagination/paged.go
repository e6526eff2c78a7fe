package pagination

import (
	"sync"

	"github.com/goliatone/go-query-sync/cache"
)

// Totaler is implemented by page results that know the total item count.
type Totaler interface {
	TotalItems() int
}

// Paged keeps exactly one subscription open on the controller's current
// page and swaps it whenever the page state changes.
type Paged struct {
	cache      *cache.QueryCache
	ctrl       *Controller
	fetcherFor func(State) cache.Fetcher
	opts       cache.QueryOptions

	mu        sync.Mutex
	sub       *cache.Subscription
	key       cache.Key
	closed    bool
	listeners map[uint64]func(cache.Snapshot)
	next      uint64

	stop func()
}

// Watch subscribes to the current page of ctrl. opts supplies everything but
// Key and Fetcher, which are derived per page; its OnChange, if any, becomes
// the first listener. Results implementing Totaler feed ctrl.SetTotal.
func Watch(c *cache.QueryCache, ctrl *Controller, fetcherFor func(State) cache.Fetcher, opts cache.QueryOptions) (*Paged, error) {
	p := &Paged{
		cache:      c,
		ctrl:       ctrl,
		fetcherFor: fetcherFor,
		opts:       opts,
		listeners:  make(map[uint64]func(cache.Snapshot)),
	}
	if opts.OnChange != nil {
		p.OnChange(opts.OnChange)
	}

	if err := p.sync(); err != nil {
		return nil, err
	}
	p.stop = ctrl.OnChange(func(State) {
		// errors here mean the cache was closed; the old subscription is
		// already gone with it
		_ = p.sync()
	})
	return p, nil
}

// Controller returns the page state owner.
func (p *Paged) Controller() *Controller { return p.ctrl }

// Subscription returns the subscription on the current page.
func (p *Paged) Subscription() *cache.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sub
}

// Snapshot returns the state of the current page.
func (p *Paged) Snapshot() cache.Snapshot {
	if sub := p.Subscription(); sub != nil {
		return sub.Snapshot()
	}
	return cache.Snapshot{}
}

// Refetch forces a fetch of the current page.
func (p *Paged) Refetch() bool {
	if sub := p.Subscription(); sub != nil {
		return sub.Refetch()
	}
	return false
}

// OnChange registers fn for snapshots of whichever page is current.
func (p *Paged) OnChange(fn func(cache.Snapshot)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.next
	p.next++
	p.listeners[id] = fn

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// Close detaches from the controller and closes the page subscription.
func (p *Paged) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()

	if p.stop != nil {
		p.stop()
	}
	if sub != nil {
		sub.Close()
	}
}

// sync reads the controller state afresh so concurrent changes collapse to
// the latest page.
func (p *Paged) sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	st := p.ctrl.State()
	key := DeriveKey(p.ctrl.Base(), st.Page, st.PageSize)
	if p.sub != nil && key.Equal(p.key) {
		return nil
	}

	opts := p.opts
	opts.Key = key
	opts.Fetcher = p.fetcherFor(st)

	// holder is filled in under p.mu, forward reads it under p.mu
	holder := &pageSub{}
	opts.OnChange = func(s cache.Snapshot) { p.forward(holder, s) }
	next, err := p.cache.Subscribe(opts)
	if err != nil {
		return err
	}

	old := p.sub
	p.sub, p.key = next, key
	holder.sub = next
	if old != nil {
		old.Close()
	}
	return nil
}

type pageSub struct {
	sub *cache.Subscription
}

func (p *Paged) forward(from *pageSub, snap cache.Snapshot) {
	p.mu.Lock()
	if from.sub == nil || from.sub != p.sub {
		p.mu.Unlock()
		return
	}
	fns := make([]func(cache.Snapshot), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	if t, ok := cache.DataAs[Totaler](snap); ok {
		p.ctrl.SetTotal(t.TotalItems())
	}
	for _, fn := range fns {
		fn(snap)
	}
}
