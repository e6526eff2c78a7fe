package cache

import "sync"

// Resolver gates a dependent subscription on a predicate over upstream
// subscriptions or external inputs. While the predicate is false the
// dependent entry stays idle and nothing is fetched.
type Resolver struct {
	dependent *Subscription
	predicate func() bool

	mu      sync.Mutex
	cancels []func()
	closed  bool
	active  bool
}

// Resolve binds predicate to dependent. The predicate is evaluated now and
// every time one of the upstream subscriptions changes. Call Evaluate when
// an external input the predicate reads changes.
func (c *QueryCache) Resolve(dependent *Subscription, predicate func() bool, upstream ...*Subscription) *Resolver {
	r := &Resolver{
		dependent: dependent,
		predicate: predicate,
	}

	r.mu.Lock()
	for _, up := range upstream {
		r.cancels = append(r.cancels, up.OnChange(func(Snapshot) {
			r.Evaluate()
		}))
	}
	r.mu.Unlock()

	r.Evaluate()
	return r
}

// SubscribeWhen subscribes disabled and lets a Resolver enable the
// subscription once predicate holds.
func (c *QueryCache) SubscribeWhen(opts QueryOptions, predicate func() bool, upstream ...*Subscription) (*Subscription, *Resolver, error) {
	opts.Enabled = Bool(false)
	sub, err := c.Subscribe(opts)
	if err != nil {
		return nil, nil, err
	}
	return sub, c.Resolve(sub, predicate, upstream...), nil
}

// Evaluate re-runs the predicate and enables or disables the dependent
// subscription. It reports the predicate result.
func (r *Resolver) Evaluate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	r.active = r.predicate()
	r.dependent.SetEnabled(r.active)
	return r.active
}

// Active reports the last predicate result.
func (r *Resolver) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Close detaches the resolver from its upstream subscriptions. The dependent
// subscription keeps its current enabled state.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
}

// HasData is a predicate that holds once every subscription resolved non-nil
// data. Entries in error without data, idle or reset entries fail it.
func HasData(subs ...*Subscription) func() bool {
	return func() bool {
		for _, s := range subs {
			snap := s.Snapshot()
			if !snap.HasData || snap.Data == nil {
				return false
			}
		}
		return true
	}
}
