package retail

import (
	"sync"

	"github.com/goliatone/go-query-sync/cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// POSState is what the point of sale screen shows for the current phone.
type POSState struct {
	Phone     string
	Customer  cache.Snapshot
	Balance   cache.Snapshot
	Discounts cache.Snapshot
}

// CustomerData returns the resolved customer, if any.
func (s POSState) CustomerData() (Customer, bool) {
	return cache.DataAs[Customer](s.Customer)
}

// BalanceData returns the resolved bonus balance, if any.
func (s POSState) BalanceData() (BonusBalance, bool) {
	return cache.DataAs[BonusBalance](s.Balance)
}

// DiscountsData returns the resolved discount calculation, if any.
func (s POSState) DiscountsData() (DiscountCalculation, bool) {
	return cache.DataAs[DiscountCalculation](s.Discounts)
}

// POSLookup chains the point of sale queries: the phone lookup runs once a
// phone is set, the bonus balance once the customer resolved, and the
// available discounts once the customer resolved and an amount and store are
// set. Changing an input replaces only the queries that depend on it.
type POSLookup struct {
	dash   *Dashboard
	logger *zap.Logger

	mu         sync.Mutex
	closed     bool
	phone      string
	storeID    int64
	amount     decimal.Decimal
	customerID int64

	customer    *cache.Subscription
	balance     *cache.Subscription
	balanceRes  *cache.Resolver
	discounts   *cache.Subscription
	discountRes *cache.Resolver

	listeners map[uint64]func(POSState)
	next      uint64
}

// NewPOSLookup starts an idle lookup for sales in storeID.
func (d *Dashboard) NewPOSLookup(storeID int64) *POSLookup {
	return &POSLookup{
		dash:      d,
		logger:    d.logger.Named("pos"),
		storeID:   storeID,
		listeners: make(map[uint64]func(POSState)),
	}
}

// OnChange registers fn for every state transition and returns a function
// removing it. fn runs on a cache delivery goroutine.
func (p *POSLookup) OnChange(fn func(POSState)) func() {
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

// State returns the current snapshots.
func (p *POSLookup) State() POSState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

// SetPhone looks up phone, replacing the previous lookup and everything
// that depended on it. An empty phone leaves the lookup idle.
func (p *POSLookup) SetPhone(phone string) error {
	p.mu.Lock()
	if p.closed || phone == p.phone {
		p.mu.Unlock()
		return nil
	}
	p.closeDependentsLocked()
	if p.customer != nil {
		p.customer.Close()
		p.customer = nil
	}
	p.phone = phone

	var err error
	if phone != "" {
		opts := p.dash.CustomerByPhoneQuery(phone)
		holder := &subHolder{}
		opts.OnChange = func(snap cache.Snapshot) { p.customerChanged(holder, snap) }
		p.customer, err = p.dash.cache.Subscribe(opts)
		holder.sub = p.customer
	}
	state, fns := p.stateLocked(), p.listenersLocked()
	p.mu.Unlock()

	p.emit(fns, state)
	return err
}

// SetAmount prices the sale amount against the resolved customer.
func (p *POSLookup) SetAmount(amount decimal.Decimal) error {
	return p.updateDiscounts(func() bool {
		if amount.Equal(p.amount) {
			return false
		}
		p.amount = amount
		return true
	})
}

// SetStore moves the lookup to another store.
func (p *POSLookup) SetStore(storeID int64) error {
	return p.updateDiscounts(func() bool {
		if storeID == p.storeID {
			return false
		}
		p.storeID = storeID
		return true
	})
}

// Query returns the discount query for the current inputs.
func (p *POSLookup) Query() DiscountQuery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queryLocked()
}

// Close releases every subscription. Close is idempotent.
func (p *POSLookup) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.closeDependentsLocked()
	if p.customer != nil {
		p.customer.Close()
		p.customer = nil
	}
	p.listeners = map[uint64]func(POSState){}
}

type subHolder struct {
	sub *cache.Subscription
}

func (p *POSLookup) updateDiscounts(change func() bool) error {
	p.mu.Lock()
	if p.closed || !change() {
		p.mu.Unlock()
		return nil
	}
	var err error
	if p.customerID != 0 {
		err = p.bindDiscountsLocked()
	}
	state, fns := p.stateLocked(), p.listenersLocked()
	p.mu.Unlock()

	p.emit(fns, state)
	return err
}

func (p *POSLookup) customerChanged(from *subHolder, snap cache.Snapshot) {
	p.mu.Lock()
	if p.closed || from.sub == nil || from.sub != p.customer {
		p.mu.Unlock()
		return
	}

	c, ok := cache.DataAs[Customer](snap)
	switch {
	case !ok:
		// a refetch keeps the previous data, so this is a miss or a reset
		if !snap.IsFetching {
			p.closeDependentsLocked()
		}
	case c.ID != p.customerID:
		p.closeDependentsLocked()
		p.customerID = c.ID
		if err := p.bindBalanceLocked(); err != nil {
			p.logger.Warn("bind bonus balance", zap.Int64("customer_id", c.ID), zap.Error(err))
		}
		if err := p.bindDiscountsLocked(); err != nil {
			p.logger.Warn("bind available discounts", zap.Int64("customer_id", c.ID), zap.Error(err))
		}
	}
	state, fns := p.stateLocked(), p.listenersLocked()
	p.mu.Unlock()

	p.emit(fns, state)
}

func (p *POSLookup) dependentChanged(from *subHolder, _ cache.Snapshot) {
	p.mu.Lock()
	if p.closed || from.sub == nil || (from.sub != p.balance && from.sub != p.discounts) {
		p.mu.Unlock()
		return
	}
	state, fns := p.stateLocked(), p.listenersLocked()
	p.mu.Unlock()

	p.emit(fns, state)
}

// Predicates read only captured values: resolvers evaluate them while
// holding their own lock, which Close takes under p.mu.

func (p *POSLookup) bindBalanceLocked() error {
	opts := p.dash.BonusBalanceQuery(p.customerID)
	holder := &subHolder{}
	opts.OnChange = func(snap cache.Snapshot) { p.dependentChanged(holder, snap) }

	upstream := p.customer
	sub, res, err := p.dash.cache.SubscribeWhen(opts, cache.HasData(upstream), upstream)
	if err != nil {
		return err
	}
	p.balance, p.balanceRes = sub, res
	holder.sub = sub
	return nil
}

func (p *POSLookup) bindDiscountsLocked() error {
	if p.discountRes != nil {
		p.discountRes.Close()
		p.discountRes = nil
	}
	if p.discounts != nil {
		p.discounts.Close()
		p.discounts = nil
	}

	q := p.queryLocked()
	opts := p.dash.AvailableDiscountsQuery(q)
	holder := &subHolder{}
	opts.OnChange = func(snap cache.Snapshot) { p.dependentChanged(holder, snap) }

	upstream := p.customer
	hasCustomer := cache.HasData(upstream)
	ready := q.Ready()
	sub, res, err := p.dash.cache.SubscribeWhen(opts, func() bool {
		return ready && hasCustomer()
	}, upstream)
	if err != nil {
		return err
	}
	p.discounts, p.discountRes = sub, res
	holder.sub = sub
	return nil
}

func (p *POSLookup) closeDependentsLocked() {
	for _, res := range []*cache.Resolver{p.balanceRes, p.discountRes} {
		if res != nil {
			res.Close()
		}
	}
	for _, sub := range []*cache.Subscription{p.balance, p.discounts} {
		if sub != nil {
			sub.Close()
		}
	}
	p.balance, p.balanceRes = nil, nil
	p.discounts, p.discountRes = nil, nil
	p.customerID = 0
}

func (p *POSLookup) queryLocked() DiscountQuery {
	return DiscountQuery{CustomerID: p.customerID, StoreID: p.storeID, Amount: p.amount}
}

func (p *POSLookup) stateLocked() POSState {
	st := POSState{Phone: p.phone}
	if p.customer != nil {
		st.Customer = p.customer.Snapshot()
	}
	if p.balance != nil {
		st.Balance = p.balance.Snapshot()
	}
	if p.discounts != nil {
		st.Discounts = p.discounts.Snapshot()
	}
	return st
}

func (p *POSLookup) listenersLocked() []func(POSState) {
	fns := make([]func(POSState), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func (p *POSLookup) emit(fns []func(POSState), state POSState) {
	for _, fn := range fns {
		fn(state)
	}
}
