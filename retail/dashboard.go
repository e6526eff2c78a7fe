package retail

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-query-sync/cache"
	"github.com/goliatone/go-query-sync/pagination"
	"go.uber.org/zap"
)

const (
	// PurchasesPollInterval refreshes an open purchase listing.
	PurchasesPollInterval = 3 * time.Second

	// DefaultAnalyticsDays is the summary window used when none is given.
	DefaultAnalyticsDays = 30
)

// Dashboard decorates a Backend with the query cache: reads are served
// through cache entries keyed by Keys, writes run as mutations that
// invalidate every entry they may have changed before returning.
type Dashboard struct {
	cache   *cache.QueryCache
	backend Backend
	logger  *zap.Logger

	CreateCustomer     *cache.Mutation[NewCustomer, Customer]
	UpdateCustomer     *cache.Mutation[CustomerUpdate, Customer]
	CreateDiscountRule *cache.Mutation[DiscountRuleInput, DiscountRule]
	UpdateDiscountRule *cache.Mutation[DiscountRuleInput, DiscountRule]
	CreateStore        *cache.Mutation[StoreInput, Store]
	UpdateStore        *cache.Mutation[StoreInput, Store]
	ProcessPurchase    *cache.Mutation[PurchaseInput, Purchase]
	// CalculateDiscount prices a sale without changing server state.
	CalculateDiscount *cache.Mutation[DiscountQuery, DiscountCalculation]
}

// NewDashboard binds backend to c. A nil logger disables logging.
func NewDashboard(c *cache.QueryCache, backend Backend, logger *zap.Logger) *Dashboard {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dashboard{cache: c, backend: backend, logger: logger.Named("retail")}

	d.CreateCustomer = logged(cache.NewMutation(c, validated(backend.CreateCustomer),
		cache.WithName("create-customer"),
		cache.WithPrefixes(namespaces(NamespaceCustomers)...),
	).InvalidateWith(func(in NewCustomer, _ Customer) []cache.Key {
		return []cache.Key{Keys.CustomerByPhone(in.Phone)}
	}), d.logger)

	d.UpdateCustomer = logged(cache.NewMutation(c, validated(backend.UpdateCustomer),
		cache.WithName("update-customer"),
		cache.WithPrefixes(namespaces(NamespaceCustomers, NamespaceCustomerByPhone)...),
	).InvalidateWith(func(in CustomerUpdate, _ Customer) []cache.Key {
		return []cache.Key{Keys.Customer(in.ID), Keys.CustomerHistory(in.ID)}
	}), d.logger)

	rules := namespaces(NamespaceDiscountRules, NamespaceAvailableDiscounts)
	d.CreateDiscountRule = logged(cache.NewMutation(c, validated(backend.CreateDiscountRule),
		cache.WithName("create-discount-rule"),
		cache.WithPrefixes(rules...),
	), d.logger)

	d.UpdateDiscountRule = logged(cache.NewMutation(c, validated(backend.UpdateDiscountRule),
		cache.WithName("update-discount-rule"),
		cache.WithPrefixes(rules...),
	), d.logger)

	d.CreateStore = logged(cache.NewMutation(c, validated(backend.CreateStore),
		cache.WithName("create-store"),
		cache.WithPrefixes(namespaces(NamespaceStores)...),
	), d.logger)

	d.UpdateStore = logged(cache.NewMutation(c, validated(backend.UpdateStore),
		cache.WithName("update-store"),
		cache.WithPrefixes(namespaces(NamespaceStores)...),
	).InvalidateWith(func(in StoreInput, _ Store) []cache.Key {
		return []cache.Key{Keys.Store(in.ID)}
	}), d.logger)

	d.ProcessPurchase = logged(cache.NewMutation(c, validated(backend.ProcessPurchase),
		cache.WithName("process-purchase"),
		cache.WithPrefixes(namespaces(
			NamespaceCustomers,
			NamespaceCustomerByPhone,
			NamespaceAvailableDiscounts,
			NamespaceAnalyticsSummary,
		)...),
	).InvalidateWith(func(in PurchaseInput, _ Purchase) []cache.Key {
		return []cache.Key{
			Keys.Customer(in.CustomerID),
			Keys.BonusBalance(in.CustomerID),
			Keys.BonusTransactions(in.CustomerID),
			Keys.Purchases(in.CustomerID),
			Keys.CustomerHistory(in.CustomerID),
		}
	}), d.logger)

	d.CalculateDiscount = cache.NewMutation(c, validated(backend.CalculateDiscount),
		cache.WithName("calculate-discount"),
	)
	return d
}

// Cache returns the query cache the dashboard reads through.
func (d *Dashboard) Cache() *cache.QueryCache { return d.cache }

// Backend returns the undecorated backend.
func (d *Dashboard) Backend() Backend { return d.backend }

func validated[In interface{ Validate() error }, Out any](fn func(context.Context, In) (Out, error)) func(context.Context, In) (Out, error) {
	return func(ctx context.Context, in In) (Out, error) {
		if err := in.Validate(); err != nil {
			var zero Out
			return zero, err
		}
		return fn(ctx, in)
	}
}

func logged[In, Out any](m *cache.Mutation[In, Out], logger *zap.Logger) *cache.Mutation[In, Out] {
	return m.OnError(func(_ In, err error) {
		logger.Warn("mutation failed", zap.String("mutation", m.Name()), zap.Error(err))
	})
}

func pageFetcher[T any](fn func(ctx context.Context, skip, limit int) (Page[T], error)) func(pagination.State) cache.Fetcher {
	return func(st pagination.State) cache.Fetcher {
		return cache.Typed(func(ctx context.Context, _ cache.Key) (Page[T], error) {
			return fn(ctx, st.Offset(), st.PageSize)
		})
	}
}

func pageState(page, size int) pagination.State {
	if size < 1 {
		size = pagination.DefaultPageSize
	}
	return pagination.State{Page: max(page, 1), PageSize: size}
}

// Query options. Each returns Key and Fetcher set; callers may add polling,
// focus refetch or listeners before subscribing.

// MeQuery observes the authenticated cashier profile.
func (d *Dashboard) MeQuery() cache.QueryOptions {
	return cache.QueryOptions{
		Key:     Keys.Me(),
		Fetcher: cache.Typed(func(ctx context.Context, _ cache.Key) (CashierProfile, error) { return d.backend.Me(ctx) }),
	}
}

// CustomerQuery observes one customer.
func (d *Dashboard) CustomerQuery(id int64) cache.QueryOptions {
	return cache.QueryOptions{
		Key: Keys.Customer(id),
		Fetcher: cache.Typed(func(ctx context.Context, _ cache.Key) (Customer, error) {
			return d.backend.GetCustomer(ctx, id)
		}),
		Enabled: cache.Bool(id > 0),
	}
}

// CustomerByPhoneQuery observes the phone lookup. It stays idle while phone
// is empty and never retries.
func (d *Dashboard) CustomerByPhoneQuery(phone string) cache.QueryOptions {
	return cache.QueryOptions{
		Key: Keys.CustomerByPhone(phone),
		Fetcher: cache.Typed(func(ctx context.Context, _ cache.Key) (Customer, error) {
			return d.backend.CustomerByPhone(ctx, phone)
		}),
		Enabled: cache.Bool(phone != ""),
		Retry:   cache.Int(0),
	}
}

// BonusBalanceQuery observes the bonus account of a customer.
func (d *Dashboard) BonusBalanceQuery(customerID int64) cache.QueryOptions {
	return cache.QueryOptions{
		Key: Keys.BonusBalance(customerID),
		Fetcher: cache.Typed(func(ctx context.Context, _ cache.Key) (BonusBalance, error) {
			return d.backend.BonusBalance(ctx, customerID)
		}),
	}
}

// AvailableDiscountsQuery observes the discounts that apply to q. It stays
// idle until q is complete.
func (d *Dashboard) AvailableDiscountsQuery(q DiscountQuery) cache.QueryOptions {
	return cache.QueryOptions{
		Key: Keys.AvailableDiscounts(q),
		Fetcher: cache.Typed(func(ctx context.Context, _ cache.Key) (DiscountCalculation, error) {
			return d.backend.AvailableDiscounts(ctx, q)
		}),
		Enabled: cache.Bool(q.Ready()),
	}
}

// AnalyticsSummaryQuery observes the summary over the last days days.
func (d *Dashboard) AnalyticsSummaryQuery(days int) cache.QueryOptions {
	if days <= 0 {
		days = DefaultAnalyticsDays
	}
	return cache.QueryOptions{
		Key: Keys.AnalyticsSummary(days),
		Fetcher: cache.Typed(func(ctx context.Context, _ cache.Key) (AnalyticsSummary, error) {
			return d.backend.AnalyticsSummary(ctx, days)
		}),
		RefetchOnFocus: true,
	}
}

// StoreQuery observes one store.
func (d *Dashboard) StoreQuery(id int64) cache.QueryOptions {
	return cache.QueryOptions{
		Key: Keys.Store(id),
		Fetcher: cache.Typed(func(ctx context.Context, _ cache.Key) (Store, error) {
			return d.backend.GetStore(ctx, id)
		}),
		Enabled: cache.Bool(id > 0),
	}
}

// Paged listings. opts supplies everything but Key and Fetcher.

// WatchCustomers keeps a subscription on the current page of customers.
func (d *Dashboard) WatchCustomers(pageSize int, opts cache.QueryOptions) (*pagination.Paged, error) {
	ctrl := pagination.NewController(Keys.Customers(), pageSize)
	return pagination.Watch(d.cache, ctrl, pageFetcher(d.backend.ListCustomers), opts)
}

// WatchPurchases keeps a subscription on the current page of purchases of a
// customer, polling every PurchasesPollInterval unless opts sets an interval.
func (d *Dashboard) WatchPurchases(customerID int64, pageSize int, opts cache.QueryOptions) (*pagination.Paged, error) {
	if opts.PollInterval == 0 {
		opts.PollInterval = PurchasesPollInterval
	}
	ctrl := pagination.NewController(Keys.Purchases(customerID), pageSize)
	return pagination.Watch(d.cache, ctrl, pageFetcher(func(ctx context.Context, skip, limit int) (Page[Purchase], error) {
		return d.backend.CustomerPurchases(ctx, customerID, skip, limit)
	}), opts)
}

// WatchCustomerHistory keeps a subscription on the current page of the
// audit trail of a customer.
func (d *Dashboard) WatchCustomerHistory(customerID int64, pageSize int, opts cache.QueryOptions) (*pagination.Paged, error) {
	ctrl := pagination.NewController(Keys.CustomerHistory(customerID), pageSize)
	return pagination.Watch(d.cache, ctrl, pageFetcher(func(ctx context.Context, skip, limit int) (Page[HistoryEntry], error) {
		return d.backend.CustomerHistory(ctx, customerID, skip, limit)
	}), opts)
}

// WatchBonusTransactions keeps a subscription on the current page of the
// bonus ledger of a customer.
func (d *Dashboard) WatchBonusTransactions(customerID int64, pageSize int, opts cache.QueryOptions) (*pagination.Paged, error) {
	ctrl := pagination.NewController(Keys.BonusTransactions(customerID), pageSize)
	return pagination.Watch(d.cache, ctrl, pageFetcher(func(ctx context.Context, skip, limit int) (Page[BonusTransaction], error) {
		return d.backend.BonusTransactions(ctx, customerID, skip, limit)
	}), opts)
}

// WatchDiscountRules keeps a subscription on the current page of rules.
func (d *Dashboard) WatchDiscountRules(pageSize int, opts cache.QueryOptions) (*pagination.Paged, error) {
	ctrl := pagination.NewController(Keys.DiscountRules(), pageSize)
	return pagination.Watch(d.cache, ctrl, pageFetcher(d.listAllRules), opts)
}

// WatchStores keeps a subscription on the current page of stores.
func (d *Dashboard) WatchStores(pageSize int, opts cache.QueryOptions) (*pagination.Paged, error) {
	ctrl := pagination.NewController(Keys.Stores(), pageSize)
	return pagination.Watch(d.cache, ctrl, pageFetcher(d.backend.ListStores), opts)
}

func (d *Dashboard) listAllRules(ctx context.Context, skip, limit int) (Page[DiscountRule], error) {
	return d.backend.ListDiscountRules(ctx, 0, skip, limit)
}

// Imperative reads. Fresh entries are served from the cache, otherwise the
// read joins or starts the fetch of the same key a subscription would use.

// Me returns the authenticated cashier profile.
func (d *Dashboard) Me(ctx context.Context) (CashierProfile, error) {
	opts := d.MeQuery()
	return cache.Query[CashierProfile](ctx, d.cache, opts)
}

// Customers returns one page of customers. page is 1 based.
func (d *Dashboard) Customers(ctx context.Context, page, pageSize int) (Page[Customer], error) {
	return readPage(ctx, d.cache, Keys.Customers(), page, pageSize, d.backend.ListCustomers)
}

// Customer returns one customer.
func (d *Dashboard) Customer(ctx context.Context, id int64) (Customer, error) {
	opts := d.CustomerQuery(id)
	return cache.Query[Customer](ctx, d.cache, opts)
}

// CustomerByPhone looks a customer up by phone number.
func (d *Dashboard) CustomerByPhone(ctx context.Context, phone string) (Customer, error) {
	if err := invalid(validation.Errors{
		"phone": validation.Validate(phone, validation.Required, phoneRule),
	}.Filter(), "invalid phone"); err != nil {
		return Customer{}, err
	}
	opts := d.CustomerByPhoneQuery(phone)
	return cache.Query[Customer](ctx, d.cache, opts)
}

// BonusBalance returns the bonus account of a customer.
func (d *Dashboard) BonusBalance(ctx context.Context, customerID int64) (BonusBalance, error) {
	opts := d.BonusBalanceQuery(customerID)
	return cache.Query[BonusBalance](ctx, d.cache, opts)
}

// Purchases returns one page of purchases of a customer.
func (d *Dashboard) Purchases(ctx context.Context, customerID int64, page, pageSize int) (Page[Purchase], error) {
	return readPage(ctx, d.cache, Keys.Purchases(customerID), page, pageSize, func(ctx context.Context, skip, limit int) (Page[Purchase], error) {
		return d.backend.CustomerPurchases(ctx, customerID, skip, limit)
	})
}

// CustomerHistory returns one page of the audit trail of a customer.
func (d *Dashboard) CustomerHistory(ctx context.Context, customerID int64, page, pageSize int) (Page[HistoryEntry], error) {
	return readPage(ctx, d.cache, Keys.CustomerHistory(customerID), page, pageSize, func(ctx context.Context, skip, limit int) (Page[HistoryEntry], error) {
		return d.backend.CustomerHistory(ctx, customerID, skip, limit)
	})
}

// DiscountRules returns one page of discount rules.
func (d *Dashboard) DiscountRules(ctx context.Context, page, pageSize int) (Page[DiscountRule], error) {
	return readPage(ctx, d.cache, Keys.DiscountRules(), page, pageSize, d.listAllRules)
}

// AvailableDiscounts prices q with the rules that apply to it.
func (d *Dashboard) AvailableDiscounts(ctx context.Context, q DiscountQuery) (DiscountCalculation, error) {
	if err := q.Validate(); err != nil {
		return DiscountCalculation{}, err
	}
	opts := d.AvailableDiscountsQuery(q)
	return cache.Query[DiscountCalculation](ctx, d.cache, opts)
}

// AnalyticsSummary returns the summary over the last days days.
func (d *Dashboard) AnalyticsSummary(ctx context.Context, days int) (AnalyticsSummary, error) {
	opts := d.AnalyticsSummaryQuery(days)
	return cache.Query[AnalyticsSummary](ctx, d.cache, opts)
}

// Stores returns one page of stores.
func (d *Dashboard) Stores(ctx context.Context, page, pageSize int) (Page[Store], error) {
	return readPage(ctx, d.cache, Keys.Stores(), page, pageSize, d.backend.ListStores)
}

// Store returns one store.
func (d *Dashboard) Store(ctx context.Context, id int64) (Store, error) {
	opts := d.StoreQuery(id)
	return cache.Query[Store](ctx, d.cache, opts)
}

func readPage[T any](ctx context.Context, c *cache.QueryCache, base cache.Key, page, pageSize int, fn func(ctx context.Context, skip, limit int) (Page[T], error)) (Page[T], error) {
	st := pageState(page, pageSize)
	key := pagination.DeriveKey(base, st.Page, st.PageSize)
	return cache.GetOrFetch[Page[T]](ctx, c, key, pageFetcher(fn)(st))
}
