package retail

import (
	"context"
	"net/url"
	"strconv"
)

// Backend is the retail REST API. Every method is a single round trip; the
// Dashboard decides what is cached and what is invalidated.
type Backend interface {
	Me(ctx context.Context) (CashierProfile, error)

	ListCustomers(ctx context.Context, skip, limit int) (Page[Customer], error)
	GetCustomer(ctx context.Context, id int64) (Customer, error)
	CustomerByPhone(ctx context.Context, phone string) (Customer, error)
	CreateCustomer(ctx context.Context, in NewCustomer) (Customer, error)
	UpdateCustomer(ctx context.Context, in CustomerUpdate) (Customer, error)
	CustomerPurchases(ctx context.Context, id int64, skip, limit int) (Page[Purchase], error)
	CustomerHistory(ctx context.Context, id int64, skip, limit int) (Page[HistoryEntry], error)

	BonusBalance(ctx context.Context, customerID int64) (BonusBalance, error)
	BonusTransactions(ctx context.Context, customerID int64, skip, limit int) (Page[BonusTransaction], error)

	ListDiscountRules(ctx context.Context, storeID int64, skip, limit int) (Page[DiscountRule], error)
	CreateDiscountRule(ctx context.Context, in DiscountRuleInput) (DiscountRule, error)
	UpdateDiscountRule(ctx context.Context, in DiscountRuleInput) (DiscountRule, error)
	CalculateDiscount(ctx context.Context, q DiscountQuery) (DiscountCalculation, error)
	AvailableDiscounts(ctx context.Context, q DiscountQuery) (DiscountCalculation, error)

	ProcessPurchase(ctx context.Context, in PurchaseInput) (Purchase, error)
	AnalyticsSummary(ctx context.Context, days int) (AnalyticsSummary, error)

	ListStores(ctx context.Context, skip, limit int) (Page[Store], error)
	GetStore(ctx context.Context, id int64) (Store, error)
	CreateStore(ctx context.Context, in StoreInput) (Store, error)
	UpdateStore(ctx context.Context, in StoreInput) (Store, error)
}

// API is the JSON transport HTTPBackend speaks through. *transport.Client
// implements it.
type API interface {
	Get(ctx context.Context, path string, query url.Values, out any) error
	Post(ctx context.Context, path string, query url.Values, body, out any) error
	Put(ctx context.Context, path string, body, out any) error
}

// HTTPBackend implements Backend over the REST endpoints.
type HTTPBackend struct {
	api API
}

var _ Backend = (*HTTPBackend)(nil)

// NewHTTPBackend creates a Backend on top of api.
func NewHTTPBackend(api API) *HTTPBackend {
	return &HTTPBackend{api: api}
}

func pageQuery(skip, limit int) url.Values {
	return url.Values{
		"skip":  {strconv.Itoa(skip)},
		"limit": {strconv.Itoa(limit)},
	}
}

func idPath(prefix string, id int64, suffix string) string {
	return prefix + strconv.FormatInt(id, 10) + suffix
}

func get[T any](ctx context.Context, api API, path string, query url.Values) (T, error) {
	var out T
	err := api.Get(ctx, path, query, &out)
	return out, err
}

func post[T any](ctx context.Context, api API, path string, query url.Values, body any) (T, error) {
	var out T
	err := api.Post(ctx, path, query, body, &out)
	return out, err
}

func put[T any](ctx context.Context, api API, path string, body any) (T, error) {
	var out T
	err := api.Put(ctx, path, body, &out)
	return out, err
}

// Me implements Backend.
func (b *HTTPBackend) Me(ctx context.Context) (CashierProfile, error) {
	return get[CashierProfile](ctx, b.api, "auth/me", nil)
}

// ListCustomers implements Backend.
func (b *HTTPBackend) ListCustomers(ctx context.Context, skip, limit int) (Page[Customer], error) {
	return get[Page[Customer]](ctx, b.api, "customers/", pageQuery(skip, limit))
}

// GetCustomer implements Backend.
func (b *HTTPBackend) GetCustomer(ctx context.Context, id int64) (Customer, error) {
	return get[Customer](ctx, b.api, idPath("customers/", id, ""), nil)
}

// CustomerByPhone implements Backend.
func (b *HTTPBackend) CustomerByPhone(ctx context.Context, phone string) (Customer, error) {
	return get[Customer](ctx, b.api, "customers/phone/"+phone, nil)
}

// CreateCustomer implements Backend.
func (b *HTTPBackend) CreateCustomer(ctx context.Context, in NewCustomer) (Customer, error) {
	return post[Customer](ctx, b.api, "customers/", nil, in)
}

// UpdateCustomer implements Backend.
func (b *HTTPBackend) UpdateCustomer(ctx context.Context, in CustomerUpdate) (Customer, error) {
	return put[Customer](ctx, b.api, idPath("customers/", in.ID, ""), in)
}

// CustomerPurchases implements Backend.
func (b *HTTPBackend) CustomerPurchases(ctx context.Context, id int64, skip, limit int) (Page[Purchase], error) {
	return get[Page[Purchase]](ctx, b.api, idPath("customers/", id, "/purchases"), pageQuery(skip, limit))
}

// CustomerHistory implements Backend.
func (b *HTTPBackend) CustomerHistory(ctx context.Context, id int64, skip, limit int) (Page[HistoryEntry], error) {
	return get[Page[HistoryEntry]](ctx, b.api, idPath("customers/", id, "/history"), pageQuery(skip, limit))
}

// BonusBalance implements Backend.
func (b *HTTPBackend) BonusBalance(ctx context.Context, customerID int64) (BonusBalance, error) {
	return get[BonusBalance](ctx, b.api, idPath("bonuses/", customerID, "/balance"), nil)
}

// BonusTransactions implements Backend.
func (b *HTTPBackend) BonusTransactions(ctx context.Context, customerID int64, skip, limit int) (Page[BonusTransaction], error) {
	return get[Page[BonusTransaction]](ctx, b.api, idPath("bonuses/", customerID, "/transactions"), pageQuery(skip, limit))
}

// ListDiscountRules implements Backend. A zero storeID lists every rule.
func (b *HTTPBackend) ListDiscountRules(ctx context.Context, storeID int64, skip, limit int) (Page[DiscountRule], error) {
	q := pageQuery(skip, limit)
	if storeID > 0 {
		q.Set("store_id", strconv.FormatInt(storeID, 10))
	}
	return get[Page[DiscountRule]](ctx, b.api, "discounts/rules", q)
}

// CreateDiscountRule implements Backend.
func (b *HTTPBackend) CreateDiscountRule(ctx context.Context, in DiscountRuleInput) (DiscountRule, error) {
	return post[DiscountRule](ctx, b.api, "discounts/rules", nil, in)
}

// UpdateDiscountRule implements Backend.
func (b *HTTPBackend) UpdateDiscountRule(ctx context.Context, in DiscountRuleInput) (DiscountRule, error) {
	return put[DiscountRule](ctx, b.api, idPath("discounts/rules/", in.ID, ""), in)
}

// CalculateDiscount implements Backend.
func (b *HTTPBackend) CalculateDiscount(ctx context.Context, q DiscountQuery) (DiscountCalculation, error) {
	return post[DiscountCalculation](ctx, b.api, "discounts/calculate", nil, q)
}

// AvailableDiscounts implements Backend.
func (b *HTTPBackend) AvailableDiscounts(ctx context.Context, q DiscountQuery) (DiscountCalculation, error) {
	query := url.Values{
		"store_id": {strconv.FormatInt(q.StoreID, 10)},
		"amount":   {q.Amount.String()},
	}
	return get[DiscountCalculation](ctx, b.api, idPath("pos/customer/", q.CustomerID, "/available-discounts"), query)
}

// ProcessPurchase implements Backend.
func (b *HTTPBackend) ProcessPurchase(ctx context.Context, in PurchaseInput) (Purchase, error) {
	return post[Purchase](ctx, b.api, "pos/process-purchase", in.Query(), nil)
}

// AnalyticsSummary implements Backend.
func (b *HTTPBackend) AnalyticsSummary(ctx context.Context, days int) (AnalyticsSummary, error) {
	return get[AnalyticsSummary](ctx, b.api, "analytics/summary", url.Values{"days": {strconv.Itoa(days)}})
}

// ListStores implements Backend.
func (b *HTTPBackend) ListStores(ctx context.Context, skip, limit int) (Page[Store], error) {
	return get[Page[Store]](ctx, b.api, "stores/", pageQuery(skip, limit))
}

// GetStore implements Backend.
func (b *HTTPBackend) GetStore(ctx context.Context, id int64) (Store, error) {
	return get[Store](ctx, b.api, idPath("stores/", id, ""), nil)
}

// CreateStore implements Backend.
func (b *HTTPBackend) CreateStore(ctx context.Context, in StoreInput) (Store, error) {
	return post[Store](ctx, b.api, "stores/", nil, in)
}

// UpdateStore implements Backend.
func (b *HTTPBackend) UpdateStore(ctx context.Context, in StoreInput) (Store, error) {
	return put[Store](ctx, b.api, idPath("stores/", in.ID, ""), in)
}
