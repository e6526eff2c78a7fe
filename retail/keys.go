package retail

import (
	"github.com/goliatone/go-query-sync/cache"
	"github.com/shopspring/decimal"
)

// Key namespaces. Each is also the prefix that invalidates every entry of
// the resource.
const (
	NamespaceCustomers          = "customers"
	NamespaceCustomer           = "customer"
	NamespaceCustomerByPhone    = "customer-by-phone"
	NamespaceBonusBalance       = "bonus-balance"
	NamespaceBonusTransactions  = "bonus-transactions"
	NamespacePurchases          = "purchases"
	NamespaceCustomerHistory    = "customer-history"
	NamespaceDiscountRules      = "discount-rules"
	NamespaceStores             = "stores"
	NamespaceStore              = "store"
	NamespaceAvailableDiscounts = "available-discounts"
	NamespaceAnalyticsSummary   = "analytics-summary"
	NamespaceAuth               = "auth"
)

// Keys builds the cache keys of the dashboard. Listing keys take the base
// only; pagination appends offset and limit.
var Keys keys

type keys struct{}

// Customers is the base of the paged customer listing.
func (keys) Customers() cache.Key { return cache.NewKey(NamespaceCustomers) }

// Customer addresses one customer by id.
func (keys) Customer(id int64) cache.Key { return cache.NewKey(NamespaceCustomer, id) }

// CustomerByPhone addresses the phone lookup. An empty phone yields the
// namespace prefix.
func (keys) CustomerByPhone(phone string) cache.Key {
	if phone == "" {
		return cache.NewKey(NamespaceCustomerByPhone)
	}
	return cache.NewKey(NamespaceCustomerByPhone, phone)
}

// BonusBalance addresses the bonus account of a customer.
func (keys) BonusBalance(customerID int64) cache.Key {
	return cache.NewKey(NamespaceBonusBalance, customerID)
}

// BonusTransactions is the base of the paged bonus ledger of a customer.
func (keys) BonusTransactions(customerID int64) cache.Key {
	return cache.NewKey(NamespaceBonusTransactions, customerID)
}

// Purchases is the base of the paged purchase listing of a customer.
func (keys) Purchases(customerID int64) cache.Key {
	return cache.NewKey(NamespacePurchases, customerID)
}

// CustomerHistory is the base of the paged audit trail of a customer.
func (keys) CustomerHistory(customerID int64) cache.Key {
	return cache.NewKey(NamespaceCustomerHistory, customerID)
}

// DiscountRules is the base of the paged rule listing.
func (keys) DiscountRules() cache.Key { return cache.NewKey(NamespaceDiscountRules) }

// Stores is the base of the paged store listing.
func (keys) Stores() cache.Key { return cache.NewKey(NamespaceStores) }

// Store addresses one store by id.
func (keys) Store(id int64) cache.Key { return cache.NewKey(NamespaceStore, id) }

// AvailableDiscounts addresses the priced discounts for q. Amounts are
// rendered without trailing zeros so 150.5 and 150.50 share an entry.
func (keys) AvailableDiscounts(q DiscountQuery) cache.Key {
	return cache.NewKey(NamespaceAvailableDiscounts, q.CustomerID, q.StoreID, amountSegment(q.Amount))
}

// AnalyticsSummary addresses the summary over the last days days.
func (keys) AnalyticsSummary(days int) cache.Key {
	return cache.NewKey(NamespaceAnalyticsSummary, days)
}

// Me addresses the authenticated cashier profile.
func (keys) Me() cache.Key { return cache.NewKey(NamespaceAuth, "me") }

func amountSegment(d decimal.Decimal) string {
	return d.String()
}

func namespaces(names ...string) []cache.Key {
	out := make([]cache.Key, len(names))
	for i, n := range names {
		out[i] = cache.NewKey(n)
	}
	return out
}
