// Package retail binds the query cache to the retail dashboard API: typed
// models, the HTTP backend, cache keys, queries with their fetch options,
// mutations with their invalidation sets and the point of sale lookup chain.
package retail

import (
	"strings"
	"time"

	"github.com/goliatone/go-query-sync/session"
	"github.com/shopspring/decimal"
)

// CashierProfile is the authenticated cashier returned by the profile
// endpoint.
type CashierProfile = session.Profile

// Page is one slice of a paginated listing.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Skip  int `json:"skip"`
	Limit int `json:"limit"`
}

// TotalItems implements pagination.Totaler.
func (p Page[T]) TotalItems() int { return p.Total }

// Customer is a loyalty program member.
type Customer struct {
	ID               int64           `json:"id"`
	Phone            string          `json:"phone"`
	Email            string          `json:"email,omitempty"`
	FirstName        string          `json:"first_name"`
	LastName         string          `json:"last_name,omitempty"`
	Status           string          `json:"status"`
	RegistrationDate time.Time       `json:"registration_date"`
	TotalPurchases   decimal.Decimal `json:"total_purchases"`
	TotalVisits      int             `json:"total_visits"`
}

// FullName joins first and last name.
func (c Customer) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Purchase is a processed sale.
type Purchase struct {
	ID              int64           `json:"id"`
	CustomerID      int64           `json:"customer_id"`
	StoreID         int64           `json:"store_id"`
	StoreName       string          `json:"store_name,omitempty"`
	PurchaseDate    time.Time       `json:"purchase_date"`
	Amount          decimal.Decimal `json:"amount"`
	DiscountApplied decimal.Decimal `json:"discount_applied"`
	BonusesUsed     decimal.Decimal `json:"bonuses_used"`
	BonusesEarned   decimal.Decimal `json:"bonuses_earned"`
	FinalAmount     decimal.Decimal `json:"final_amount"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	ReceiptNumber   string          `json:"receipt_number,omitempty"`
	ItemsCount      int             `json:"items_count,omitempty"`
}

// HistoryEntry is one audited change of a customer record.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	CustomerID int64     `json:"customer_id"`
	ChangeType string    `json:"change_type"`
	FieldName  string    `json:"field_name,omitempty"`
	OldValue   string    `json:"old_value,omitempty"`
	NewValue   string    `json:"new_value,omitempty"`
	ChangedBy  string    `json:"changed_by,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// BonusBalance is the bonus account of a customer.
type BonusBalance struct {
	ID             int64           `json:"id"`
	CustomerID     int64           `json:"customer_id"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	TotalEarned    decimal.Decimal `json:"total_earned"`
	TotalSpent     decimal.Decimal `json:"total_spent"`
}

// BonusTransaction is a credit or debit of a bonus account.
type BonusTransaction struct {
	ID              int64           `json:"id"`
	CustomerID      int64           `json:"customer_id"`
	PurchaseID      int64           `json:"purchase_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionType string          `json:"transaction_type"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Discount types.
const (
	DiscountPercentage = "percentage"
	DiscountFixed      = "fixed"
)

// DiscountRule is a configured discount.
type DiscountRule struct {
	ID                int64            `json:"id"`
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	DiscountType      string           `json:"discount_type"`
	Value             decimal.Decimal  `json:"value"`
	Status            string           `json:"status"`
	StoreID           *int64           `json:"store_id,omitempty"`
	MinPurchaseAmount *decimal.Decimal `json:"min_purchase_amount,omitempty"`
	MaxDiscountAmount *decimal.Decimal `json:"max_discount_amount,omitempty"`
}

// AppliedRule is the share of a discount contributed by one rule.
type AppliedRule struct {
	RuleID   int64           `json:"rule_id"`
	Name     string          `json:"name"`
	Discount decimal.Decimal `json:"discount"`
}

// DiscountCalculation is the priced outcome of an amount for a customer.
type DiscountCalculation struct {
	OriginalAmount decimal.Decimal `json:"original_amount"`
	TotalDiscount  decimal.Decimal `json:"total_discount"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
	BonusesEarned  decimal.Decimal `json:"bonuses_earned"`
	AppliedRules   []AppliedRule   `json:"applied_rules"`
}

// Store is a point of sale location.
type Store struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// RuleEffectiveness aggregates the purchases a rule applied to.
type RuleEffectiveness struct {
	RuleID            int64           `json:"rule_id"`
	ApplicationsCount int             `json:"applications_count"`
	TotalDiscount     decimal.Decimal `json:"total_discount"`
	TotalRevenue      decimal.Decimal `json:"total_revenue"`
}

// AnalyticsSummary aggregates the last PeriodDays days.
type AnalyticsSummary struct {
	PeriodDays            int                 `json:"period_days"`
	TotalRevenue          decimal.Decimal     `json:"total_revenue"`
	TotalDiscounts        decimal.Decimal     `json:"total_discounts"`
	TotalBonusesIssued    decimal.Decimal     `json:"total_bonuses_issued"`
	TotalBonusesSpent     decimal.Decimal     `json:"total_bonuses_spent"`
	CustomerCount         int                 `json:"customer_count"`
	PurchaseCount         int                 `json:"purchase_count"`
	AveragePurchase       decimal.Decimal     `json:"average_purchase"`
	DiscountEffectiveness []RuleEffectiveness `json:"discount_effectiveness"`
}
