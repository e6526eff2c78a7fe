package fakebackend

import (
	"time"

	"github.com/shopspring/decimal"
)

type cashier struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	FullName    string `json:"full_name"`
	StoreID     int64  `json:"store_id"`
	StoreName   string `json:"store_name"`
	IsActive    bool   `json:"is_active"`
	IsSuperuser bool   `json:"is_superuser"`

	password string
}

type customer struct {
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

type customerInput struct {
	Phone     *string `json:"phone"`
	Email     *string `json:"email"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Status    *string `json:"status"`
}

type historyEntry struct {
	ID         int64     `json:"id"`
	CustomerID int64     `json:"customer_id"`
	ChangeType string    `json:"change_type"`
	FieldName  string    `json:"field_name,omitempty"`
	OldValue   string    `json:"old_value,omitempty"`
	NewValue   string    `json:"new_value,omitempty"`
	ChangedBy  string    `json:"changed_by,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

type purchase struct {
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

	appliedRules []appliedRule
}

type bonusBalance struct {
	ID             int64           `json:"id"`
	CustomerID     int64           `json:"customer_id"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	TotalEarned    decimal.Decimal `json:"total_earned"`
	TotalSpent     decimal.Decimal `json:"total_spent"`
}

type bonusTransaction struct {
	ID              int64           `json:"id"`
	CustomerID      int64           `json:"customer_id"`
	PurchaseID      int64           `json:"purchase_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionType string          `json:"transaction_type"`
	CreatedAt       time.Time       `json:"created_at"`
}

type discountRule struct {
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

type discountRuleInput struct {
	Name              *string          `json:"name"`
	Description       *string          `json:"description"`
	DiscountType      *string          `json:"discount_type"`
	Value             *decimal.Decimal `json:"value"`
	Status            *string          `json:"status"`
	StoreID           *int64           `json:"store_id"`
	MinPurchaseAmount *decimal.Decimal `json:"min_purchase_amount"`
	MaxDiscountAmount *decimal.Decimal `json:"max_discount_amount"`
}

type appliedRule struct {
	RuleID   int64           `json:"rule_id"`
	Name     string          `json:"name"`
	Discount decimal.Decimal `json:"discount"`
}

type calculation struct {
	OriginalAmount decimal.Decimal `json:"original_amount"`
	TotalDiscount  decimal.Decimal `json:"total_discount"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
	BonusesEarned  decimal.Decimal `json:"bonuses_earned"`
	AppliedRules   []appliedRule   `json:"applied_rules"`
}

type calculationInput struct {
	CustomerID int64           `json:"customer_id"`
	StoreID    int64           `json:"store_id"`
	Amount     decimal.Decimal `json:"amount"`
}

type store struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

type storeInput struct {
	Name     *string `json:"name"`
	Address  *string `json:"address"`
	Phone    *string `json:"phone"`
	Email    *string `json:"email"`
	IsActive *bool   `json:"is_active"`
}

type ruleEffectiveness struct {
	RuleID            int64           `json:"rule_id"`
	ApplicationsCount int             `json:"applications_count"`
	TotalDiscount     decimal.Decimal `json:"total_discount"`
	TotalRevenue      decimal.Decimal `json:"total_revenue"`
}

type analyticsSummary struct {
	PeriodDays            int                 `json:"period_days"`
	TotalRevenue          decimal.Decimal     `json:"total_revenue"`
	TotalDiscounts        decimal.Decimal     `json:"total_discounts"`
	TotalBonusesIssued    decimal.Decimal     `json:"total_bonuses_issued"`
	TotalBonusesSpent     decimal.Decimal     `json:"total_bonuses_spent"`
	CustomerCount         int                 `json:"customer_count"`
	PurchaseCount         int                 `json:"purchase_count"`
	AveragePurchase       decimal.Decimal     `json:"average_purchase"`
	DiscountEffectiveness []ruleEffectiveness `json:"discount_effectiveness"`
}

type page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Skip  int `json:"skip"`
	Limit int `json:"limit"`
}

func paginate[T any](all []T, skip, limit int) page[T] {
	p := page[T]{Items: []T{}, Total: len(all), Skip: skip, Limit: limit}
	if skip >= len(all) {
		return p
	}
	end := skip + limit
	if end > len(all) {
		end = len(all)
	}
	p.Items = append(p.Items, all[skip:end]...)
	return p
}
