package retail

import (
	"errors"
	"net/url"
	"regexp"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/shopspring/decimal"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

// phoneRule accepts international numbers such as +996555123456.
var phoneRule = validation.Match(phonePattern).Error("must be a phone number such as +996555123456")

// decimalOf unwraps decimal and *decimal values. A nil pointer reports false.
func decimalOf(value any) (decimal.Decimal, bool) {
	switch d := value.(type) {
	case decimal.Decimal:
		return d, true
	case *decimal.Decimal:
		if d == nil {
			return decimal.Zero, false
		}
		return *d, true
	}
	return decimal.Zero, false
}

func positive(value any) error {
	if d, ok := decimalOf(value); ok && !d.IsPositive() {
		return errors.New("must be greater than 0")
	}
	return nil
}

func nonNegative(value any) error {
	if d, ok := decimalOf(value); ok && d.IsNegative() {
		return errors.New("must not be negative")
	}
	return nil
}

func atMostPercent(value any) error {
	if d, ok := decimalOf(value); ok && d.GreaterThan(decimal.NewFromInt(100)) {
		return errors.New("must not exceed 100 percent")
	}
	return nil
}

func invalid(err error, message string) error {
	if err == nil {
		return nil
	}
	return goerrors.FromOzzoValidation(err, message)
}

// NewCustomer is the payload to register a customer.
type NewCustomer struct {
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Validate checks the payload before it reaches the API.
func (c NewCustomer) Validate() error {
	return invalid(validation.ValidateStruct(&c,
		validation.Field(&c.Phone, validation.Required, phoneRule),
		validation.Field(&c.FirstName, validation.Required, validation.Length(1, 100)),
		validation.Field(&c.LastName, validation.Length(0, 100)),
		validation.Field(&c.Email, is.EmailFormat),
	), "invalid customer")
}

// CustomerUpdate changes the non-nil fields of customer ID.
type CustomerUpdate struct {
	ID        int64   `json:"-"`
	Phone     *string `json:"phone,omitempty"`
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Email     *string `json:"email,omitempty"`
	Status    *string `json:"status,omitempty"`
}

// Validate checks the payload before it reaches the API.
func (c CustomerUpdate) Validate() error {
	return invalid(validation.ValidateStruct(&c,
		validation.Field(&c.ID, validation.Required),
		validation.Field(&c.Phone, validation.NilOrNotEmpty, phoneRule),
		validation.Field(&c.FirstName, validation.NilOrNotEmpty, validation.Length(1, 100)),
		validation.Field(&c.Email, is.EmailFormat),
		validation.Field(&c.Status, validation.In("active", "inactive", "blocked")),
	), "invalid customer update")
}

// DiscountRuleInput creates a rule, or updates rule ID when set.
type DiscountRuleInput struct {
	ID                int64            `json:"-"`
	Name              string           `json:"name,omitempty"`
	Description       string           `json:"description,omitempty"`
	DiscountType      string           `json:"discount_type,omitempty"`
	Value             *decimal.Decimal `json:"value,omitempty"`
	Status            string           `json:"status,omitempty"`
	StoreID           *int64           `json:"store_id,omitempty"`
	MinPurchaseAmount *decimal.Decimal `json:"min_purchase_amount,omitempty"`
	MaxDiscountAmount *decimal.Decimal `json:"max_discount_amount,omitempty"`
}

// Validate checks the payload before it reaches the API.
func (r DiscountRuleInput) Validate() error {
	creating := r.ID == 0
	return invalid(validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.When(creating, validation.Required), validation.Length(0, 200)),
		validation.Field(&r.DiscountType,
			validation.When(creating, validation.Required),
			validation.In(DiscountPercentage, DiscountFixed)),
		validation.Field(&r.Value,
			validation.When(creating, validation.Required),
			validation.By(positive),
			validation.When(r.DiscountType == DiscountPercentage, validation.By(atMostPercent))),
		validation.Field(&r.MinPurchaseAmount, validation.By(nonNegative)),
		validation.Field(&r.MaxDiscountAmount, validation.By(positive)),
		validation.Field(&r.Status, validation.In("active", "inactive")),
	), "invalid discount rule")
}

// StoreInput creates a store, or updates store ID when set.
type StoreInput struct {
	ID       int64  `json:"-"`
	Name     string `json:"name,omitempty"`
	Address  string `json:"address,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
	IsActive *bool  `json:"is_active,omitempty"`
}

// Validate checks the payload before it reaches the API.
func (s StoreInput) Validate() error {
	return invalid(validation.ValidateStruct(&s,
		validation.Field(&s.Name, validation.When(s.ID == 0, validation.Required), validation.Length(0, 200)),
		validation.Field(&s.Phone, phoneRule),
		validation.Field(&s.Email, is.EmailFormat),
	), "invalid store")
}

// DiscountQuery prices Amount for a customer in a store.
type DiscountQuery struct {
	CustomerID int64           `json:"customer_id"`
	StoreID    int64           `json:"store_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// Validate checks every field is set.
func (q DiscountQuery) Validate() error {
	return invalid(validation.ValidateStruct(&q,
		validation.Field(&q.CustomerID, validation.Required),
		validation.Field(&q.StoreID, validation.Required),
		validation.Field(&q.Amount, validation.By(positive)),
	), "invalid discount query")
}

// Ready reports whether the query can be sent.
func (q DiscountQuery) Ready() bool {
	return q.CustomerID > 0 && q.StoreID > 0 && q.Amount.IsPositive()
}

// PurchaseInput is a sale to process at the point of sale.
type PurchaseInput struct {
	CustomerID    int64
	StoreID       int64
	Amount        decimal.Decimal
	BonusesToUse  decimal.Decimal
	PaymentMethod string
	ItemsCount    int
	ReceiptNumber string
}

// Validate checks the sale before it reaches the API.
func (p PurchaseInput) Validate() error {
	return invalid(validation.ValidateStruct(&p,
		validation.Field(&p.CustomerID, validation.Required),
		validation.Field(&p.StoreID, validation.Required),
		validation.Field(&p.Amount, validation.By(positive)),
		validation.Field(&p.BonusesToUse, validation.By(nonNegative)),
		validation.Field(&p.PaymentMethod, validation.In("cash", "card", "mixed")),
		validation.Field(&p.ItemsCount, validation.Min(0)),
	), "invalid purchase")
}

// Query encodes the sale as the query string the endpoint expects.
func (p PurchaseInput) Query() url.Values {
	q := url.Values{}
	q.Set("customer_id", strconv.FormatInt(p.CustomerID, 10))
	q.Set("store_id", strconv.FormatInt(p.StoreID, 10))
	q.Set("amount", p.Amount.String())
	if !p.BonusesToUse.IsZero() {
		q.Set("bonuses_to_use", p.BonusesToUse.String())
	}
	if p.PaymentMethod != "" {
		q.Set("payment_method", p.PaymentMethod)
	}
	if p.ItemsCount > 0 {
		q.Set("items_count", strconv.Itoa(p.ItemsCount))
	}
	if p.ReceiptNumber != "" {
		q.Set("receipt_number", p.ReceiptNumber)
	}
	return q
}
