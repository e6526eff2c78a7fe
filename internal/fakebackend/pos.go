package fakebackend

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

func (s *Server) bonusBalance(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[pathID(r)]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Bonus balance not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) bonusTransactions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := pathID(r)
	out := []bonusTransaction{}
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if tx := s.transactions[i]; tx.CustomerID == id {
			out = append(out, tx)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	skip, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	var storeID int64
	if v := r.URL.Query().Get("store_id"); v != "" {
		storeID, _ = strconv.ParseInt(v, 10, 64)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var all []discountRule
	for _, rule := range s.rules {
		if storeID != 0 && rule.StoreID != nil && *rule.StoreID != storeID {
			continue
		}
		all = append(all, *rule)
	}
	writeJSON(w, http.StatusOK, paginate(all, skip, limit))
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var in discountRuleInput
	if !decodeBody(w, r, &in) {
		return
	}

	var missing []fieldDetail
	if in.Name == nil || strings.TrimSpace(*in.Name) == "" {
		missing = append(missing, missingField("body", "name"))
	}
	if in.DiscountType == nil {
		missing = append(missing, missingField("body", "discount_type"))
	}
	if in.Value == nil {
		missing = append(missing, missingField("body", "value"))
	}
	if len(missing) > 0 {
		writeFields(w, missing...)
		return
	}
	if !validDiscountType(*in.DiscountType) {
		writeDetail(w, http.StatusBadRequest, "discount_type must be percentage or fixed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rule := &discountRule{ID: s.idLocked(), Status: "active"}
	applyRuleInput(rule, in)
	s.rules = append(s.rules, rule)
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule := s.ruleLocked(pathID(r))
	if rule == nil {
		writeDetail(w, http.StatusNotFound, "Discount rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var in discountRuleInput
	if !decodeBody(w, r, &in) {
		return
	}
	if in.DiscountType != nil && !validDiscountType(*in.DiscountType) {
		writeDetail(w, http.StatusBadRequest, "discount_type must be percentage or fixed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rule := s.ruleLocked(pathID(r))
	if rule == nil {
		writeDetail(w, http.StatusNotFound, "Discount rule not found")
		return
	}
	applyRuleInput(rule, in)
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) calculate(w http.ResponseWriter, r *http.Request) {
	var in calculationInput
	if !decodeBody(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.customerLocked(in.CustomerID) == nil {
		writeDetail(w, http.StatusNotFound, "Customer not found")
		return
	}
	writeJSON(w, http.StatusOK, s.calculateLocked(in.StoreID, in.Amount))
}

func (s *Server) availableDiscounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	storeID, err := strconv.ParseInt(q.Get("store_id"), 10, 64)
	if err != nil {
		writeFields(w, missingField("query", "store_id"))
		return
	}
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeFields(w, missingField("query", "amount"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.customerLocked(pathID(r)) == nil {
		writeDetail(w, http.StatusNotFound, "Customer not found")
		return
	}
	writeJSON(w, http.StatusOK, s.calculateLocked(storeID, amount))
}

func (s *Server) processPurchase(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	customerID, errC := strconv.ParseInt(q.Get("customer_id"), 10, 64)
	storeID, errS := strconv.ParseInt(q.Get("store_id"), 10, 64)
	amount, errA := decimal.NewFromString(q.Get("amount"))

	var missing []fieldDetail
	if errC != nil {
		missing = append(missing, missingField("query", "customer_id"))
	}
	if errS != nil {
		missing = append(missing, missingField("query", "store_id"))
	}
	if errA != nil {
		missing = append(missing, missingField("query", "amount"))
	}
	if len(missing) > 0 {
		writeFields(w, missing...)
		return
	}
	if !amount.IsPositive() {
		writeDetail(w, http.StatusBadRequest, "Amount must be positive")
		return
	}

	bonusesToUse := decimal.Zero
	if v := q.Get("bonuses_to_use"); v != "" {
		parsed, err := decimal.NewFromString(v)
		if err != nil || parsed.IsNegative() {
			writeDetail(w, http.StatusBadRequest, "Invalid bonuses_to_use")
			return
		}
		bonusesToUse = parsed
	}
	itemsCount, _ := strconv.Atoi(q.Get("items_count"))

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.customerLocked(customerID)
	if c == nil {
		writeDetail(w, http.StatusNotFound, "Customer not found")
		return
	}
	st := s.storeLocked(storeID)
	if st == nil {
		writeDetail(w, http.StatusNotFound, "Store not found")
		return
	}
	balance := s.balances[customerID]
	if bonusesToUse.GreaterThan(balance.CurrentBalance) {
		writeDetail(w, http.StatusBadRequest, "Insufficient bonus balance")
		return
	}

	calc := s.calculateLocked(storeID, amount)
	final := calc.FinalAmount.Sub(bonusesToUse)
	if final.IsNegative() {
		bonusesToUse = bonusesToUse.Add(final)
		final = decimal.Zero
	}
	earned := final.Mul(BonusRate).Round(2)
	now := s.now().UTC()

	p := &purchase{
		ID:              s.idLocked(),
		CustomerID:      customerID,
		StoreID:         storeID,
		StoreName:       st.Name,
		PurchaseDate:    now,
		Amount:          amount,
		DiscountApplied: calc.TotalDiscount,
		BonusesUsed:     bonusesToUse,
		BonusesEarned:   earned,
		FinalAmount:     final,
		PaymentMethod:   q.Get("payment_method"),
		ReceiptNumber:   q.Get("receipt_number"),
		ItemsCount:      itemsCount,
		appliedRules:    calc.AppliedRules,
	}
	s.purchases = append(s.purchases, p)

	c.TotalPurchases = c.TotalPurchases.Add(final)
	c.TotalVisits++

	balance.CurrentBalance = balance.CurrentBalance.Sub(bonusesToUse).Add(earned)
	balance.TotalEarned = balance.TotalEarned.Add(earned)
	balance.TotalSpent = balance.TotalSpent.Add(bonusesToUse)
	if bonusesToUse.IsPositive() {
		s.transactions = append(s.transactions, bonusTransaction{
			ID: s.idLocked(), CustomerID: customerID, PurchaseID: p.ID,
			Amount: bonusesToUse, TransactionType: "spent", CreatedAt: now,
		})
	}
	if earned.IsPositive() {
		s.transactions = append(s.transactions, bonusTransaction{
			ID: s.idLocked(), CustomerID: customerID, PurchaseID: p.ID,
			Amount: earned, TransactionType: "earned", CreatedAt: now,
		})
	}
	s.recordLocked(historyEntry{
		CustomerID: customerID,
		ChangeType: "purchase",
		FieldName:  "total_purchases",
		NewValue:   c.TotalPurchases.String(),
		ChangedBy:  s.actorLocked(r),
	})

	writeJSON(w, http.StatusOK, p)
}

func (s *Server) analyticsSummary(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeFields(w, fieldDetail{Loc: []any{"query", "days"}, Msg: "ensure this value is greater than 0", Type: "value_error"})
			return
		}
		days = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	since := s.now().Add(-time.Duration(days) * 24 * time.Hour)

	sum := analyticsSummary{
		PeriodDays:            days,
		DiscountEffectiveness: []ruleEffectiveness{},
	}
	customers := map[int64]struct{}{}
	byRule := map[int64]*ruleEffectiveness{}
	var order []int64

	for _, p := range s.purchases {
		if p.PurchaseDate.Before(since) {
			continue
		}
		sum.PurchaseCount++
		sum.TotalRevenue = sum.TotalRevenue.Add(p.FinalAmount)
		sum.TotalDiscounts = sum.TotalDiscounts.Add(p.DiscountApplied)
		sum.TotalBonusesIssued = sum.TotalBonusesIssued.Add(p.BonusesEarned)
		sum.TotalBonusesSpent = sum.TotalBonusesSpent.Add(p.BonusesUsed)
		customers[p.CustomerID] = struct{}{}

		for _, applied := range p.appliedRules {
			eff, ok := byRule[applied.RuleID]
			if !ok {
				eff = &ruleEffectiveness{RuleID: applied.RuleID}
				byRule[applied.RuleID] = eff
				order = append(order, applied.RuleID)
			}
			eff.ApplicationsCount++
			eff.TotalDiscount = eff.TotalDiscount.Add(applied.Discount)
			eff.TotalRevenue = eff.TotalRevenue.Add(p.FinalAmount)
		}
	}
	sum.CustomerCount = len(customers)
	if sum.PurchaseCount > 0 {
		sum.AveragePurchase = sum.TotalRevenue.Div(decimal.NewFromInt(int64(sum.PurchaseCount))).Round(2)
	}
	for _, id := range order {
		sum.DiscountEffectiveness = append(sum.DiscountEffectiveness, *byRule[id])
	}
	writeJSON(w, http.StatusOK, sum)
}

// calculateLocked applies every active rule of the store to amount. The
// total discount never exceeds the amount.
func (s *Server) calculateLocked(storeID int64, amount decimal.Decimal) calculation {
	calc := calculation{OriginalAmount: amount, AppliedRules: []appliedRule{}}
	for _, rule := range s.rules {
		if rule.Status != "active" {
			continue
		}
		if rule.StoreID != nil && *rule.StoreID != storeID {
			continue
		}
		if rule.MinPurchaseAmount != nil && amount.LessThan(*rule.MinPurchaseAmount) {
			continue
		}

		var discount decimal.Decimal
		switch rule.DiscountType {
		case "percentage":
			discount = amount.Mul(rule.Value).Div(hundred).Round(2)
		case "fixed":
			discount = rule.Value
		}
		if rule.MaxDiscountAmount != nil && discount.GreaterThan(*rule.MaxDiscountAmount) {
			discount = *rule.MaxDiscountAmount
		}
		if !discount.IsPositive() {
			continue
		}
		calc.TotalDiscount = calc.TotalDiscount.Add(discount)
		calc.AppliedRules = append(calc.AppliedRules, appliedRule{RuleID: rule.ID, Name: rule.Name, Discount: discount})
	}
	if calc.TotalDiscount.GreaterThan(amount) {
		calc.TotalDiscount = amount
	}
	calc.FinalAmount = amount.Sub(calc.TotalDiscount)
	calc.BonusesEarned = calc.FinalAmount.Mul(BonusRate).Round(2)
	return calc
}

// actorLocked resolves the caller while s.mu is held.
func (s *Server) actorLocked(r *http.Request) string {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return s.tokens[token]
}

func (s *Server) ruleLocked(id int64) *discountRule {
	for _, rule := range s.rules {
		if rule.ID == id {
			return rule
		}
	}
	return nil
}

func validDiscountType(t string) bool {
	return t == "percentage" || t == "fixed"
}

func applyRuleInput(rule *discountRule, in discountRuleInput) {
	if in.Name != nil {
		rule.Name = *in.Name
	}
	if in.Description != nil {
		rule.Description = *in.Description
	}
	if in.DiscountType != nil {
		rule.DiscountType = *in.DiscountType
	}
	if in.Value != nil {
		rule.Value = *in.Value
	}
	if in.Status != nil {
		rule.Status = *in.Status
	}
	if in.StoreID != nil {
		rule.StoreID = in.StoreID
	}
	if in.MinPurchaseAmount != nil {
		rule.MinPurchaseAmount = in.MinPurchaseAmount
	}
	if in.MaxDiscountAmount != nil {
		rule.MaxDiscountAmount = in.MaxDiscountAmount
	}
}
