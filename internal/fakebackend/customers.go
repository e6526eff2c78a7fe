package fakebackend

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

func (s *Server) listCustomers(w http.ResponseWriter, r *http.Request) {
	skip, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]customer, 0, len(s.customers))
	for i := len(s.customers) - 1; i >= 0; i-- {
		all = append(all, *s.customers[i])
	}
	writeJSON(w, http.StatusOK, paginate(all, skip, limit))
}

func (s *Server) createCustomer(w http.ResponseWriter, r *http.Request) {
	var in customerInput
	if !decodeBody(w, r, &in) {
		return
	}

	var missing []fieldDetail
	if in.Phone == nil || strings.TrimSpace(*in.Phone) == "" {
		missing = append(missing, missingField("body", "phone"))
	}
	if in.FirstName == nil || strings.TrimSpace(*in.FirstName) == "" {
		missing = append(missing, missingField("body", "first_name"))
	}
	if len(missing) > 0 {
		writeFields(w, missing...)
		return
	}

	actor := s.actor(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.customerByPhoneLocked(*in.Phone) != nil {
		writeDetail(w, http.StatusBadRequest, "Customer with this phone already exists")
		return
	}

	c := &customer{
		ID:               s.idLocked(),
		Phone:            *in.Phone,
		FirstName:        *in.FirstName,
		Status:           "active",
		RegistrationDate: s.now().UTC(),
		TotalPurchases:   decimal.Zero,
	}
	applyCustomerInput(c, in)
	s.customers = append(s.customers, c)
	s.balances[c.ID] = &bonusBalance{ID: s.idLocked(), CustomerID: c.ID}
	s.recordLocked(historyEntry{CustomerID: c.ID, ChangeType: "create", ChangedBy: actor})

	writeJSON(w, http.StatusOK, c)
}

func (s *Server) getCustomer(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.customerLocked(pathID(r))
	if c == nil {
		writeDetail(w, http.StatusNotFound, "Customer not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) customerByPhone(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.customerByPhoneLocked(mux.Vars(r)["phone"])
	if c == nil {
		writeDetail(w, http.StatusNotFound, "Customer not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) updateCustomer(w http.ResponseWriter, r *http.Request) {
	var in customerInput
	if !decodeBody(w, r, &in) {
		return
	}
	actor := s.actor(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.customerLocked(pathID(r))
	if c == nil {
		writeDetail(w, http.StatusNotFound, "Customer not found")
		return
	}
	if in.Phone != nil && *in.Phone != c.Phone {
		if other := s.customerByPhoneLocked(*in.Phone); other != nil {
			writeDetail(w, http.StatusBadRequest, "Customer with this phone already exists")
			return
		}
	}

	before := *c
	applyCustomerInput(c, in)
	for _, change := range []struct{ field, old, new string }{
		{"phone", before.Phone, c.Phone},
		{"email", before.Email, c.Email},
		{"first_name", before.FirstName, c.FirstName},
		{"last_name", before.LastName, c.LastName},
		{"status", before.Status, c.Status},
	} {
		if change.old != change.new {
			s.recordLocked(historyEntry{
				CustomerID: c.ID,
				ChangeType: "update",
				FieldName:  change.field,
				OldValue:   change.old,
				NewValue:   change.new,
				ChangedBy:  actor,
			})
		}
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) customerPurchases(w http.ResponseWriter, r *http.Request) {
	skip, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := pathID(r)
	if s.customerLocked(id) == nil {
		writeDetail(w, http.StatusNotFound, "Customer not found")
		return
	}

	var all []purchase
	for i := len(s.purchases) - 1; i >= 0; i-- {
		if p := s.purchases[i]; p.CustomerID == id {
			all = append(all, *p)
		}
	}
	writeJSON(w, http.StatusOK, paginate(all, skip, limit))
}

func (s *Server) customerHistory(w http.ResponseWriter, r *http.Request) {
	skip, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := pathID(r)
	if s.customerLocked(id) == nil {
		writeDetail(w, http.StatusNotFound, "Customer not found")
		return
	}

	var all []historyEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		if h := s.history[i]; h.CustomerID == id {
			all = append(all, h)
		}
	}
	writeJSON(w, http.StatusOK, paginate(all, skip, limit))
}

func applyCustomerInput(c *customer, in customerInput) {
	if in.Phone != nil {
		c.Phone = *in.Phone
	}
	if in.Email != nil {
		c.Email = *in.Email
	}
	if in.FirstName != nil {
		c.FirstName = *in.FirstName
	}
	if in.LastName != nil {
		c.LastName = *in.LastName
	}
	if in.Status != nil {
		c.Status = *in.Status
	}
}

func (s *Server) recordLocked(h historyEntry) {
	h.ID = s.idLocked()
	h.ChangedAt = s.now().UTC()
	s.history = append(s.history, h)
}

func (s *Server) customerLocked(id int64) *customer {
	for _, c := range s.customers {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *Server) customerByPhoneLocked(phone string) *customer {
	for _, c := range s.customers {
		if c.Phone == phone {
			return c
		}
	}
	return nil
}
