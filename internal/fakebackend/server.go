// Package fakebackend is an in-process rendition of the retail REST API used
// by tests, the example program and local CLI runs. It keeps state in memory,
// answers with the same payload shapes and error envelopes as the real
// service and counts calls per route.
package fakebackend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BonusRate is the share of the paid amount credited as bonuses.
var BonusRate = decimal.RequireFromString("0.01")

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithLatency delays every response.
func WithLatency(d time.Duration) Option {
	return func(s *Server) { s.latency = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

type failure struct {
	status int
	detail string
}

// Server is the fake API. Mount Handler under any host; routes live below
// /api.
type Server struct {
	router  *mux.Router
	logger  *zap.Logger
	latency time.Duration
	now     func() time.Time

	mu           sync.Mutex
	nextID       int64
	cashiers     map[string]*cashier
	tokens       map[string]string
	customers    []*customer
	history      []historyEntry
	purchases    []*purchase
	balances     map[int64]*bonusBalance
	transactions []bonusTransaction
	rules        []*discountRule
	stores       []*store
	calls        map[string]int
	failures     map[string][]failure
}

// New creates a Server seeded with one store and one cashier account
// ("cashier"/"secret").
func New(opts ...Option) *Server {
	s := &Server{
		logger:   zap.NewNop(),
		now:      time.Now,
		cashiers: make(map[string]*cashier),
		tokens:   make(map[string]string),
		balances: make(map[int64]*bonusBalance),
		calls:    make(map[string]int),
		failures: make(map[string][]failure),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mu.Lock()
	s.addStoreLocked(store{Name: "Main Store", Address: "Chui Ave 1", IsActive: true})
	s.mu.Unlock()
	s.AddCashier("cashier", "secret", false)

	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// AddCashier registers an account bound to the first store.
func (s *Server) AddCashier(username, password string, superuser bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := &cashier{
		ID:          s.nextID,
		Username:    username,
		FullName:    strings.ToUpper(username[:1]) + username[1:],
		IsActive:    true,
		IsSuperuser: superuser,
		password:    password,
	}
	if len(s.stores) > 0 {
		c.StoreID = s.stores[0].ID
		c.StoreName = s.stores[0].Name
	}
	s.cashiers[username] = c
}

// IssueToken returns a valid bearer token for username without a login
// round trip.
func (s *Server) IssueToken(username string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := uuid.NewString()
	s.tokens[token] = username
	return token
}

// RevokeTokens invalidates every issued token.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]string)
}

// Calls returns how many requests reached the named route.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// FailNext makes the next request to route answer status with detail.
func (s *Server) FailNext(route string, status int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], failure{status: status, detail: detail})
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.observe, s.authenticate)

	api.HandleFunc("/auth/login", s.login).Methods(http.MethodPost).Name("auth.login")
	api.HandleFunc("/auth/me", s.me).Methods(http.MethodGet).Name("auth.me")

	api.HandleFunc("/customers/", s.listCustomers).Methods(http.MethodGet).Name("customers.list")
	api.HandleFunc("/customers/", s.createCustomer).Methods(http.MethodPost).Name("customers.create")
	api.HandleFunc("/customers/phone/{phone}", s.customerByPhone).Methods(http.MethodGet).Name("customers.by-phone")
	api.HandleFunc("/customers/{id:[0-9]+}", s.getCustomer).Methods(http.MethodGet).Name("customers.get")
	api.HandleFunc("/customers/{id:[0-9]+}", s.updateCustomer).Methods(http.MethodPut).Name("customers.update")
	api.HandleFunc("/customers/{id:[0-9]+}/purchases", s.customerPurchases).Methods(http.MethodGet).Name("customers.purchases")
	api.HandleFunc("/customers/{id:[0-9]+}/history", s.customerHistory).Methods(http.MethodGet).Name("customers.history")

	api.HandleFunc("/bonuses/{id:[0-9]+}/balance", s.bonusBalance).Methods(http.MethodGet).Name("bonuses.balance")
	api.HandleFunc("/bonuses/{id:[0-9]+}/transactions", s.bonusTransactions).Methods(http.MethodGet).Name("bonuses.transactions")

	api.HandleFunc("/discounts/rules", s.listRules).Methods(http.MethodGet).Name("discounts.list")
	api.HandleFunc("/discounts/rules", s.createRule).Methods(http.MethodPost).Name("discounts.create")
	api.HandleFunc("/discounts/rules/{id:[0-9]+}", s.getRule).Methods(http.MethodGet).Name("discounts.get")
	api.HandleFunc("/discounts/rules/{id:[0-9]+}", s.updateRule).Methods(http.MethodPut).Name("discounts.update")
	api.HandleFunc("/discounts/calculate", s.calculate).Methods(http.MethodPost).Name("discounts.calculate")

	api.HandleFunc("/pos/process-purchase", s.processPurchase).Methods(http.MethodPost).Name("pos.purchase")
	api.HandleFunc("/pos/customer/{id:[0-9]+}/available-discounts", s.availableDiscounts).Methods(http.MethodGet).Name("pos.available-discounts")

	api.HandleFunc("/analytics/summary", s.analyticsSummary).Methods(http.MethodGet).Name("analytics.summary")

	api.HandleFunc("/stores/", s.listStores).Methods(http.MethodGet).Name("stores.list")
	api.HandleFunc("/stores/", s.createStore).Methods(http.MethodPost).Name("stores.create")
	api.HandleFunc("/stores/{id:[0-9]+}", s.getStore).Methods(http.MethodGet).Name("stores.get")
	api.HandleFunc("/stores/{id:[0-9]+}", s.updateStore).Methods(http.MethodPut).Name("stores.update")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusNotFound, "Not Found")
	})
	return r
}

// observe counts the call, applies latency and injected failures.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := routeName(r)

		s.mu.Lock()
		s.calls[name]++
		var injected *failure
		if queue := s.failures[name]; len(queue) > 0 {
			injected = &queue[0]
			s.failures[name] = queue[1:]
		}
		s.mu.Unlock()

		s.logger.Debug("request",
			zap.String("route", name),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get("X-Request-ID")))

		if s.latency > 0 {
			select {
			case <-time.After(s.latency):
			case <-r.Context().Done():
				return
			}
		}
		if injected != nil {
			writeDetail(w, injected.status, injected.detail)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if routeName(r) == "auth.login" {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := s.cashierFor(r); !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cashierFor(r *http.Request) (*cashier, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	username, ok := s.tokens[token]
	if !ok {
		return nil, false
	}
	c, ok := s.cashiers[username]
	return c, ok
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid form")
		return
	}
	username, password := r.PostForm.Get("username"), r.PostForm.Get("password")

	var missing []fieldDetail
	if username == "" {
		missing = append(missing, missingField("body", "username"))
	}
	if password == "" {
		missing = append(missing, missingField("body", "password"))
	}
	if len(missing) > 0 {
		writeFields(w, missing...)
		return
	}

	s.mu.Lock()
	c, ok := s.cashiers[username]
	s.mu.Unlock()
	if !ok || c.password != password {
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": s.IssueToken(username),
		"token_type":   "bearer",
	})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	c, _ := s.cashierFor(r)
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) idLocked() int64 {
	s.nextID++
	return s.nextID
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		return route.GetName()
	}
	return ""
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

// pageParams reads skip and limit with the API defaults.
func pageParams(w http.ResponseWriter, r *http.Request) (skip, limit int, ok bool) {
	q := r.URL.Query()
	skip, limit = 0, 100

	var bad []fieldDetail
	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			bad = append(bad, fieldDetail{Loc: []any{"query", "skip"}, Msg: "ensure this value is greater than or equal to 0", Type: "value_error"})
		}
		skip = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			bad = append(bad, fieldDetail{Loc: []any{"query", "limit"}, Msg: "ensure this value is between 1 and 1000", Type: "value_error"})
		}
		limit = n
	}
	if len(bad) > 0 {
		writeFields(w, bad...)
		return 0, 0, false
	}
	return skip, limit, true
}

type fieldDetail struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

func missingField(loc, name string) fieldDetail {
	return fieldDetail{Loc: []any{loc, name}, Msg: "field required", Type: "value_error.missing"}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeFields(w http.ResponseWriter, fields ...fieldDetail) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string][]fieldDetail{"detail": fields})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeFields(w, fieldDetail{Loc: []any{"body"}, Msg: fmt.Sprintf("invalid JSON: %v", err), Type: "value_error.jsondecode"})
		return false
	}
	return true
}

func (s *Server) actor(r *http.Request) string {
	if c, ok := s.cashierFor(r); ok {
		return c.Username
	}
	return ""
}

// SeedCustomer inserts a customer without a request and returns its id.
func (s *Server) SeedCustomer(phone, firstName string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &customer{
		ID:               s.idLocked(),
		Phone:            phone,
		FirstName:        firstName,
		Status:           "active",
		RegistrationDate: s.now().UTC(),
	}
	s.customers = append(s.customers, c)
	s.balances[c.ID] = &bonusBalance{ID: s.idLocked(), CustomerID: c.ID}
	return c.ID
}

// SeedRule inserts an active percentage rule valid in every store.
func (s *Server) SeedRule(name string, percent int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule := &discountRule{
		ID:           s.idLocked(),
		Name:         name,
		DiscountType: "percentage",
		Value:        decimal.NewFromInt(percent),
		Status:       "active",
	}
	s.rules = append(s.rules, rule)
	return rule.ID
}

// MainStoreID returns the id of the seeded store.
func (s *Server) MainStoreID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stores[0].ID
}
