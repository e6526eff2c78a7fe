package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goliatone/go-query-sync/cache"
	"github.com/goliatone/go-query-sync/internal/fakebackend"
	"github.com/goliatone/go-query-sync/pkg/testsupport"
	"github.com/goliatone/go-query-sync/retail"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliEnv struct {
	fake    *fakebackend.Server
	baseURL string
	session string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	fake, baseURL := testsupport.FakeAPI(t)
	return cliEnv{
		fake:    fake,
		baseURL: baseURL,
		session: filepath.Join(t.TempDir(), "session.db"),
	}
}

func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	args = append([]string{"--api-url", e.baseURL, "--session-db", e.session}, args...)
	err := run(context.Background(), args, &out)
	return out.String(), err
}

func TestCLI_CashierShift(t *testing.T) {
	e := newCLIEnv(t)
	e.fake.SeedRule("Welcome", 10)

	_, err := e.run(t, "customers", "list")
	require.ErrorContains(t, err, "not logged in")

	out, err := e.run(t, "login", "-u", "cashier", "-p", "secret")
	require.NoError(t, err)
	assert.Equal(t, "Logged in as Cashier (cashier) at Main Store\n", out)

	out, err = e.run(t, "customers", "create", "--phone", "+996555123456", "--first-name", "Aida")
	require.NoError(t, err)
	assert.Contains(t, out, "Aida (+996555123456)")

	_, err = e.run(t, "customers", "create", "--phone", "12")
	require.ErrorContains(t, err, "invalid input (first_name: ")
	assert.Equal(t, 1, e.fake.Calls("customers.create"), "invalid input never reaches the API")

	out, err = e.run(t, "customers", "list", "--size", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "+996555123456  Aida")
	assert.Contains(t, out, "page 1/1, 1 customers")

	out, err = e.run(t, "pos", "lookup", "--phone", "+996555123456", "--amount", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "Discount  10.00")
	assert.Contains(t, out, "Final     90.00")
	assert.Contains(t, out, "Rules     Welcome (10.00)")

	out, err = e.run(t, "analytics", "--days", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "7 days")
	assert.Contains(t, out, "Customers")

	out, err = e.run(t, "logout")
	require.NoError(t, err)
	assert.Equal(t, "Logged out\n", out)

	_, err = e.run(t, "analytics")
	require.ErrorContains(t, err, "not logged in")
}

func TestCLI_LoginFailures(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run(t, "login", "-u", "cashier", "-p", "wrong")
	require.ErrorContains(t, err, "incorrect username or password")

	_, err = e.run(t, "login", "-u", "cashier")
	require.ErrorContains(t, err, "password")
}

func TestCLI_PasswordFromEnvironment(t *testing.T) {
	e := newCLIEnv(t)
	t.Setenv("RETAIL_PASSWORD", "secret")

	out, err := e.run(t, "login", "-u", "cashier")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as Cashier")
}

func TestCLI_ConfigFile(t *testing.T) {
	e := newCLIEnv(t)
	path := filepath.Join(t.TempDir(), "retailctl.yaml")
	content := "api_url: " + e.baseURL + "\nsession_db: " + e.session + "\ntimeout: 5s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	var out bytes.Buffer
	err := run(context.Background(), []string{"--config", path, "login", "-u", "cashier", "-p", "secret"}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Logged in as Cashier")
	assert.Equal(t, 1, e.fake.Calls("auth.login"))
}

func TestCLI_PosLookupUnknownPhone(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run(t, "login", "-u", "cashier", "-p", "secret")
	require.NoError(t, err)

	_, err = e.run(t, "pos", "lookup", "--phone", "+996000000000")
	require.ErrorContains(t, err, "not found")
	assert.Equal(t, 1, e.fake.Calls("customers.by-phone"))
}

func TestCLI_RejectsUnsupportedPageSize(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run(t, "login", "-u", "cashier", "-p", "secret")
	require.NoError(t, err)

	_, err = e.run(t, "customers", "list", "--size", "7")
	require.ErrorContains(t, err, "invalid page size 7")
	assert.Equal(t, 0, e.fake.Calls("customers.list"))
}

func TestCLI_WatchCustomers(t *testing.T) {
	e := newCLIEnv(t)
	e.fake.SeedCustomer("+996555123456", "Aida")
	_, err := e.run(t, "login", "-u", "cashier", "-p", "secret")
	require.NoError(t, err)

	out, err := e.run(t, "customers", "list", "--watch", "--interval", "20ms", "--duration", "200ms")
	require.NoError(t, err)
	assert.Contains(t, out, "success")
	assert.Contains(t, out, "page 1/1, 1 customers")
	assert.GreaterOrEqual(t, e.fake.Calls("customers.list"), 3, "polling refetches the page")
}

func TestRenderCustomers(t *testing.T) {
	page := retail.Page[retail.Customer]{
		Items: []retail.Customer{
			{ID: 2, Phone: "+996555123456", FirstName: "Aida", LastName: "Bekova", Status: "active", TotalVisits: 3, TotalPurchases: decimal.RequireFromString("450.5")},
			{ID: 1, Phone: "+996555000001", FirstName: "Nurlan", Status: "active"},
		},
		Total: 2,
		Limit: 25,
	}

	var out bytes.Buffer
	renderCustomers(&out, page, 1)
	testsupport.CompareGolden(t, testsupport.GoldenPath("customers.txt"), out.Bytes())
}

func TestRenderPOS(t *testing.T) {
	st := retail.POSState{
		Customer: cache.Snapshot{HasData: true, Data: retail.Customer{
			ID: 2, Phone: "+996555123456", FirstName: "Aida", LastName: "Bekova", TotalVisits: 3,
		}},
		Balance: cache.Snapshot{HasData: true, Data: retail.BonusBalance{
			CustomerID: 2, CurrentBalance: decimal.RequireFromString("4.5"),
		}},
		Discounts: cache.Snapshot{HasData: true, Data: retail.DiscountCalculation{
			OriginalAmount: decimal.NewFromInt(200),
			TotalDiscount:  decimal.NewFromInt(20),
			FinalAmount:    decimal.NewFromInt(180),
			BonusesEarned:  decimal.RequireFromString("1.8"),
			AppliedRules:   []retail.AppliedRule{{RuleID: 1, Name: "Welcome", Discount: decimal.NewFromInt(20)}},
		}},
	}

	var out bytes.Buffer
	renderPOS(&out, st)
	testsupport.CompareGolden(t, testsupport.GoldenPath("pos.txt"), out.Bytes())
}

func TestRenderTransition(t *testing.T) {
	tests := []struct {
		name string
		snap cache.Snapshot
		want string
	}{
		{"loading", cache.Snapshot{Key: cache.NewKey("customers"), Status: cache.StatusLoading, IsFetching: true}, "[customers v0] loading, fetching\n"},
		{"success", cache.Snapshot{Key: cache.NewKey("customers"), Status: cache.StatusSuccess, Version: 2}, "[customers v2] success\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			renderTransition(&out, tt.snap)
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestSettled(t *testing.T) {
	customer := cache.Snapshot{Status: cache.StatusSuccess, HasData: true, Data: retail.Customer{ID: 1}}
	balance := cache.Snapshot{Status: cache.StatusSuccess, HasData: true, Data: retail.BonusBalance{CustomerID: 1}}
	discounts := cache.Snapshot{Status: cache.StatusSuccess, HasData: true, Data: retail.DiscountCalculation{}}
	loading := cache.Snapshot{Status: cache.StatusLoading, IsFetching: true}
	failed := cache.Snapshot{Status: cache.StatusError, Err: errors.New("boom")}

	tests := []struct {
		name          string
		state         retail.POSState
		needDiscounts bool
		done          bool
		err           bool
	}{
		{"customer loading", retail.POSState{Customer: loading}, false, false, false},
		{"customer failed", retail.POSState{Customer: failed}, false, true, true},
		{"balance pending", retail.POSState{Customer: customer}, false, false, false},
		{"no amount", retail.POSState{Customer: customer, Balance: balance}, false, true, false},
		{"discounts pending", retail.POSState{Customer: customer, Balance: balance}, true, false, false},
		{"discounts failed", retail.POSState{Customer: customer, Balance: balance, Discounts: failed}, true, true, true},
		{"all resolved", retail.POSState{Customer: customer, Balance: balance, Discounts: discounts}, true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done, err := settled(tt.state, tt.needDiscounts)
			assert.Equal(t, tt.done, done)
			assert.Equal(t, tt.err, err != nil)
		})
	}
}
