package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-query-sync/cache"
	"github.com/goliatone/go-query-sync/pagination"
	"github.com/goliatone/go-query-sync/retail"
	"github.com/goliatone/go-query-sync/session"
	"github.com/goliatone/go-query-sync/transport"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func (a *app) loginCmd() *cobra.Command {
	var creds session.Credentials
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store the session.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if creds.Password == "" {
				creds.Password = a.v.GetString("password")
			}
			container, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			profile, err := container.Login(cmd.Context(), creds)
			if transport.IsAuthentication(err) {
				return errors.New("incorrect username or password")
			}
			if err != nil {
				return describe(err)
			}
			fmt.Fprintf(a.out, "Logged in as %s (%s) at %s\n", profile.FullName, profile.Username, profile.StoreName)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&creds.Username, "username", "u", "", "cashier username")
	fs.StringVarP(&creds.Password, "password", "p", "", "password, defaults to RETAIL_PASSWORD")
	return cmd
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			container, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := container.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Logged out")
			return nil
		},
	}
}

func (a *app) customersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "customers",
		Short: "List and register customers.",
	}
	cmd.AddCommand(a.customersListCmd(), a.customersCreateCmd())
	return cmd
}

const defaultWatchInterval = 3 * time.Second

type listFlags struct {
	page     int
	size     int
	watch    bool
	interval time.Duration
	duration time.Duration
}

func (a *app) customersListCmd() *cobra.Command {
	var f listFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print a page of customers, newest first.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !slices.Contains(pagination.PageSizeOptions, f.size) {
				return fmt.Errorf("invalid page size %d, use one of %v", f.size, pagination.PageSizeOptions)
			}
			container, _, err := a.authenticated(cmd.Context())
			if err != nil {
				return err
			}
			dash := container.Dashboard()
			if !f.watch {
				page, err := dash.Customers(cmd.Context(), f.page, f.size)
				if err != nil {
					return describe(err)
				}
				renderCustomers(a.out, page, f.page)
				return nil
			}
			return a.watchCustomers(cmd.Context(), dash, f)
		},
	}
	fs := cmd.Flags()
	fs.IntVar(&f.page, "page", 1, "page number")
	fs.IntVar(&f.size, "size", pagination.DefaultPageSize, fmt.Sprintf("page size, one of %v", pagination.PageSizeOptions))
	fs.BoolVarP(&f.watch, "watch", "w", false, "keep polling and print every change")
	fs.DurationVar(&f.interval, "interval", defaultWatchInterval, "poll interval with --watch")
	fs.DurationVar(&f.duration, "duration", 0, "stop watching after this long, 0 waits for an interrupt")
	return cmd
}

// watchCustomers prints every transition of the watched page until ctx ends
// or f.duration elapses.
func (a *app) watchCustomers(ctx context.Context, dash *retail.Dashboard, f listFlags) error {
	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	paged, err := dash.WatchCustomers(f.size, cache.QueryOptions{PollInterval: f.interval})
	if err != nil {
		return err
	}
	defer paged.Close()

	var mu sync.Mutex
	show := func(snap cache.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		renderTransition(a.out, snap)
		if page, ok := cache.DataAs[retail.Page[retail.Customer]](snap); ok && !snap.IsFetching {
			renderCustomers(a.out, page, paged.Controller().State().Page)
		}
	}
	stop := paged.OnChange(show)
	defer stop()
	show(paged.Snapshot())

	if f.page > 1 {
		paged.Controller().SetPage(f.page)
	}

	<-ctx.Done()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil
	}
	return ctx.Err()
}

func (a *app) customersCreateCmd() *cobra.Command {
	var in retail.NewCustomer
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a customer.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			container, _, err := a.authenticated(cmd.Context())
			if err != nil {
				return err
			}
			c, err := container.Dashboard().CreateCustomer.Execute(cmd.Context(), in)
			if err != nil {
				return describe(err)
			}
			fmt.Fprintf(a.out, "Created customer #%d %s (%s)\n", c.ID, c.FullName(), c.Phone)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&in.Phone, "phone", "", "phone number, e.g. +996555123456")
	fs.StringVar(&in.FirstName, "first-name", "", "first name")
	fs.StringVar(&in.LastName, "last-name", "", "last name")
	fs.StringVar(&in.Email, "email", "", "email")
	return cmd
}

func (a *app) posCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pos",
		Short: "Point of sale helpers.",
	}
	cmd.AddCommand(a.posLookupCmd())
	return cmd
}

func (a *app) posLookupCmd() *cobra.Command {
	var (
		phone   string
		amount  string
		storeID int64
	)
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Resolve a customer by phone with balance and discounts.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var total decimal.Decimal
			if amount != "" {
				var err error
				if total, err = decimal.NewFromString(amount); err != nil {
					return fmt.Errorf("invalid amount %q: %w", amount, err)
				}
			}

			container, profile, err := a.authenticated(cmd.Context())
			if err != nil {
				return err
			}
			if storeID == 0 {
				storeID = profile.StoreID
			}

			state, err := lookup(cmd.Context(), container.Dashboard(), storeID, phone, total)
			if err != nil {
				return describe(err)
			}
			renderPOS(a.out, state)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&phone, "phone", "", "customer phone")
	fs.StringVar(&amount, "amount", "", "purchase amount to price")
	fs.Int64Var(&storeID, "store", 0, "store id, defaults to the cashier store")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}

// lookup drives a POSLookup until the customer, the balance and, when an
// amount is set, the discounts have settled.
func lookup(ctx context.Context, dash *retail.Dashboard, storeID int64, phone string, amount decimal.Decimal) (retail.POSState, error) {
	pos := dash.NewPOSLookup(storeID)
	defer pos.Close()

	changed := make(chan struct{}, 1)
	stop := pos.OnChange(func(retail.POSState) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer stop()

	if err := pos.SetAmount(amount); err != nil {
		return retail.POSState{}, err
	}
	if err := pos.SetPhone(phone); err != nil {
		return retail.POSState{}, err
	}

	needDiscounts := amount.IsPositive()
	for {
		st := pos.State()
		if done, err := settled(st, needDiscounts); done {
			return st, err
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-changed:
		}
	}
}

func settled(st retail.POSState, needDiscounts bool) (bool, error) {
	for _, snap := range []cache.Snapshot{st.Customer, st.Balance, st.Discounts} {
		if snap.Status == cache.StatusError && !snap.IsFetching {
			return true, snap.Err
		}
	}
	if _, ok := st.CustomerData(); !ok {
		return false, nil
	}
	if _, ok := st.BalanceData(); !ok {
		return false, nil
	}
	if _, ok := st.DiscountsData(); needDiscounts && !ok {
		return false, nil
	}
	return true, nil
}

func (a *app) analyticsCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Print the revenue and discount summary.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			container, _, err := a.authenticated(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := container.Dashboard().AnalyticsSummary(cmd.Context(), days)
			if err != nil {
				return describe(err)
			}
			renderSummary(a.out, summary)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", retail.DefaultAnalyticsDays, "period in days")
	return cmd
}

// describe flattens API failures into a single line, listing field errors
// when present.
func describe(err error) error {
	if fields := transport.FieldErrors(err); len(fields) > 0 {
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)

		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, name+": "+fields[name])
		}
		return fmt.Errorf("invalid input (%s)", strings.Join(parts, "; "))
	}

	fe := transport.AsFetchError(err)
	switch {
	case fe.IsTimeout:
		return fmt.Errorf("request timed out: %w", err)
	case fe.HTTPStatus == http.StatusUnauthorized:
		return fmt.Errorf("session expired, run retailctl login: %w", err)
	case fe.HTTPStatus == http.StatusNotFound:
		return fmt.Errorf("not found: %s", fe.Message)
	}
	return err
}
