package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/goliatone/go-query-sync/cache"
	"github.com/goliatone/go-query-sync/pagination"
	"github.com/goliatone/go-query-sync/retail"
)

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

func renderCustomers(out io.Writer, page retail.Page[retail.Customer], pageNum int) {
	tw := newTable(out)
	fmt.Fprintln(tw, "ID\tPHONE\tNAME\tSTATUS\tVISITS\tTOTAL")
	for _, c := range page.Items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			c.ID, c.Phone, c.FullName(), c.Status, c.TotalVisits, c.TotalPurchases.StringFixed(2))
	}
	tw.Flush()

	pages := pagination.TotalPages(page.Total, max(page.Limit, 1))
	fmt.Fprintf(out, "page %d/%d, %d customers\n", pageNum, max(pages, 1), page.Total)
}

func renderTransition(out io.Writer, snap cache.Snapshot) {
	state := snap.Status.String()
	if snap.IsFetching {
		state += ", fetching"
	}
	if snap.Err != nil {
		state += ": " + snap.Err.Error()
	}
	fmt.Fprintf(out, "[%s v%d] %s\n", snap.Key, snap.Version, state)
}

func renderPOS(out io.Writer, st retail.POSState) {
	tw := newTable(out)
	if c, ok := st.CustomerData(); ok {
		fmt.Fprintf(tw, "Customer\t#%d %s (%s)\n", c.ID, c.FullName(), c.Phone)
		fmt.Fprintf(tw, "Visits\t%d\n", c.TotalVisits)
	}
	if b, ok := st.BalanceData(); ok {
		fmt.Fprintf(tw, "Balance\t%s\n", b.CurrentBalance.StringFixed(2))
	}
	if d, ok := st.DiscountsData(); ok {
		fmt.Fprintf(tw, "Amount\t%s\n", d.OriginalAmount.StringFixed(2))
		fmt.Fprintf(tw, "Discount\t%s\n", d.TotalDiscount.StringFixed(2))
		fmt.Fprintf(tw, "Final\t%s\n", d.FinalAmount.StringFixed(2))
		fmt.Fprintf(tw, "Earned\t%s\n", d.BonusesEarned.StringFixed(2))
		if len(d.AppliedRules) > 0 {
			rules := make([]string, 0, len(d.AppliedRules))
			for _, r := range d.AppliedRules {
				rules = append(rules, fmt.Sprintf("%s (%s)", r.Name, r.Discount.StringFixed(2)))
			}
			fmt.Fprintf(tw, "Rules\t%s\n", strings.Join(rules, ", "))
		}
	}
	tw.Flush()
}

func renderSummary(out io.Writer, s retail.AnalyticsSummary) {
	tw := newTable(out)
	fmt.Fprintf(tw, "Period\t%d days\n", s.PeriodDays)
	fmt.Fprintf(tw, "Revenue\t%s\n", s.TotalRevenue.StringFixed(2))
	fmt.Fprintf(tw, "Discounts\t%s\n", s.TotalDiscounts.StringFixed(2))
	fmt.Fprintf(tw, "Bonuses issued\t%s\n", s.TotalBonusesIssued.StringFixed(2))
	fmt.Fprintf(tw, "Bonuses spent\t%s\n", s.TotalBonusesSpent.StringFixed(2))
	fmt.Fprintf(tw, "Customers\t%d\n", s.CustomerCount)
	fmt.Fprintf(tw, "Purchases\t%d\n", s.PurchaseCount)
	fmt.Fprintf(tw, "Average purchase\t%s\n", s.AveragePurchase.StringFixed(2))
	tw.Flush()
}
