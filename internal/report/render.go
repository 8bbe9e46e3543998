package report

import (
	"fmt"
	"strings"
)

// Renderer turns a report into a display format.
type Renderer interface {
	RenderClient(rep ClientReport) string
	RenderSystem(rep SystemReport) string
}

// TextRenderer produces plain-text summaries suitable for logs and CLI output.
type TextRenderer struct{}

func formatMoney(currency string, amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, currency)
}

func (TextRenderer) RenderClient(rep ClientReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Client %s (%s)\n", rep.Client.Name, rep.Client.ID)
	fmt.Fprintf(&b, "Generated %s\n", rep.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Balance: %s\n", formatMoney(rep.Balance.Currency, rep.Balance.Amount))
	fmt.Fprintf(&b, "Invoiced %s, paid %s, %d open (%d overdue)\n",
		formatMoney(rep.TotalInvoiced.Currency, rep.TotalInvoiced.Amount),
		formatMoney(rep.TotalPaid.Currency, rep.TotalPaid.Amount),
		rep.OpenInvoices, rep.OverdueCount)
	for _, st := range rep.Invoices {
		flag := ""
		if st.Overdue {
			flag = " OVERDUE"
		}
		fmt.Fprintf(&b, "  invoice %s  %s / %s  %s%s\n", st.ID,
			formatMoney(st.Paid.Currency, st.Paid.Amount),
			formatMoney(st.Total.Currency, st.Total.Amount),
			st.Status, flag)
	}
	fmt.Fprintf(&b, "%d transactions on record\n", len(rep.Transactions))
	return b.String()
}

func (TextRenderer) RenderSystem(rep SystemReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "System report, generated %s\n", rep.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Clients: %d\n", rep.Clients)
	fmt.Fprintf(&b, "Transactions: %d\n", rep.Transactions)
	fmt.Fprintf(&b, "Invoices: %d (%d open, %d overdue)\n", rep.Invoices, rep.OpenInvoices, rep.OverdueCount)
	fmt.Fprintf(&b, "Invoiced %s, paid %s\n",
		formatMoney(rep.TotalInvoiced.Currency, rep.TotalInvoiced.Amount),
		formatMoney(rep.TotalPaid.Currency, rep.TotalPaid.Amount))
	return b.String()
}
