// Package report builds read-only projections over the ledger. Reports are
// computed on demand from current state; nothing here mutates the ledger.
package report

import (
	"context"
	"fmt"
	"time"

	"fintrail.org/internal/ledger"
)

// ClientReport is a point-in-time view of one client's financial position.
type ClientReport struct {
	Client        ledger.Client        `json:"client"`
	Transactions  []ledger.Transaction `json:"transactions"`
	Invoices      []ledger.Statement   `json:"invoices"`
	Balance       ledger.Money         `json:"balance"`
	TotalInvoiced ledger.Money         `json:"total_invoiced"`
	TotalPaid     ledger.Money         `json:"total_paid"`
	OpenInvoices  int                  `json:"open_invoices"`
	OverdueCount  int                  `json:"overdue_count"`
	GeneratedAt   time.Time            `json:"generated_at"`
}

// SystemReport aggregates across every client.
type SystemReport struct {
	Clients       int          `json:"clients"`
	Transactions  int          `json:"transactions"`
	Invoices      int          `json:"invoices"`
	OpenInvoices  int          `json:"open_invoices"`
	OverdueCount  int          `json:"overdue_count"`
	TotalInvoiced ledger.Money `json:"total_invoiced"`
	TotalPaid     ledger.Money `json:"total_paid"`
	GeneratedAt   time.Time    `json:"generated_at"`
}

// Projector derives reports from the ledger.
type Projector struct {
	ledger ledger.Service
	now    func() time.Time
}

// Option configures a Projector.
type Option func(*Projector)

// WithClock overrides the report timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(p *Projector) {
		if fn != nil {
			p.now = fn
		}
	}
}

// NewProjector wires the projector to a ledger.
func NewProjector(l ledger.Service, opts ...Option) *Projector {
	p := &Projector{ledger: l, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ClientReport assembles the full view for one client.
func (p *Projector) ClientReport(ctx context.Context, clientID string) (ClientReport, error) {
	now := p.now().UTC()
	client, err := p.ledger.GetClient(ctx, clientID)
	if err != nil {
		return ClientReport{}, err
	}
	txs, err := p.allTransactions(ctx, clientID)
	if err != nil {
		return ClientReport{}, fmt.Errorf("list transactions: %w", err)
	}
	invoices, err := p.ledger.ListInvoices(ctx, clientID)
	if err != nil {
		return ClientReport{}, fmt.Errorf("list invoices: %w", err)
	}
	balance, err := p.ledger.Balance(ctx, clientID, ledger.DefaultCurrency)
	if err != nil {
		return ClientReport{}, fmt.Errorf("balance: %w", err)
	}

	rep := ClientReport{
		Client:        client,
		Transactions:  txs,
		Invoices:      make([]ledger.Statement, 0, len(invoices)),
		Balance:       balance,
		TotalInvoiced: ledger.Money{Currency: ledger.DefaultCurrency},
		TotalPaid:     ledger.Money{Currency: ledger.DefaultCurrency},
		GeneratedAt:   now,
	}
	for _, inv := range invoices {
		st := inv.StatementAt(now)
		rep.Invoices = append(rep.Invoices, st)
		rep.TotalInvoiced.Amount += inv.Total.Amount
		rep.TotalPaid.Amount += inv.Paid.Amount
		if st.Status != ledger.StatusPaid {
			rep.OpenInvoices++
		}
		if st.Overdue {
			rep.OverdueCount++
		}
	}
	return rep, nil
}

// SystemReport assembles the aggregate view across all clients.
func (p *Projector) SystemReport(ctx context.Context) (SystemReport, error) {
	now := p.now().UTC()
	clients, err := p.ledger.ListClients(ctx)
	if err != nil {
		return SystemReport{}, err
	}
	rep := SystemReport{
		Clients:       len(clients),
		TotalInvoiced: ledger.Money{Currency: ledger.DefaultCurrency},
		TotalPaid:     ledger.Money{Currency: ledger.DefaultCurrency},
		GeneratedAt:   now,
	}
	for _, c := range clients {
		txs, err := p.allTransactions(ctx, c.ID)
		if err != nil {
			return SystemReport{}, fmt.Errorf("list transactions for %s: %w", c.ID, err)
		}
		rep.Transactions += len(txs)
		invoices, err := p.ledger.ListInvoices(ctx, c.ID)
		if err != nil {
			return SystemReport{}, fmt.Errorf("list invoices for %s: %w", c.ID, err)
		}
		rep.Invoices += len(invoices)
		for _, inv := range invoices {
			st := inv.StatementAt(now)
			rep.TotalInvoiced.Amount += inv.Total.Amount
			rep.TotalPaid.Amount += inv.Paid.Amount
			if st.Status != ledger.StatusPaid {
				rep.OpenInvoices++
			}
			if st.Overdue {
				rep.OverdueCount++
			}
		}
	}
	return rep, nil
}

const txPageSize = 1000

// allTransactions pages through the full history; reports must never truncate.
func (p *Projector) allTransactions(ctx context.Context, clientID string) ([]ledger.Transaction, error) {
	var (
		all   []ledger.Transaction
		after uint64
	)
	for {
		page, next, err := p.ledger.ListTransactions(ctx, ledger.TransactionQuery{
			ClientID: clientID,
			Limit:    txPageSize,
			AfterSeq: after,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < txPageSize {
			return all, nil
		}
		after = next
	}
}
