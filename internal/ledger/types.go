package ledger

import (
	"time"
)

// DefaultCurrency is applied when a caller omits the currency code. The back
// office runs single-currency per ledger; there is no conversion.
const DefaultCurrency = "USD"

// Money is represented in minor units (e.g., cents). No floats.
type Money struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsZero() bool     { return m.Amount == 0 }

// Client is a customer of the back office. It owns transactions and invoices
// and is the anchor for Own-scope permission checks.
type Client struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Industry     string    `json:"industry,omitempty"`
	ContactEmail string    `json:"contact_email,omitempty"`
	ContactPhone string    `json:"contact_phone,omitempty"`
	Address      string    `json:"address,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Transaction is an immutable ledger entry. Entries are never updated or
// physically removed; a deletion request becomes a compensating reversal
// carrying the negated amount and a back-reference to the original.
type Transaction struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	Amount      Money     `json:"amount"`
	OccurredAt  time.Time `json:"occurred_at"`
	Sequence    uint64    `json:"sequence"`
	InvoiceID   string    `json:"invoice_id,omitempty"`
	ReversalOf  string    `json:"reversal_of,omitempty"`
	CreatedBy   string    `json:"created_by"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsReversal reports whether the entry compensates an earlier one.
func (t Transaction) IsReversal() bool { return t.ReversalOf != "" }

// InvoiceStatus is derived, never stored: recomputing from the amounts that
// justify it eliminates drift between a status column and the numbers.
type InvoiceStatus string

const (
	StatusPending       InvoiceStatus = "pending"
	StatusPartiallyPaid InvoiceStatus = "partially_paid"
	StatusPaid          InvoiceStatus = "paid"
)

// Invoice is a billing document. Paid is the running sum of applied payment
// transactions and is clamped by validation, never silently.
type Invoice struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	CreatedBy string    `json:"created_by"`
	IssuedAt  time.Time `json:"issued_at"`
	DueAt     time.Time `json:"due_at"`
	Total     Money     `json:"total"`
	Paid      Money     `json:"paid"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ComputeStatus derives the invoice status from amounts alone. It is a pure
// function: identical inputs always yield the identical status.
func ComputeStatus(paid, total int64) InvoiceStatus {
	switch {
	case paid >= total:
		return StatusPaid
	case paid > 0:
		return StatusPartiallyPaid
	default:
		return StatusPending
	}
}

// OverdueAt derives the orthogonal overdue flag. It never attaches to a paid
// invoice. now comes from the caller; the core does not read the system clock.
func OverdueAt(paid, total int64, due, now time.Time) bool {
	if paid >= total {
		return false
	}
	return now.After(due)
}

// Statement is an invoice together with its derived state at a point in time.
type Statement struct {
	Invoice
	Status  InvoiceStatus `json:"status"`
	Overdue bool          `json:"overdue"`
}

// StatementAt evaluates the invoice's derived status lazily at now.
func (inv Invoice) StatementAt(now time.Time) Statement {
	return Statement{
		Invoice: inv,
		Status:  ComputeStatus(inv.Paid.Amount, inv.Total.Amount),
		Overdue: OverdueAt(inv.Paid.Amount, inv.Total.Amount, inv.DueAt, now),
	}
}
