package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fintrail.org/internal/ids"
	"fintrail.org/internal/obs"
)

// ClientProfile is the input for client creation.
type ClientProfile struct {
	Name         string
	Industry     string
	ContactEmail string
	ContactPhone string
	Address      string
}

// ClientUpdate carries optional profile changes; nil means keep.
type ClientUpdate struct {
	Name         *string
	Industry     *string
	ContactEmail *string
	ContactPhone *string
	Address      *string
}

// InvoiceInput is the input for invoice creation.
type InvoiceInput struct {
	ClientID  string
	CreatedBy string
	Total     Money
	IssuedAt  time.Time
	DueAt     time.Time
}

// TransactionInput is the input for recording a ledger entry. A set InvoiceID
// turns the entry into a payment applied against that invoice.
type TransactionInput struct {
	ClientID    string
	Amount      Money
	InvoiceID   string
	CreatedBy   string
	Description string
	Category    string
}

// TransactionQuery narrows ListTransactions.
type TransactionQuery struct {
	ClientID string
	Limit    int
	AfterSeq uint64
}

// Service defines the ledger core operations.
type Service interface {
	CreateClient(ctx context.Context, profile ClientProfile) (Client, error)
	GetClient(ctx context.Context, id string) (Client, error)
	ListClients(ctx context.Context) ([]Client, error)
	UpdateClient(ctx context.Context, id string, upd ClientUpdate) (Client, error)
	DeleteClient(ctx context.Context, id string) error

	CreateInvoice(ctx context.Context, in InvoiceInput) (Invoice, error)
	GetInvoice(ctx context.Context, id string) (Invoice, error)
	ListInvoices(ctx context.Context, clientID string) ([]Invoice, error)

	RecordTransaction(ctx context.Context, in TransactionInput) (Transaction, error)
	ReverseTransaction(ctx context.Context, txID, actorID string) (Transaction, error)
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	ListTransactions(ctx context.Context, q TransactionQuery) ([]Transaction, uint64, error)
	Balance(ctx context.Context, clientID, currency string) (Money, error)
}

// InMemory implements Service with in-process concurrency safety. A single
// mutex covers every mutation, which trivially satisfies the per-invoice
// at-most-one-writer contract; the Postgres store uses row locks instead.
type InMemory struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	invoices map[string]*Invoice
	txs      []Transaction
	txIndex  map[string]int
	reversed map[string]string // original tx id -> reversal tx id
	lastTS   map[string]time.Time
	seq      uint64
	now      func() time.Time
}

var _ Service = (*InMemory)(nil)

// InMemoryOption configures the in-memory ledger.
type InMemoryOption func(*InMemory)

// WithClock overrides the timestamp source (useful for tests).
func WithClock(fn func() time.Time) InMemoryOption {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewInMemory creates a fresh ledger.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	s := &InMemory{
		clients:  make(map[string]*Client),
		invoices: make(map[string]*Invoice),
		txIndex:  make(map[string]int),
		reversed: make(map[string]string),
		lastTS:   make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func normalizeCurrency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return DefaultCurrency
	}
	return c
}

func (s *InMemory) CreateClient(ctx context.Context, profile ClientProfile) (Client, error) {
	name := strings.TrimSpace(profile.Name)
	if name == "" {
		return Client{}, fmt.Errorf("%w: client name is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if strings.EqualFold(c.Name, name) {
			return Client{}, fmt.Errorf("%w: client %q already exists", ErrConflict, name)
		}
	}
	now := s.now().UTC()
	c := &Client{
		ID:           ids.New(),
		Name:         name,
		Industry:     strings.TrimSpace(profile.Industry),
		ContactEmail: strings.TrimSpace(strings.ToLower(profile.ContactEmail)),
		ContactPhone: strings.TrimSpace(profile.ContactPhone),
		Address:      strings.TrimSpace(profile.Address),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.clients[c.ID] = c
	return *c, nil
}

func (s *InMemory) GetClient(ctx context.Context, id string) (Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return Client{}, fmt.Errorf("%w: client %s", ErrNotFound, id)
	}
	return *c, nil
}

func (s *InMemory) ListClients(ctx context.Context) ([]Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		res = append(res, *c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *InMemory) UpdateClient(ctx context.Context, id string, upd ClientUpdate) (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return Client{}, fmt.Errorf("%w: client %s", ErrNotFound, id)
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Client{}, fmt.Errorf("%w: client name is required", ErrInvalidInput)
		}
		for otherID, other := range s.clients {
			if otherID != id && strings.EqualFold(other.Name, name) {
				return Client{}, fmt.Errorf("%w: client %q already exists", ErrConflict, name)
			}
		}
		c.Name = name
	}
	if upd.Industry != nil {
		c.Industry = strings.TrimSpace(*upd.Industry)
	}
	if upd.ContactEmail != nil {
		c.ContactEmail = strings.TrimSpace(strings.ToLower(*upd.ContactEmail))
	}
	if upd.ContactPhone != nil {
		c.ContactPhone = strings.TrimSpace(*upd.ContactPhone)
	}
	if upd.Address != nil {
		c.Address = strings.TrimSpace(*upd.Address)
	}
	c.UpdatedAt = s.now().UTC()
	return *c, nil
}

func (s *InMemory) DeleteClient(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; !ok {
		return fmt.Errorf("%w: client %s", ErrNotFound, id)
	}
	for _, tx := range s.txs {
		if tx.ClientID == id {
			return fmt.Errorf("%w: client %s has recorded transactions", ErrConflict, id)
		}
	}
	for _, inv := range s.invoices {
		if inv.ClientID == id {
			return fmt.Errorf("%w: client %s has invoices", ErrConflict, id)
		}
	}
	delete(s.clients, id)
	return nil
}

func (s *InMemory) CreateInvoice(ctx context.Context, in InvoiceInput) (Invoice, error) {
	if !in.Total.IsPositive() {
		return Invoice{}, fmt.Errorf("%w: invoice total must be > 0", ErrInvalidAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[in.ClientID]; !ok {
		return Invoice{}, fmt.Errorf("%w: client %s", ErrNotFound, in.ClientID)
	}
	now := s.now().UTC()
	issued := in.IssuedAt
	if issued.IsZero() {
		issued = now
	}
	if in.DueAt.IsZero() {
		return Invoice{}, fmt.Errorf("%w: due date is required", ErrInvalidInput)
	}
	if in.DueAt.Before(issued) {
		return Invoice{}, fmt.Errorf("%w: due date cannot precede issue date", ErrInvalidInput)
	}
	currency := normalizeCurrency(in.Total.Currency)
	inv := &Invoice{
		ID:        ids.New(),
		ClientID:  in.ClientID,
		CreatedBy: in.CreatedBy,
		IssuedAt:  issued,
		DueAt:     in.DueAt,
		Total:     Money{Currency: currency, Amount: in.Total.Amount},
		Paid:      Money{Currency: currency, Amount: 0},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.invoices[inv.ID] = inv
	return *inv, nil
}

func (s *InMemory) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return Invoice{}, fmt.Errorf("%w: invoice %s", ErrNotFound, id)
	}
	return *inv, nil
}

func (s *InMemory) ListInvoices(ctx context.Context, clientID string) ([]Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Invoice
	for _, inv := range s.invoices {
		if clientID != "" && inv.ClientID != clientID {
			continue
		}
		res = append(res, *inv)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *InMemory) RecordTransaction(ctx context.Context, in TransactionInput) (Transaction, error) {
	if in.Amount.IsZero() {
		return Transaction{}, fmt.Errorf("%w: amount must be non-zero", ErrInvalidAmount)
	}
	currency := normalizeCurrency(in.Amount.Currency)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[in.ClientID]; !ok {
		return Transaction{}, fmt.Errorf("%w: client %s", ErrNotFound, in.ClientID)
	}

	kind := "freestanding"
	var inv *Invoice
	if in.InvoiceID != "" {
		kind = "payment"
		if !in.Amount.IsPositive() {
			return Transaction{}, fmt.Errorf("%w: payments must be positive", ErrInvalidAmount)
		}
		var ok bool
		inv, ok = s.invoices[in.InvoiceID]
		if !ok {
			return Transaction{}, fmt.Errorf("%w: invoice %s", ErrNotFound, in.InvoiceID)
		}
		if inv.ClientID != in.ClientID {
			return Transaction{}, fmt.Errorf("%w: invoice %s does not belong to client %s", ErrInvalidInput, in.InvoiceID, in.ClientID)
		}
		if inv.Total.Currency != currency {
			return Transaction{}, fmt.Errorf("%w: payment currency %s does not match invoice currency %s", ErrInvalidInput, currency, inv.Total.Currency)
		}
		if ComputeStatus(inv.Paid.Amount, inv.Total.Amount) == StatusPaid {
			return Transaction{}, fmt.Errorf("%w: invoice %s", ErrInvoicePaid, in.InvoiceID)
		}
		if inv.Paid.Amount+in.Amount.Amount > inv.Total.Amount {
			return Transaction{}, fmt.Errorf("%w: invoice %s", ErrOverpayment, in.InvoiceID)
		}
	}

	tx := s.appendLocked(in.ClientID, Money{Currency: currency, Amount: in.Amount.Amount}, in.InvoiceID, "", in.CreatedBy, in.Description, in.Category)
	if inv != nil {
		inv.Paid.Amount += in.Amount.Amount
		inv.UpdatedAt = tx.OccurredAt
	}
	obs.CountLedgerTransaction(kind)
	return tx, nil
}

func (s *InMemory) ReverseTransaction(ctx context.Context, txID, actorID string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.txIndex[txID]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, txID)
	}
	orig := s.txs[idx]
	if orig.IsReversal() {
		return Transaction{}, fmt.Errorf("%w: cannot reverse a reversal", ErrInvalidInput)
	}
	if rev, done := s.reversed[txID]; done {
		return Transaction{}, fmt.Errorf("%w: transaction %s already reversed by %s", ErrConflict, txID, rev)
	}

	var inv *Invoice
	if orig.InvoiceID != "" {
		inv = s.invoices[orig.InvoiceID]
		if inv != nil && ComputeStatus(inv.Paid.Amount, inv.Total.Amount) == StatusPaid {
			// Paid is terminal; the corrective path is a credit invoice,
			// not unwinding a settled payment.
			return Transaction{}, fmt.Errorf("%w: invoice %s", ErrInvoicePaid, orig.InvoiceID)
		}
	}

	tx := s.appendLocked(orig.ClientID, Money{Currency: orig.Amount.Currency, Amount: -orig.Amount.Amount},
		orig.InvoiceID, txID, actorID, "reversal of "+txID, orig.Category)
	if inv != nil {
		inv.Paid.Amount -= orig.Amount.Amount
		inv.UpdatedAt = tx.OccurredAt
	}
	s.reversed[txID] = tx.ID
	obs.CountLedgerTransaction("reversal")
	return tx, nil
}

// appendLocked assigns the per-client monotonic timestamp and sequence and
// stores the entry. Callers hold s.mu.
func (s *InMemory) appendLocked(clientID string, amount Money, invoiceID, reversalOf, createdBy, description, category string) Transaction {
	ts := s.now().UTC()
	if last, ok := s.lastTS[clientID]; ok && ts.Before(last) {
		ts = last
	}
	s.lastTS[clientID] = ts
	s.seq++
	tx := Transaction{
		ID:          ids.New(),
		ClientID:    clientID,
		Amount:      amount,
		OccurredAt:  ts,
		Sequence:    s.seq,
		InvoiceID:   invoiceID,
		ReversalOf:  reversalOf,
		CreatedBy:   createdBy,
		Description: strings.TrimSpace(description),
		Category:    strings.TrimSpace(category),
		CreatedAt:   ts,
	}
	s.txIndex[tx.ID] = len(s.txs)
	s.txs = append(s.txs, tx)
	return tx
}

func (s *InMemory) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.txIndex[id]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return s.txs[idx], nil
}

func (s *InMemory) ListTransactions(ctx context.Context, q TransactionQuery) ([]Transaction, uint64, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Transaction
	var last uint64
	for _, tx := range s.txs {
		if tx.Sequence <= q.AfterSeq {
			continue
		}
		if q.ClientID != "" && tx.ClientID != q.ClientID {
			continue
		}
		res = append(res, tx)
		last = tx.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func (s *InMemory) Balance(ctx context.Context, clientID, currency string) (Money, error) {
	currency = normalizeCurrency(currency)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.clients[clientID]; !ok {
		return Money{}, fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}
	var sum int64
	for _, tx := range s.txs {
		if tx.ClientID != clientID || tx.Amount.Currency != currency {
			continue
		}
		sum += tx.Amount.Amount
	}
	return Money{Currency: currency, Amount: sum}, nil
}
