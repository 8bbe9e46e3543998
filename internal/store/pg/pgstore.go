package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fintrail.org/internal/ids"
	"fintrail.org/internal/ledger"
	"fintrail.org/internal/obs"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
)

type Store struct {
	db *sql.DB
}

var _ ledger.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection (tests mostly).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateClient(ctx context.Context, profile ledger.ClientProfile) (ledger.Client, error) {
	name := strings.TrimSpace(profile.Name)
	if name == "" {
		return ledger.Client{}, fmt.Errorf("%w: client name is required", ledger.ErrInvalidInput)
	}

	c := ledger.Client{
		ID:           ids.New(),
		Name:         name,
		Industry:     strings.TrimSpace(profile.Industry),
		ContactEmail: strings.TrimSpace(strings.ToLower(profile.ContactEmail)),
		ContactPhone: strings.TrimSpace(profile.ContactPhone),
		Address:      strings.TrimSpace(profile.Address),
	}
	err := s.db.QueryRowContext(ctx, `
		insert into clients (id, name, industry, contact_email, contact_phone, address)
		values ($1,$2,$3,$4,$5,$6)
		returning created_at, updated_at
	`, c.ID, c.Name, c.Industry, c.ContactEmail, c.ContactPhone, c.Address).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return ledger.Client{}, fmt.Errorf("%w: client %q already exists", ledger.ErrConflict, name)
		}
		return ledger.Client{}, err
	}
	return c, nil
}

func (s *Store) GetClient(ctx context.Context, id string) (ledger.Client, error) {
	var c ledger.Client
	err := s.db.QueryRowContext(ctx, `
		select id, name, industry, contact_email, contact_phone, address, created_at, updated_at
		from clients where id=$1
	`, id).Scan(&c.ID, &c.Name, &c.Industry, &c.ContactEmail, &c.ContactPhone, &c.Address, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Client{}, fmt.Errorf("%w: client %s", ledger.ErrNotFound, id)
	}
	if err != nil {
		return ledger.Client{}, err
	}
	return c, nil
}

func (s *Store) ListClients(ctx context.Context) ([]ledger.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, industry, contact_email, contact_phone, address, created_at, updated_at
		from clients order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.Client
	for rows.Next() {
		var c ledger.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Industry, &c.ContactEmail, &c.ContactPhone, &c.Address, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *Store) UpdateClient(ctx context.Context, id string, upd ledger.ClientUpdate) (ledger.Client, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Client{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var c ledger.Client
	err = tx.QueryRowContext(ctx, `
		select id, name, industry, contact_email, contact_phone, address, created_at, updated_at
		from clients where id=$1 for update
	`, id).Scan(&c.ID, &c.Name, &c.Industry, &c.ContactEmail, &c.ContactPhone, &c.Address, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Client{}, fmt.Errorf("%w: client %s", ledger.ErrNotFound, id)
	}
	if err != nil {
		return ledger.Client{}, err
	}

	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return ledger.Client{}, fmt.Errorf("%w: client name is required", ledger.ErrInvalidInput)
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

	err = tx.QueryRowContext(ctx, `
		update clients
		set name=$2, industry=$3, contact_email=$4, contact_phone=$5, address=$6, updated_at=now()
		where id=$1
		returning updated_at
	`, id, c.Name, c.Industry, c.ContactEmail, c.ContactPhone, c.Address).Scan(&c.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return ledger.Client{}, fmt.Errorf("%w: client %q already exists", ledger.ErrConflict, c.Name)
		}
		return ledger.Client{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Client{}, err
	}
	return c, nil
}

func (s *Store) DeleteClient(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from clients where id=$1`, id)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("%w: client %s has ledger history", ledger.ErrConflict, id)
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: client %s", ledger.ErrNotFound, id)
	}
	return nil
}

func (s *Store) CreateInvoice(ctx context.Context, in ledger.InvoiceInput) (ledger.Invoice, error) {
	if !in.Total.IsPositive() {
		return ledger.Invoice{}, fmt.Errorf("%w: invoice total must be > 0", ledger.ErrInvalidAmount)
	}
	if in.DueAt.IsZero() {
		return ledger.Invoice{}, fmt.Errorf("%w: due date is required", ledger.ErrInvalidInput)
	}
	issued := in.IssuedAt
	if issued.IsZero() {
		issued = time.Now().UTC()
	}
	if in.DueAt.Before(issued) {
		return ledger.Invoice{}, fmt.Errorf("%w: due date cannot precede issue date", ledger.ErrInvalidInput)
	}
	currency := normalizeCurrency(in.Total.Currency)

	inv := ledger.Invoice{
		ID:        ids.New(),
		ClientID:  in.ClientID,
		CreatedBy: in.CreatedBy,
		IssuedAt:  issued,
		DueAt:     in.DueAt,
		Total:     ledger.Money{Currency: currency, Amount: in.Total.Amount},
		Paid:      ledger.Money{Currency: currency, Amount: 0},
	}
	err := s.db.QueryRowContext(ctx, `
		insert into invoices (id, client_id, created_by, issued_at, due_at, currency, total, paid)
		values ($1,$2,$3,$4,$5,$6,$7,0)
		returning created_at, updated_at
	`, inv.ID, inv.ClientID, inv.CreatedBy, inv.IssuedAt, inv.DueAt, currency, inv.Total.Amount).Scan(&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return ledger.Invoice{}, fmt.Errorf("%w: client %s", ledger.ErrNotFound, in.ClientID)
		}
		return ledger.Invoice{}, err
	}
	return inv, nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (ledger.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, `
		select id, client_id, created_by, issued_at, due_at, currency, total, paid, created_at, updated_at
		from invoices where id=$1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Invoice{}, fmt.Errorf("%w: invoice %s", ledger.ErrNotFound, id)
	}
	return inv, err
}

func (s *Store) ListInvoices(ctx context.Context, clientID string) ([]ledger.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, client_id, created_by, issued_at, due_at, currency, total, paid, created_at, updated_at
		from invoices
		where ($1 = '' or client_id = $1)
		order by issued_at, id
	`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ledger.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}

func (s *Store) RecordTransaction(ctx context.Context, in ledger.TransactionInput) (ledger.Transaction, error) {
	if in.Amount.IsZero() {
		return ledger.Transaction{}, fmt.Errorf("%w: amount must be non-zero", ledger.ErrInvalidAmount)
	}
	currency := normalizeCurrency(in.Amount.Currency)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the client row: serializes per-client writes, which keeps the
	// monotonic timestamp assignment race-free.
	var dummy int
	if err := tx.QueryRowContext(ctx, `select 1 from clients where id=$1 for update`, in.ClientID).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, fmt.Errorf("%w: client %s", ledger.ErrNotFound, in.ClientID)
		}
		return ledger.Transaction{}, err
	}

	kind := "freestanding"
	invoiceID := strings.TrimSpace(in.InvoiceID)
	if invoiceID != "" {
		kind = "payment"
		if !in.Amount.IsPositive() {
			return ledger.Transaction{}, fmt.Errorf("%w: payments must be positive", ledger.ErrInvalidAmount)
		}
		inv, err := lockInvoice(ctx, tx, invoiceID)
		if err != nil {
			return ledger.Transaction{}, err
		}
		if inv.ClientID != in.ClientID {
			return ledger.Transaction{}, fmt.Errorf("%w: invoice %s does not belong to client %s", ledger.ErrInvalidInput, invoiceID, in.ClientID)
		}
		if inv.Total.Currency != currency {
			return ledger.Transaction{}, fmt.Errorf("%w: payment currency %s does not match invoice currency %s", ledger.ErrInvalidInput, currency, inv.Total.Currency)
		}
		if ledger.ComputeStatus(inv.Paid.Amount, inv.Total.Amount) == ledger.StatusPaid {
			return ledger.Transaction{}, fmt.Errorf("%w: invoice %s", ledger.ErrInvoicePaid, invoiceID)
		}
		if inv.Paid.Amount+in.Amount.Amount > inv.Total.Amount {
			return ledger.Transaction{}, fmt.Errorf("%w: invoice %s", ledger.ErrOverpayment, invoiceID)
		}
		if _, err := tx.ExecContext(ctx, `
			update invoices set paid = paid + $2, updated_at = now() where id=$1
		`, invoiceID, in.Amount.Amount); err != nil {
			return ledger.Transaction{}, err
		}
	}

	out, err := insertTransaction(ctx, tx, ledger.Transaction{
		ID:          ids.New(),
		ClientID:    in.ClientID,
		Amount:      ledger.Money{Currency: currency, Amount: in.Amount.Amount},
		InvoiceID:   invoiceID,
		CreatedBy:   in.CreatedBy,
		Description: strings.TrimSpace(in.Description),
		Category:    strings.TrimSpace(in.Category),
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, err
	}
	obs.CountLedgerTransaction(kind)
	return out, nil
}

func (s *Store) ReverseTransaction(ctx context.Context, txID, actorID string) (ledger.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var orig ledger.Transaction
	var invoiceID, reversalOf sql.NullString
	err = tx.QueryRowContext(ctx, `
		select id, client_id, currency, amount, invoice_id, reversal_of, category
		from transactions where id=$1
	`, txID).Scan(&orig.ID, &orig.ClientID, &orig.Amount.Currency, &orig.Amount.Amount, &invoiceID, &reversalOf, &orig.Category)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, fmt.Errorf("%w: transaction %s", ledger.ErrNotFound, txID)
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	if reversalOf.Valid && reversalOf.String != "" {
		return ledger.Transaction{}, fmt.Errorf("%w: cannot reverse a reversal", ledger.ErrInvalidInput)
	}

	var dummy int
	if err := tx.QueryRowContext(ctx, `select 1 from clients where id=$1 for update`, orig.ClientID).Scan(&dummy); err != nil {
		return ledger.Transaction{}, err
	}

	var existing string
	err = tx.QueryRowContext(ctx, `select id from transactions where reversal_of=$1`, txID).Scan(&existing)
	if err == nil {
		return ledger.Transaction{}, fmt.Errorf("%w: transaction %s already reversed by %s", ledger.ErrConflict, txID, existing)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, err
	}

	if invoiceID.Valid && invoiceID.String != "" {
		inv, err := lockInvoice(ctx, tx, invoiceID.String)
		if err != nil {
			return ledger.Transaction{}, err
		}
		if ledger.ComputeStatus(inv.Paid.Amount, inv.Total.Amount) == ledger.StatusPaid {
			// Paid is terminal; the corrective path is a credit invoice.
			return ledger.Transaction{}, fmt.Errorf("%w: invoice %s", ledger.ErrInvoicePaid, invoiceID.String)
		}
		if _, err := tx.ExecContext(ctx, `
			update invoices set paid = paid - $2, updated_at = now() where id=$1
		`, invoiceID.String, orig.Amount.Amount); err != nil {
			return ledger.Transaction{}, err
		}
	}

	out, err := insertTransaction(ctx, tx, ledger.Transaction{
		ID:          ids.New(),
		ClientID:    orig.ClientID,
		Amount:      ledger.Money{Currency: orig.Amount.Currency, Amount: -orig.Amount.Amount},
		InvoiceID:   invoiceID.String,
		ReversalOf:  txID,
		CreatedBy:   actorID,
		Description: "reversal of " + txID,
		Category:    orig.Category,
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, err
	}
	obs.CountLedgerTransaction("reversal")
	return out, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx, `
		select id, client_id, currency, amount, occurred_at, sequence,
		       coalesce(invoice_id,''), coalesce(reversal_of,''), created_by, description, category, created_at
		from transactions where id=$1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, fmt.Errorf("%w: transaction %s", ledger.ErrNotFound, id)
	}
	return t, err
}

func (s *Store) ListTransactions(ctx context.Context, q ledger.TransactionQuery) ([]ledger.Transaction, uint64, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, client_id, currency, amount, occurred_at, sequence,
		       coalesce(invoice_id,''), coalesce(reversal_of,''), created_by, description, category, created_at
		from transactions
		where sequence > $1 and ($2 = '' or client_id = $2)
		order by sequence asc
		limit $3
	`, q.AfterSeq, q.ClientID, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []ledger.Transaction
	var last uint64
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, t)
		last = t.Sequence
	}
	return res, last, rows.Err()
}

func (s *Store) Balance(ctx context.Context, clientID, currency string) (ledger.Money, error) {
	currency = normalizeCurrency(currency)
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		select coalesce(sum(t.amount),0)
		from clients c
		left join transactions t on t.client_id = c.id and t.currency = $2
		where c.id = $1
		group by c.id
	`, clientID, currency).Scan(&sum)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Money{}, fmt.Errorf("%w: client %s", ledger.ErrNotFound, clientID)
	}
	if err != nil {
		return ledger.Money{}, err
	}
	return ledger.Money{Currency: currency, Amount: sum}, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (ledger.Invoice, error) {
	var inv ledger.Invoice
	var currency string
	err := row.Scan(&inv.ID, &inv.ClientID, &inv.CreatedBy, &inv.IssuedAt, &inv.DueAt,
		&currency, &inv.Total.Amount, &inv.Paid.Amount, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return ledger.Invoice{}, err
	}
	inv.Total.Currency = currency
	inv.Paid.Currency = currency
	return inv, nil
}

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var t ledger.Transaction
	err := row.Scan(&t.ID, &t.ClientID, &t.Amount.Currency, &t.Amount.Amount, &t.OccurredAt, &t.Sequence,
		&t.InvoiceID, &t.ReversalOf, &t.CreatedBy, &t.Description, &t.Category, &t.CreatedAt)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return t, nil
}

func lockInvoice(ctx context.Context, tx *sql.Tx, id string) (ledger.Invoice, error) {
	inv, err := scanInvoice(tx.QueryRowContext(ctx, `
		select id, client_id, created_by, issued_at, due_at, currency, total, paid, created_at, updated_at
		from invoices where id=$1 for update
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Invoice{}, fmt.Errorf("%w: invoice %s", ledger.ErrNotFound, id)
	}
	return inv, err
}

// insertTransaction assigns occurred_at as the greater of now() and the
// client's newest entry, so per-client timestamps never regress.
func insertTransaction(ctx context.Context, tx *sql.Tx, t ledger.Transaction) (ledger.Transaction, error) {
	err := tx.QueryRowContext(ctx, `
		insert into transactions (id, client_id, currency, amount, occurred_at, invoice_id, reversal_of, created_by, description, category)
		select $1, $2, $3, $4,
		       greatest(now(), coalesce((select max(occurred_at) from transactions where client_id=$2), now())),
		       nullif($5,''), nullif($6,''), $7, $8, $9
		returning occurred_at, sequence, created_at
	`, t.ID, t.ClientID, t.Amount.Currency, t.Amount.Amount, t.InvoiceID, t.ReversalOf, t.CreatedBy, t.Description, t.Category).
		Scan(&t.OccurredAt, &t.Sequence, &t.CreatedAt)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return t, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func normalizeCurrency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return ledger.DefaultCurrency
	}
	return c
}
