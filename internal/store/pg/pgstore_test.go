package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"fintrail.org/internal/audit"
	"fintrail.org/internal/authz"
	"fintrail.org/internal/identity"
	"fintrail.org/internal/ledger"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateClientConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("insert into clients").
		WithArgs(sqlmock.AnyArg(), "Acme Corp", "", "", "", "").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := store.CreateClient(context.Background(), ledger.ClientProfile{Name: "Acme Corp"})
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	expectationsMet(t, mock)
}

func TestGetClientNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select id, name, industry").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetClient(context.Background(), "missing")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	expectationsMet(t, mock)
}

func TestRecordTransactionFreestanding(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from clients where id=\\$1 for update").
		WithArgs("client-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("insert into transactions").
		WithArgs(sqlmock.AnyArg(), "client-1", "USD", int64(500), "", "", "fin-1", "consulting", "fees").
		WillReturnRows(sqlmock.NewRows([]string{"occurred_at", "sequence", "created_at"}).AddRow(now, int64(7), now))
	mock.ExpectCommit()

	tx, err := store.RecordTransaction(context.Background(), ledger.TransactionInput{
		ClientID:    "client-1",
		Amount:      ledger.Money{Currency: "usd", Amount: 500},
		CreatedBy:   "fin-1",
		Description: "consulting",
		Category:    "fees",
	})
	if err != nil {
		t.Fatalf("RecordTransaction: %v", err)
	}
	if tx.Sequence != 7 || tx.Amount.Currency != "USD" {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	expectationsMet(t, mock)
}

func invoiceRows(clientID string, total, paid int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "client_id", "created_by", "issued_at", "due_at", "currency", "total", "paid", "created_at", "updated_at",
	}).AddRow("inv-1", clientID, "fin-1", now, now.Add(time.Hour), "USD", total, paid, now, now)
}

func TestRecordPaymentOverpaymentRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from clients where id=\\$1 for update").
		WithArgs("client-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("select id, client_id, created_by.*for update").
		WithArgs("inv-1").
		WillReturnRows(invoiceRows("client-1", 1000, 900))
	mock.ExpectRollback()

	_, err := store.RecordTransaction(context.Background(), ledger.TransactionInput{
		ClientID:  "client-1",
		Amount:    ledger.Money{Currency: "USD", Amount: 200},
		InvoiceID: "inv-1",
	})
	if !errors.Is(err, ledger.ErrOverpayment) {
		t.Fatalf("err = %v, want ErrOverpayment", err)
	}
	expectationsMet(t, mock)
}

func TestRecordPaymentOnPaidInvoice(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from clients where id=\\$1 for update").
		WithArgs("client-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("select id, client_id, created_by.*for update").
		WithArgs("inv-1").
		WillReturnRows(invoiceRows("client-1", 1000, 1000))
	mock.ExpectRollback()

	_, err := store.RecordTransaction(context.Background(), ledger.TransactionInput{
		ClientID:  "client-1",
		Amount:    ledger.Money{Currency: "USD", Amount: 1},
		InvoiceID: "inv-1",
	})
	if !errors.Is(err, ledger.ErrInvoicePaid) {
		t.Fatalf("err = %v, want ErrInvoicePaid", err)
	}
	expectationsMet(t, mock)
}

func TestReverseTransactionConflictWhenAlreadyReversed(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select id, client_id, currency, amount, invoice_id, reversal_of").
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "client_id", "currency", "amount", "invoice_id", "reversal_of", "category"}).
			AddRow("tx-1", "client-1", "USD", int64(300), nil, nil, "fees"))
	mock.ExpectQuery("select 1 from clients where id=\\$1 for update").
		WithArgs("client-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("select id from transactions where reversal_of=\\$1").
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("tx-9"))
	mock.ExpectRollback()

	_, err := store.ReverseTransaction(context.Background(), "tx-1", "admin-1")
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	expectationsMet(t, mock)
}

func TestDeleteClientForeignKeyConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("delete from clients").
		WithArgs("client-1").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	err := store.DeleteClient(context.Background(), "client-1")
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	expectationsMet(t, mock)
}

func TestBalanceSums(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select coalesce\\(sum\\(t.amount\\),0\\)").
		WithArgs("client-1", "USD").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(350)))

	bal, err := store.Balance(context.Background(), "client-1", "usd")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Amount != 350 || bal.Currency != "USD" {
		t.Fatalf("balance = %+v", bal)
	}
	expectationsMet(t, mock)
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("insert into users").
		WithArgs(sqlmock.AnyArg(), "acme-portal", "portal@acme.test", sqlmock.AnyArg(), "client", "client-1").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.CreateUser(context.Background(), &identity.User{
		Username:     "acme-portal",
		Email:        "portal@acme.test",
		PasswordHash: "hash",
		Role:         "client",
		ClientID:     "client-1",
	})
	if !errors.Is(err, identity.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	expectationsMet(t, mock)
}

func TestAuditAppendAndList(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("insert into audit_log").
		WithArgs(sqlmock.AnyArg(), "fin-1", "create", "transaction", "", "allowed", "role=finance").
		WillReturnRows(sqlmock.NewRows([]string{"occurred_at"}).AddRow(now))

	entry := &audit.Entry{
		ActorID:  "fin-1",
		Action:   "create",
		Resource: "transaction",
		Outcome:  audit.OutcomeAllowed,
		Detail:   "role=finance",
	}
	if err := store.Append(context.Background(), entry); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if entry.ID == "" || entry.OccurredAt.IsZero() {
		t.Fatalf("entry not populated: %+v", entry)
	}

	mock.ExpectQuery("select id, actor_id, action, resource").
		WithArgs("", "transaction", "denied", 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "actor_id", "action", "resource", "resource_id", "outcome", "detail", "occurred_at"}).
			AddRow("e1", "aud-1", "delete", "transaction", "", "denied", "", now))

	entries, err := store.List(context.Background(), audit.Filter{Resource: "transaction", Outcome: audit.OutcomeDenied})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Outcome != audit.OutcomeDenied {
		t.Fatalf("entries = %+v", entries)
	}
	expectationsMet(t, mock)
}

func TestUpdateUserClearsClientBinding(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from users where id=\\$1 for update").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "username", "email", "password_hash", "role", "client_id", "created_at", "updated_at",
		}).AddRow("user-1", "acme-portal", "portal@acme.test", "hash", "client", "client-1", now, now))
	mock.ExpectQuery("update users").
		WithArgs("user-1", "acme-portal", "portal@acme.test", "hash", "finance", "").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))
	mock.ExpectCommit()

	role := authz.RoleFinance
	empty := ""
	u, err := store.UpdateUser(context.Background(), "user-1", identity.UserUpdate{Role: &role, ClientID: &empty})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if u.Role != authz.RoleFinance || u.ClientID != "" {
		t.Fatalf("binding not cleared: role=%s client=%q", u.Role, u.ClientID)
	}
	expectationsMet(t, mock)
}

func TestUpdateUserCheckViolationIsInvalidInput(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from users where id=\\$1 for update").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "username", "email", "password_hash", "role", "client_id", "created_at", "updated_at",
		}).AddRow("user-1", "finance1", "fin@acme.test", "hash", "finance", "", now, now))
	mock.ExpectQuery("update users").
		WillReturnError(&pgconn.PgError{Code: pgErrCheckViolation})
	mock.ExpectRollback()

	role := authz.RoleClient
	_, err := store.UpdateUser(context.Background(), "user-1", identity.UserUpdate{Role: &role})
	if !errors.Is(err, identity.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	expectationsMet(t, mock)
}
