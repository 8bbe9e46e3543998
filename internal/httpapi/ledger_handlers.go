package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fintrail.org/internal/authz"
	"fintrail.org/internal/ledger"
)

type recordTransactionRequest struct {
	ClientID    string `json:"client_id"`
	Currency    string `json:"currency"`
	Amount      int64  `json:"amount"`
	InvoiceID   string `json:"invoice_id"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type createInvoiceRequest struct {
	ClientID string     `json:"client_id"`
	Currency string     `json:"currency"`
	Total    int64      `json:"total"`
	IssuedAt *time.Time `json:"issued_at"`
	DueAt    time.Time  `json:"due_at"`
}

type recordPaymentRequest struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

type listTransactionsResponse struct {
	Items     []ledger.Transaction `json:"items"`
	NextAfter uint64               `json:"next_after"`
	AsOf      time.Time            `json:"as_of"`
}

func (a *API) handleTransactionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.recordTransaction(w, r)
	case http.MethodGet:
		a.listTransactions(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleTransactionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/reverse") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/reverse"), "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "transaction not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.reverseTransaction(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getTransaction(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) recordTransaction(w http.ResponseWriter, r *http.Request) {
	var req recordTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		writeError(w, r, http.StatusBadRequest, "client_id is required")
		return
	}
	if req.Amount == 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be non-zero")
		return
	}
	if len(req.Currency) > 8 {
		writeError(w, r, http.StatusBadRequest, "currency code too long")
		return
	}

	actor, ok := a.authorize(w, r, authz.ActionCreate, authz.ResourceTransaction, clientID)
	if !ok {
		return
	}

	tx, err := a.ledger.RecordTransaction(r.Context(), ledger.TransactionInput{
		ClientID:    clientID,
		Amount:      ledger.Money{Currency: req.Currency, Amount: req.Amount},
		InvoiceID:   strings.TrimSpace(req.InvoiceID),
		CreatedBy:   actor.ID,
		Description: req.Description,
		Category:    req.Category,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "ledger.transaction.record", "transaction", tx.ID, map[string]string{
		"client_id": clientID,
		"amount":    strconv.FormatInt(req.Amount, 10),
	})
	w.Header().Set("Location", "/v1/transactions/"+tx.ID)
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) reverseTransaction(w http.ResponseWriter, r *http.Request, id string) {
	orig, err := a.ledger.GetTransaction(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	// Reversal is the delete operation of an append-only ledger.
	actor, ok := a.authorize(w, r, authz.ActionDelete, authz.ResourceTransaction, orig.ClientID)
	if !ok {
		return
	}

	rev, err := a.ledger.ReverseTransaction(r.Context(), id, actor.ID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "ledger.transaction.reverse", "transaction", rev.ID, map[string]string{
		"reversal_of": id,
		"client_id":   rev.ClientID,
	})
	writeJSON(w, http.StatusCreated, rev)
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request, id string) {
	tx, err := a.ledger.GetTransaction(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if _, ok := a.authorize(w, r, authz.ActionRead, authz.ResourceTransaction, tx.ClientID); !ok {
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	_, ownerFilter, ok := a.narrowList(w, r, authz.ResourceTransaction)
	if !ok {
		return
	}

	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	afterParam := strings.TrimSpace(r.URL.Query().Get("after"))
	var after uint64
	if afterParam != "" {
		v, err := strconv.ParseUint(afterParam, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if ownerFilter != "" {
		if clientID != "" && clientID != ownerFilter {
			writeError(w, r, http.StatusForbidden, "permission denied")
			return
		}
		clientID = ownerFilter
	}

	items, next, err := a.ledger.ListTransactions(r.Context(), ledger.TransactionQuery{
		ClientID: clientID,
		Limit:    limit,
		AfterSeq: after,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listTransactionsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func (a *API) handleInvoicesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createInvoice(w, r)
	case http.MethodGet:
		a.listInvoices(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleInvoiceResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/invoices/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/payments") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/payments"), "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "invoice not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.recordPayment(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getInvoice(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		writeError(w, r, http.StatusBadRequest, "client_id is required")
		return
	}
	if req.Total <= 0 {
		writeError(w, r, http.StatusBadRequest, "total must be > 0")
		return
	}
	if req.DueAt.IsZero() {
		writeError(w, r, http.StatusBadRequest, "due_at is required")
		return
	}

	actor, ok := a.authorize(w, r, authz.ActionCreate, authz.ResourceInvoice, clientID)
	if !ok {
		return
	}

	in := ledger.InvoiceInput{
		ClientID:  clientID,
		CreatedBy: actor.ID,
		Total:     ledger.Money{Currency: req.Currency, Amount: req.Total},
		DueAt:     req.DueAt,
	}
	if req.IssuedAt != nil {
		in.IssuedAt = *req.IssuedAt
	}

	inv, err := a.ledger.CreateInvoice(r.Context(), in)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "ledger.invoice.create", "invoice", inv.ID, map[string]string{
		"client_id": clientID,
		"total":     strconv.FormatInt(req.Total, 10),
	})
	w.Header().Set("Location", "/v1/invoices/"+inv.ID)
	writeJSON(w, http.StatusCreated, inv.StatementAt(time.Now().UTC()))
}

func (a *API) getInvoice(w http.ResponseWriter, r *http.Request, id string) {
	inv, err := a.ledger.GetInvoice(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if _, ok := a.authorize(w, r, authz.ActionRead, authz.ResourceInvoice, inv.ClientID); !ok {
		return
	}
	writeJSON(w, http.StatusOK, inv.StatementAt(time.Now().UTC()))
}

func (a *API) listInvoices(w http.ResponseWriter, r *http.Request) {
	_, ownerFilter, ok := a.narrowList(w, r, authz.ResourceInvoice)
	if !ok {
		return
	}

	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if ownerFilter != "" {
		if clientID != "" && clientID != ownerFilter {
			writeError(w, r, http.StatusForbidden, "permission denied")
			return
		}
		clientID = ownerFilter
	}

	overdueOnly := r.URL.Query().Get("overdue") == "true"
	statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))
	switch ledger.InvoiceStatus(statusFilter) {
	case "", ledger.StatusPending, ledger.StatusPartiallyPaid, ledger.StatusPaid:
	default:
		writeError(w, r, http.StatusBadRequest, "unknown status filter")
		return
	}

	invoices, err := a.ledger.ListInvoices(r.Context(), clientID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	now := time.Now().UTC()
	statements := make([]ledger.Statement, 0, len(invoices))
	for _, inv := range invoices {
		st := inv.StatementAt(now)
		if overdueOnly && !st.Overdue {
			continue
		}
		if statusFilter != "" && st.Status != ledger.InvoiceStatus(statusFilter) {
			continue
		}
		statements = append(statements, st)
	}
	writeJSON(w, http.StatusOK, statements)
}

func (a *API) recordPayment(w http.ResponseWriter, r *http.Request, invoiceID string) {
	inv, err := a.ledger.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	var req recordPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}

	actor, ok := a.authorize(w, r, authz.ActionCreate, authz.ResourceTransaction, inv.ClientID)
	if !ok {
		return
	}

	tx, err := a.ledger.RecordTransaction(r.Context(), ledger.TransactionInput{
		ClientID:  inv.ClientID,
		Amount:    ledger.Money{Currency: req.Currency, Amount: req.Amount},
		InvoiceID: invoiceID,
		CreatedBy: actor.ID,
		Category:  "payment",
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "ledger.invoice.payment", "invoice", invoiceID, map[string]string{
		"transaction_id": tx.ID,
		"amount":         strconv.FormatInt(req.Amount, 10),
	})
	writeJSON(w, http.StatusCreated, tx)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}
