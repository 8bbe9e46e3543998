package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"fintrail.org/internal/audit"
	"fintrail.org/internal/authz"
	"fintrail.org/internal/identity"
	"fintrail.org/internal/ledger"
	"fintrail.org/internal/report"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	users   *identity.Service
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("FINTRAIL_AUTH_SECRET", "test-secret")
	identity.ResetSecretForTests()

	lgr := ledger.NewInMemory()
	users, err := identity.NewService(identity.NewMemoryStore())
	if err != nil {
		t.Fatalf("identity service: %v", err)
	}
	trail := audit.NewInMemory()
	engine := authz.NewEngine(users, trail)

	api := New(Config{
		Ledger:    lgr,
		Users:     users,
		Engine:    engine,
		Projector: report.NewProjector(lgr),
		Trail:     trail,
		Onboarder: ledger.NewOnboarder(lgr, users),
		Version:   "test",
	})
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		users:   users,
	}
}

func (c *apiClient) seedUser(role authz.Role, email string) {
	c.t.Helper()
	username := string(role) + "-user"
	if _, err := c.users.CreateUser(context.Background(), username, email, "secret-pass-1", role, ""); err != nil {
		c.t.Fatalf("seed %s user: %v", role, err)
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(email, password string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"email":    email,
		"password": password,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func (c *apiClient) auth(role authz.Role) map[string]string {
	c.t.Helper()
	email := string(role) + "@fintrail.test"
	c.seedUser(role, email)
	token := c.obtainToken(email, "secret-pass-1")
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAPIOnboardInvoicePaymentFlow(t *testing.T) {
	api := newTestAPI(t)
	adminHeader := api.auth(authz.RoleAdmin)

	// Onboard a client together with its portal account.
	resp := api.post("/v1/clients", map[string]any{
		"name":            "Acme Corp",
		"industry":        "manufacturing",
		"contact_email":   "ops@acme.test",
		"portal_username": "acme-portal",
		"portal_email":    "portal@acme.test",
	}, adminHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("onboard status: %d", resp.StatusCode)
	}
	onboarded := decode[onboardResponse](t, resp)
	clientID := onboarded.Client.ID
	if clientID == "" || onboarded.Portal.InitialSecret == "" {
		t.Fatalf("incomplete onboarding response: %+v", onboarded)
	}

	// Issue an invoice.
	resp = api.post("/v1/invoices", map[string]any{
		"client_id": clientID,
		"currency":  "USD",
		"total":     100000,
		"due_at":    time.Now().Add(30 * 24 * time.Hour).Format(time.RFC3339),
	}, adminHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("invoice status: %d", resp.StatusCode)
	}
	inv := decode[map[string]any](t, resp)
	invoiceID := inv["id"].(string)
	if inv["status"].(string) != "pending" {
		t.Fatalf("fresh invoice status: %v", inv["status"])
	}

	// Pay it in two installments.
	resp = api.post("/v1/invoices/"+invoiceID+"/payments", map[string]any{
		"currency": "USD",
		"amount":   40000,
	}, adminHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("payment status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/invoices/"+invoiceID, nil, adminHeader)
	st := decode[map[string]any](t, resp)
	if st["status"].(string) != "partially_paid" {
		t.Fatalf("status after partial payment: %v", st["status"])
	}

	resp = api.post("/v1/invoices/"+invoiceID+"/payments", map[string]any{
		"currency": "USD",
		"amount":   60000,
	}, adminHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("settling payment status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/invoices/"+invoiceID, nil, adminHeader)
	st = decode[map[string]any](t, resp)
	if st["status"].(string) != "paid" {
		t.Fatalf("status after full payment: %v", st["status"])
	}

	// Further payments are invalid: paid is terminal.
	resp = api.post("/v1/invoices/"+invoiceID+"/payments", map[string]any{
		"currency": "USD",
		"amount":   1,
	}, adminHeader)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("payment on paid invoice status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Report reflects the settled invoice.
	resp = api.get("/v1/reports/clients/"+clientID, nil, adminHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report status: %d", resp.StatusCode)
	}
	rep := decode[map[string]any](t, resp)
	if rep["open_invoices"].(float64) != 0 {
		t.Fatalf("open invoices after settlement: %v", rep["open_invoices"])
	}
}

func TestAPIOverpaymentRejected(t *testing.T) {
	api := newTestAPI(t)
	finHeader := api.auth(authz.RoleFinance)
	adminHeader := api.auth(authz.RoleAdmin)

	resp := api.post("/v1/clients", map[string]any{
		"name":            "Globex",
		"portal_username": "globex-portal",
		"portal_email":    "portal@globex.test",
	}, adminHeader)
	clientID := decode[onboardResponse](t, resp).Client.ID

	resp = api.post("/v1/invoices", map[string]any{
		"client_id": clientID,
		"currency":  "USD",
		"total":     1000,
		"due_at":    time.Now().Add(time.Hour).Format(time.RFC3339),
	}, finHeader)
	invoiceID := decode[map[string]any](t, resp)["id"].(string)

	resp = api.post("/v1/invoices/"+invoiceID+"/payments", map[string]any{
		"currency": "USD",
		"amount":   1500,
	}, finHeader)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("overpayment status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/invoices/"+invoiceID, nil, finHeader)
	st := decode[map[string]any](t, resp)
	if st["status"].(string) != "pending" {
		t.Fatalf("status after rejected overpayment: %v", st["status"])
	}
}

func TestAPITransactionReversal(t *testing.T) {
	api := newTestAPI(t)
	adminHeader := api.auth(authz.RoleAdmin)

	resp := api.post("/v1/clients", map[string]any{
		"name":            "Initech",
		"portal_username": "initech-portal",
		"portal_email":    "portal@initech.test",
	}, adminHeader)
	clientID := decode[onboardResponse](t, resp).Client.ID

	resp = api.post("/v1/transactions", map[string]any{
		"client_id": clientID,
		"currency":  "USD",
		"amount":    5000,
		"category":  "fees",
	}, adminHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("record status: %d", resp.StatusCode)
	}
	txID := decode[map[string]any](t, resp)["id"].(string)

	resp = api.post("/v1/transactions/"+txID+"/reverse", nil, adminHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("reverse status: %d", resp.StatusCode)
	}
	rev := decode[map[string]any](t, resp)
	if rev["amount"].(map[string]any)["amount"].(float64) != -5000 {
		t.Fatalf("reversal amount: %v", rev["amount"])
	}
	if rev["reversal_of"].(string) != txID {
		t.Fatalf("reversal back-reference: %v", rev["reversal_of"])
	}

	// Second reversal conflicts.
	resp = api.post("/v1/transactions/"+txID+"/reverse", nil, adminHeader)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double reverse status: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIClientScopeRestriction(t *testing.T) {
	api := newTestAPI(t)
	adminHeader := api.auth(authz.RoleAdmin)

	resp := api.post("/v1/clients", map[string]any{
		"name":            "Acme Corp",
		"portal_username": "acme-portal",
		"portal_email":    "portal@acme.test",
	}, adminHeader)
	acme := decode[onboardResponse](t, resp)

	resp = api.post("/v1/clients", map[string]any{
		"name":            "Globex",
		"portal_username": "globex-portal",
		"portal_email":    "portal@globex.test",
	}, adminHeader)
	globex := decode[onboardResponse](t, resp)

	token := api.obtainToken("portal@acme.test", acme.Portal.InitialSecret)
	portalHeader := map[string]string{"Authorization": "Bearer " + token}

	// Own client record is visible, the other is not.
	resp = api.get("/v1/clients/"+acme.Client.ID, nil, portalHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("own client status: %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = api.get("/v1/clients/"+globex.Client.ID, nil, portalHeader)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign client status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Collection reads collapse to the caller's own records.
	resp = api.get("/v1/clients", nil, portalHeader)
	clients := decode[[]map[string]any](t, resp)
	if len(clients) != 1 || clients[0]["id"].(string) != acme.Client.ID {
		t.Fatalf("client-scoped listing: %+v", clients)
	}

	// Asking for another client's transactions is denied outright.
	resp = api.get("/v1/transactions", url.Values{"client_id": []string{globex.Client.ID}}, portalHeader)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign transactions status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Mutations are closed to the client role entirely.
	resp = api.post("/v1/transactions", map[string]any{
		"client_id": acme.Client.ID,
		"currency":  "USD",
		"amount":    100,
	}, portalHeader)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("client-role mutation status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Users and the audit trail are invisible to the client role.
	resp = api.get("/v1/users", nil, portalHeader)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("client-role user listing status: %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = api.get("/v1/audit", nil, portalHeader)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("client-role audit status: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIAuditorIsReadOnly(t *testing.T) {
	api := newTestAPI(t)
	adminHeader := api.auth(authz.RoleAdmin)
	audHeader := api.auth(authz.RoleAuditor)

	resp := api.post("/v1/clients", map[string]any{
		"name":            "Acme Corp",
		"portal_username": "acme-portal",
		"portal_email":    "portal@acme.test",
	}, adminHeader)
	clientID := decode[onboardResponse](t, resp).Client.ID

	resp = api.get("/v1/clients/"+clientID, nil, audHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("auditor read status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/transactions", map[string]any{
		"client_id": clientID,
		"currency":  "USD",
		"amount":    100,
	}, audHeader)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("auditor mutation status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The denied attempt shows up in the audit trail.
	resp = api.get("/v1/audit", url.Values{"outcome": []string{"denied"}}, audHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit listing status: %d", resp.StatusCode)
	}
	entries := decode[auditLogResponse](t, resp)
	if len(entries.Items) == 0 {
		t.Fatal("expected a denied entry in the trail")
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/transactions", map[string]any{
		"client_id": "x",
		"amount":    1,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"email": ""}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp2 := api.post("/v1/auth/token", map[string]any{
		"email":    "nobody@fintrail.test",
		"password": "wrong",
	}, nil)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp2.StatusCode)
	}
}

func TestAPIInvoiceListFilters(t *testing.T) {
	api := newTestAPI(t)
	adminHeader := api.auth(authz.RoleAdmin)

	resp := api.post("/v1/clients", map[string]any{
		"name":            "Filter Co",
		"portal_username": "filter-portal",
		"portal_email":    "portal@filter.test",
	}, adminHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("onboard status: %d", resp.StatusCode)
	}
	clientID := decode[onboardResponse](t, resp).Client.ID

	now := time.Now().UTC()
	// One invoice already past due, one with plenty of runway.
	resp = api.post("/v1/invoices", map[string]any{
		"client_id": clientID,
		"currency":  "USD",
		"total":     50000,
		"issued_at": now.Add(-60 * 24 * time.Hour).Format(time.RFC3339),
		"due_at":    now.Add(-30 * 24 * time.Hour).Format(time.RFC3339),
	}, adminHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("past-due invoice status: %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = api.post("/v1/invoices", map[string]any{
		"client_id": clientID,
		"currency":  "USD",
		"total":     20000,
		"due_at":    now.Add(30 * 24 * time.Hour).Format(time.RFC3339),
	}, adminHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("future invoice status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/invoices", url.Values{"client_id": {clientID}}, adminHeader)
	if got := len(decode[[]ledger.Statement](t, resp)); got != 2 {
		t.Fatalf("unfiltered listing: got %d invoices", got)
	}

	resp = api.get("/v1/invoices", url.Values{"client_id": {clientID}, "overdue": {"true"}}, adminHeader)
	overdue := decode[[]ledger.Statement](t, resp)
	if len(overdue) != 1 || !overdue[0].Overdue {
		t.Fatalf("overdue listing: %+v", overdue)
	}

	resp = api.get("/v1/invoices", url.Values{"client_id": {clientID}, "status": {"paid"}}, adminHeader)
	if got := len(decode[[]ledger.Statement](t, resp)); got != 0 {
		t.Fatalf("paid listing: got %d invoices", got)
	}

	resp = api.get("/v1/invoices", url.Values{"status": {"bogus"}}, adminHeader)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus status filter: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIClientReportTextFormat(t *testing.T) {
	api := newTestAPI(t)
	adminHeader := api.auth(authz.RoleAdmin)

	resp := api.post("/v1/clients", map[string]any{
		"name":            "Text Co",
		"portal_username": "text-portal",
		"portal_email":    "portal@text.test",
	}, adminHeader)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("onboard status: %d", resp.StatusCode)
	}
	clientID := decode[onboardResponse](t, resp).Client.ID

	resp = api.get("/v1/reports/clients/"+clientID, url.Values{"format": {"text"}}, adminHeader)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type: %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "Text Co") {
		t.Fatalf("rendered report missing client name:\n%s", body)
	}
}

func TestHealthEndpointsArePublic(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := api.get(path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status: %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}
