package httpapi

import (
	"net/http"
	"strings"

	"fintrail.org/internal/authz"
)

func (a *API) handleClientReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/reports/clients/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	// A client report exposes the client's invoices and transactions, so read
	// access to the client record gates it.
	if _, ok := a.authorize(w, r, authz.ActionRead, authz.ResourceClient, id); !ok {
		return
	}

	rep, err := a.projector.ClientReport(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	if wantsText(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(a.renderer.RenderClient(rep)))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleSystemReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	actor, ok := a.requireActor(w, r)
	if !ok {
		return
	}
	// System-wide aggregates need unrestricted client read.
	d, owner, err := a.engine.Narrow(r.Context(), actor, authz.ResourceClient)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authorization error")
		return
	}
	if !d.Allowed || owner != "" {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return
	}

	rep, err := a.projector.SystemReport(r.Context())
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	if wantsText(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(a.renderer.RenderSystem(rep)))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func wantsText(r *http.Request) bool {
	if r.URL.Query().Get("format") == "text" {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/plain") && !strings.Contains(accept, "application/json")
}
