package httpapi

import (
	"net/http"
	"strings"
	"time"

	"fintrail.org/internal/audit"
	"fintrail.org/internal/authz"
)

type auditLogResponse struct {
	Items []audit.Entry `json:"items"`
	AsOf  time.Time     `json:"as_of"`
}

func (a *API) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.authorize(w, r, authz.ActionRead, authz.ResourceAuditLog, ""); !ok {
		return
	}

	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	filter := audit.Filter{
		ActorID:  strings.TrimSpace(r.URL.Query().Get("actor_id")),
		Resource: strings.TrimSpace(r.URL.Query().Get("resource")),
		Limit:    limit,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("outcome")); raw != "" {
		outcome := audit.Outcome(raw)
		if outcome != audit.OutcomeAllowed && outcome != audit.OutcomeDenied {
			writeError(w, r, http.StatusBadRequest, "outcome must be allowed or denied")
			return
		}
		filter.Outcome = outcome
	}

	entries, err := a.trail.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, auditLogResponse{
		Items: entries,
		AsOf:  time.Now().UTC(),
	})
}
