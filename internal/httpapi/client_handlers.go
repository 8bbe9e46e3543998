package httpapi

import (
	"net/http"
	"strings"

	"fintrail.org/internal/authz"
	"fintrail.org/internal/ledger"
)

type onboardRequest struct {
	Name           string `json:"name"`
	Industry       string `json:"industry"`
	ContactEmail   string `json:"contact_email"`
	ContactPhone   string `json:"contact_phone"`
	Address        string `json:"address"`
	PortalUsername string `json:"portal_username"`
	PortalEmail    string `json:"portal_email"`
}

type onboardResponse struct {
	Client ledger.Client     `json:"client"`
	Portal ledger.ClientUser `json:"portal_user"`
}

type updateClientRequest struct {
	Name         *string `json:"name"`
	Industry     *string `json:"industry"`
	ContactEmail *string `json:"contact_email"`
	ContactPhone *string `json:"contact_phone"`
	Address      *string `json:"address"`
}

type attachUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (a *API) handleClientsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.onboardClient(w, r)
	case http.MethodGet:
		a.listClients(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleClientResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/clients/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/users") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/users"), "/")
		id = strings.TrimSuffix(id, "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "client not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.attachClientUser(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getClient(w, r, path)
	case http.MethodPut:
		a.updateClient(w, r, path)
	case http.MethodDelete:
		a.deleteClient(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) onboardClient(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, authz.ActionCreate, authz.ResourceClient, ""); !ok {
		return
	}

	var req onboardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	if strings.TrimSpace(req.PortalUsername) == "" || strings.TrimSpace(req.PortalEmail) == "" {
		writeError(w, r, http.StatusBadRequest, "portal_username and portal_email are required")
		return
	}

	client, portal, err := a.onboarder.Onboard(r.Context(), ledger.OnboardInput{
		Profile: ledger.ClientProfile{
			Name:         req.Name,
			Industry:     req.Industry,
			ContactEmail: req.ContactEmail,
			ContactPhone: req.ContactPhone,
			Address:      req.Address,
		},
		Username: strings.TrimSpace(req.PortalUsername),
		Email:    strings.TrimSpace(req.PortalEmail),
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "client.onboard", "client", client.ID, map[string]string{
		"name":           client.Name,
		"portal_user_id": portal.UserID,
	})

	w.Header().Set("Location", "/v1/clients/"+client.ID)
	writeJSON(w, http.StatusCreated, onboardResponse{Client: client, Portal: portal})
}

func (a *API) attachClientUser(w http.ResponseWriter, r *http.Request, clientID string) {
	if _, ok := a.authorize(w, r, authz.ActionCreate, authz.ResourceUser, ""); !ok {
		return
	}

	var req attachUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	portal, err := a.onboarder.AttachUser(r.Context(), clientID, strings.TrimSpace(req.Username), strings.TrimSpace(req.Email))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "client.user.attach", "client", clientID, map[string]string{
		"portal_user_id": portal.UserID,
	})
	writeJSON(w, http.StatusCreated, portal)
}

func (a *API) listClients(w http.ResponseWriter, r *http.Request) {
	_, ownerFilter, ok := a.narrowList(w, r, authz.ResourceClient)
	if !ok {
		return
	}

	if ownerFilter != "" {
		// Own scope collapses the collection to the caller's client record.
		c, err := a.ledger.GetClient(r.Context(), ownerFilter)
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, []ledger.Client{c})
		return
	}

	clients, err := a.ledger.ListClients(r.Context())
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

func (a *API) getClient(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.authorize(w, r, authz.ActionRead, authz.ResourceClient, id); !ok {
		return
	}
	c, err := a.ledger.GetClient(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) updateClient(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.authorize(w, r, authz.ActionUpdate, authz.ResourceClient, id); !ok {
		return
	}

	var req updateClientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	c, err := a.ledger.UpdateClient(r.Context(), id, ledger.ClientUpdate{
		Name:         req.Name,
		Industry:     req.Industry,
		ContactEmail: req.ContactEmail,
		ContactPhone: req.ContactPhone,
		Address:      req.Address,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "client.update", "client", id, nil)
	writeJSON(w, http.StatusOK, c)
}

func (a *API) deleteClient(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.authorize(w, r, authz.ActionDelete, authz.ResourceClient, id); !ok {
		return
	}
	if err := a.ledger.DeleteClient(r.Context(), id); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "client.delete", "client", id, nil)
	w.WriteHeader(http.StatusNoContent)
}
