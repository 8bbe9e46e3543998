package httpapi

import (
	"net/http"
	"strings"

	"fintrail.org/internal/authz"
	"fintrail.org/internal/identity"
)

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
	ClientID string `json:"client_id"`
}

type updateUserRequest struct {
	Username *string `json:"username"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
	Role     *string `json:"role"`
	ClientID *string `json:"client_id"`
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createUser(w, r)
	case http.MethodGet:
		a.listUsers(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getUser(w, r, id)
	case http.MethodPut:
		a.updateUser(w, r, id)
	case http.MethodDelete:
		a.deleteUser(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.authorize(w, r, authz.ActionCreate, authz.ResourceUser, ""); !ok {
		return
	}

	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	role, err := authz.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, err := a.users.CreateUser(r.Context(), req.Username, req.Email, req.Password, role, strings.TrimSpace(req.ClientID))
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}

	a.audit(r.Context(), "user.create", "user", user.ID, map[string]string{
		"role": string(user.Role),
	})
	w.Header().Set("Location", "/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := a.narrowList(w, r, authz.ResourceUser); !ok {
		return
	}
	users, err := a.users.ListUsers(r.Context())
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request, id string) {
	user, err := a.users.GetUser(r.Context(), id)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	if _, ok := a.authorize(w, r, authz.ActionRead, authz.ResourceUser, user.ClientID); !ok {
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) updateUser(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.authorize(w, r, authz.ActionUpdate, authz.ResourceUser, ""); !ok {
		return
	}

	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	upd := identity.UserUpdate{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		ClientID: req.ClientID,
	}
	if req.Role != nil {
		role, err := authz.ParseRole(*req.Role)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		upd.Role = &role
	}

	user, err := a.users.UpdateUser(r.Context(), id, upd)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}

	a.audit(r.Context(), "user.update", "user", id, nil)
	writeJSON(w, http.StatusOK, user)
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.authorize(w, r, authz.ActionDelete, authz.ResourceUser, ""); !ok {
		return
	}
	if err := a.users.RemoveUser(r.Context(), id); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	a.audit(r.Context(), "user.delete", "user", id, nil)
	w.WriteHeader(http.StatusNoContent)
}
