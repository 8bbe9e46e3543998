package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"fintrail.org/internal/authz"
	"fintrail.org/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.users == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		actor, err := a.users.Authenticate(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, identity.ErrInvalidToken), errors.Is(err, identity.ErrUnauthorized):
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := identity.ContextWithActor(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireActor pulls the authenticated actor out of the context or ends the
// request with 401.
func (a *API) requireActor(w http.ResponseWriter, r *http.Request) (authz.Actor, bool) {
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return authz.Actor{}, false
	}
	return actor, true
}

// authorize consults the engine for a single-resource action. ownerID is the
// owning client of the concrete resource. Ends the request on deny.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, action authz.Action, resource authz.Resource, ownerID string) (authz.Actor, bool) {
	actor, ok := a.requireActor(w, r)
	if !ok {
		return authz.Actor{}, false
	}
	d := a.engine.Evaluate(r.Context(), actor, action, resource, ownerID)
	if !d.Allowed {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return authz.Actor{}, false
	}
	return actor, true
}

// narrowList resolves how a collection read must be filtered for the caller.
// An empty owner filter means unrestricted. Ends the request on deny.
func (a *API) narrowList(w http.ResponseWriter, r *http.Request, resource authz.Resource) (authz.Actor, string, bool) {
	actor, ok := a.requireActor(w, r)
	if !ok {
		return authz.Actor{}, "", false
	}
	d, owner, err := a.engine.Narrow(r.Context(), actor, resource)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authorization error")
		return authz.Actor{}, "", false
	}
	if !d.Allowed {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return authz.Actor{}, "", false
	}
	return actor, owner, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
