package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"duoclean.org/internal/audit"
	"duoclean.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}

// withAuth verifies bearer tokens on non-public paths and attributes the request to
// the token subject. Without an issuer every request passes as the system actor.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.svc.Tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			challenge(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.svc.Tokens.Parse(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				challenge(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := auth.ContextWithClaims(r.Context(), claims)
		ctx = audit.WithActor(ctx, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects requests whose claims do not allow role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allowRole(w, r, role) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// guard applies RequireRole when authentication is enabled.
func (a *API) guard(role string, h http.HandlerFunc) http.Handler {
	if a.svc.Tokens == nil {
		return h
	}
	return RequireRole(role)(h)
}

// requireRole is the in-handler variant of guard for routes mixing read and write methods.
func (a *API) requireRole(w http.ResponseWriter, r *http.Request, role string) bool {
	if a.svc.Tokens == nil {
		return true
	}
	return allowRole(w, r, role)
}

func allowRole(w http.ResponseWriter, r *http.Request, role string) bool {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		challenge(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !claims.Allows(role) {
		challenge(w, r, http.StatusForbidden, "role "+role+" required")
		return false
	}
	return true
}

func challenge(w http.ResponseWriter, r *http.Request, code int, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="duoclean"`)
	writeError(w, r, code, msg)
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
