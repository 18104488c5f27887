package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"duoclean.org/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireRoleAllowsMatchingRole(t *testing.T) {
	handler := RequireRole(auth.RoleOperator)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	req = req.WithContext(auth.ContextWithClaims(req.Context(), &auth.Claims{Roles: []string{auth.RoleOperator}}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireRoleOperatorImpliesViewer(t *testing.T) {
	handler := RequireRole(auth.RoleViewer)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	req = req.WithContext(auth.ContextWithClaims(req.Context(), &auth.Claims{Roles: []string{auth.RoleOperator}}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireRoleRejectsMissingRole(t *testing.T) {
	handler := RequireRole(auth.RoleOperator)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	req = req.WithContext(auth.ContextWithClaims(req.Context(), &auth.Claims{Roles: []string{auth.RoleViewer}}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestRequireRoleRejectsMissingClaims(t *testing.T) {
	handler := RequireRole(auth.RoleViewer)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/internal", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer   abc  ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if (err == nil) != tc.ok || got != tc.token {
			t.Fatalf("extractBearerToken(%q) = %q, %v", tc.header, got, err)
		}
	}
}
