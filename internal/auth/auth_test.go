package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123"

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestIssueAndParse(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	iss, err := NewIssuer(testSecret, WithIssuer("test-issuer"), WithTTL(time.Hour), WithClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, exp, err := iss.Issue("helpdesk@eusd.org", []string{"Operator", "viewer", "operator", "root"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", exp)
	}

	claims, err := iss.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "helpdesk@eusd.org" || claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 2 || !slices.Contains(claims.Roles, RoleOperator) {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}
}

func TestParseRejects(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	iss, _ := NewIssuer(testSecret, WithTTL(time.Minute), WithClock(fixedClock(now)))
	token, _, err := iss.Issue("ops", []string{RoleViewer})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	later, _ := NewIssuer(testSecret, WithClock(fixedClock(now.Add(time.Hour))))
	other, _ := NewIssuer("ffffffffffffffffffff", WithClock(fixedClock(now)))
	foreign, _ := NewIssuer(testSecret, WithIssuer("someone-else"), WithClock(fixedClock(now)))

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer: DefaultIssuer, Subject: "x", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := []struct {
		name  string
		iss   *Issuer
		token string
	}{
		{"expired", later, token},
		{"wrong secret", other, token},
		{"wrong issuer", foreign, token},
		{"alg none", iss, unsigned},
		{"garbage", iss, "not.a.token"},
		{"empty", iss, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.iss.Parse(tc.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestNewIssuerValidation(t *testing.T) {
	if _, err := NewIssuer(""); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	if _, err := NewIssuer("short"); err == nil {
		t.Fatal("short secret accepted")
	}
	iss, _ := NewIssuer(testSecret)
	if _, _, err := iss.Issue(" ", []string{RoleViewer}); err == nil {
		t.Fatal("blank subject accepted")
	}
	if _, _, err := iss.Issue("ops", []string{"admin"}); err == nil {
		t.Fatal("unknown-only roles accepted")
	}
}

func TestRequire(t *testing.T) {
	ctx := context.Background()
	if err := Require(ctx, RoleViewer); !errors.Is(err, ErrForbidden) {
		t.Fatalf("anonymous context allowed: %v", err)
	}
	viewer := ContextWithClaims(ctx, &Claims{Roles: []string{RoleViewer}})
	if err := Require(viewer, RoleViewer); err != nil {
		t.Fatalf("viewer denied read: %v", err)
	}
	if err := Require(viewer, RoleOperator); !errors.Is(err, ErrForbidden) {
		t.Fatalf("viewer allowed to operate: %v", err)
	}
	op := ContextWithClaims(ctx, &Claims{Roles: []string{RoleOperator}})
	if err := Require(op, RoleViewer); err != nil {
		t.Fatalf("operator denied read: %v", err)
	}
}
