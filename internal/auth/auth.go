// Package auth issues and verifies the HS256 bearer tokens operators use against
// the cleanup API.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultIssuer = "duoclean"
	DefaultTTL    = 8 * time.Hour

	// RoleViewer may read runs, outcomes, stats, audit entries and look up accounts.
	RoleViewer = "viewer"
	// RoleOperator may additionally start and cancel runs and change account status.
	RoleOperator = "operator"
)

const minSecretLen = 16

// Claims represents JWT claims carried by operator tokens.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims grant role. Operators hold every viewer right.
func (c *Claims) Allows(role string) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	for _, r := range c.Roles {
		if r == role || (r == RoleOperator && role == RoleViewer) {
			return true
		}
	}
	return false
}

type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*Issuer)

func WithIssuer(name string) Option {
	return func(i *Issuer) {
		if name = strings.TrimSpace(name); name != "" {
			i.issuer = name
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer returns an issuer signing with secret.
func NewIssuer(secret string, opts ...Option) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("auth: secret must be at least %d bytes", minSecretLen)
	}
	i := &Issuer{secret: []byte(secret), issuer: DefaultIssuer, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue signs a token for subject with the given roles.
func (i *Issuer) Issue(subject string, roles []string) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, errors.New("auth: subject is required")
	}
	roles = normalizeRoles(roles)
	if len(roles) == 0 {
		return "", time.Time{}, errors.New("auth: at least one known role is required")
	}

	now := i.now().UTC()
	exp := now.Add(i.ttl)
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies the signature, issuer and lifetime of token.
func (i *Issuer) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	claims.Roles = normalizeRoles(claims.Roles)
	return claims, nil
}

// normalizeRoles lower-cases, dedupes and drops unknown roles.
func normalizeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	var out []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role != RoleViewer && role != RoleOperator {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}
