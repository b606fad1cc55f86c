// Package jwt issues and verifies the bearer tokens guarding the diagnostics API.
package jwt

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// Issuer names the token issuer.
	Issuer = "kvscope"
	// Audience is the only audience accepted by Verify.
	Audience = "kvscope-diagnostics"
	// ScopeDiagnostics grants read access to captures.
	ScopeDiagnostics = "diagnostics:read"
)

var (
	// ErrSecretRequired is returned when signing or verifying without a secret.
	ErrSecretRequired = errors.New("jwt: signing secret required")
	// ErrScope marks a valid token that lacks the requested scope.
	ErrScope = errors.New("jwt: insufficient scope")
)

// Claims defines the diagnostics access token payload. Scope holds
// space-separated scope names.
type Claims struct {
	Scope string `json:"scope"`
	jwtlib.RegisteredClaims
}

// Scopes splits the scope claim.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// HasScope reports whether scope was granted.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes(), scope)
}

// GenerateToken issues a signed HS256 token for subject valid for ttl.
func GenerateToken(subject, scope, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrSecretRequired
	}
	now := time.Now()
	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    Issuer,
			Subject:   subject,
			Audience:  jwtlib.ClaimStrings{Audience},
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse validates signature, issuer, audience and expiry and returns the claims.
func Parse(token string, secret string) (*Claims, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithIssuer(Issuer),
		jwtlib.WithAudience(Audience),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}

// Verify parses token and requires scope. A well-formed token without the
// scope yields its claims together with ErrScope.
func Verify(token, secret, scope string) (*Claims, error) {
	claims, err := Parse(token, secret)
	if err != nil {
		return nil, err
	}
	if !claims.HasScope(scope) {
		return claims, fmt.Errorf("%w: %q", ErrScope, scope)
	}
	return claims, nil
}
