// Package bearerauth is the optional bearer-JWT gate for the distribution
// and evaluator HTTP surfaces. Unlike a user-facing API, an unconfigured
// validator here means the surface runs open — these surfaces are reached
// only by enforcement points over a trusted network in the reference
// deployment, so there is no safe default to fail closed to.
package bearerauth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the minimal shape expected of a caller's token: a subject and
// standard expiry, nothing tenant- or role-specific.
type Claims struct {
	jwt.RegisteredClaims
}

// Validator validates bearer tokens against a configured public key.
type Validator struct {
	keyFunc jwt.Keyfunc
}

// NewValidator builds a Validator from a PEM-encoded RSA or EC public key.
// An empty pemKey means "no validator" — callers should pass nil to
// Middleware in that case to run the surface open.
func NewValidator(pemKey string) (*Validator, error) {
	if pemKey == "" {
		return nil, nil
	}
	key, err := parsePublicKey(pemKey)
	if err != nil {
		return nil, fmt.Errorf("bearerauth: parse public key: %w", err)
	}
	return &Validator{keyFunc: func(*jwt.Token) (interface{}, error) { return key, nil }}, nil
}

// Validate parses and validates tokenStr, returning its claims.
func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("bearerauth: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("bearerauth: invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("bearerauth: token subject required")
	}
	return claims, nil
}

// Middleware gates next behind bearer-JWT validation. A nil validator runs
// the surface open (additive auth: present and enforced only when configured).
func Middleware(validator *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if validator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "missing or malformed Authorization header", http.StatusUnauthorized)
				return
			}
			if _, err := validator.Validate(parts[1]); err != nil {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
