package transport

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredential indicates no bearer credential is currently available.
var ErrNoCredential = errors.New("no credential available")

// Credential is a bearer token snapshot. ExpiresAt is zero when the token
// carries no parseable expiry.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the credential is already past its expiry at now.
func (c Credential) Expired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}

// TokenSource is the external auth collaborator. Token returns the current
// bearer credential; Refresh is invoked when replay hits auth expiry.
// Credential issuance itself is out of scope.
type TokenSource interface {
	Token(ctx context.Context) (Credential, error)
	Refresh(ctx context.Context) error
}

// ParseExpiry extracts the exp claim from a JWT bearer token without
// verifying its signature. Verification belongs to the issuing service; the
// engine only needs the expiry to avoid replaying with a locally-known-stale
// token. Returns zero time for opaque or claim-less tokens.
func ParseExpiry(token string) time.Time {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return time.Time{}
	}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	expiresAt, err := claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return time.Time{}
	}
	return expiresAt.Time.UTC()
}
