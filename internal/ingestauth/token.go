// Package ingestauth authenticates callers that submit audit facts.
//
// Two credentials are accepted:
//   - an HS256 ingest token in "Authorization: Bearer <jwt>"
//   - an API key in "X-API-Key", checked against bcrypt hashes from config
package ingestauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ScopeIngest is the only scope an ingest token carries today.
const ScopeIngest = "audit:write"

const defaultTokenTTL = time.Hour

// ErrNoSecret is returned when issuing or verifying without a signing secret.
var ErrNoSecret = errors.New("ingest token secret not configured")

// IngestClaims are the JWT claims of an ingest token.
type IngestClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// TokenIssuer issues and verifies ingest tokens signed with a shared secret.
type TokenIssuer struct {
	secret []byte
	issuer string
}

// NewTokenIssuer creates a TokenIssuer. issuer becomes the "iss" claim and is
// required on verification.
func NewTokenIssuer(secret []byte, issuer string) *TokenIssuer {
	return &TokenIssuer{secret: secret, issuer: issuer}
}

// Issue signs a token for subject. ttl defaults to one hour.
func (t *TokenIssuer) Issue(subject string, ttl time.Duration) (string, error) {
	if len(t.secret) == 0 {
		return "", ErrNoSecret
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now().UTC()
	claims := IngestClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
		Scope: ScopeIngest,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign ingest token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an ingest token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*IngestClaims, error) {
	if len(t.secret) == 0 {
		return nil, ErrNoSecret
	}
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&IngestClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify ingest token: %w", err)
	}

	claims, ok := token.Claims.(*IngestClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid ingest token claims")
	}
	if claims.Scope != ScopeIngest {
		return nil, fmt.Errorf("ingest token lacks scope %s", ScopeIngest)
	}
	return claims, nil
}
