// Package auth validates signing-session tokens. The workflow engine only
// consumes the TokenVerifier interface; HTTP-level authentication is the
// host's concern.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail signature, expiry or
// claim checks.
var ErrInvalidToken = errors.New("invalid signing-session token")

// SessionClaims bind a token to one party on one envelope.
type SessionClaims struct {
	jwt.RegisteredClaims
	TenantID   string `json:"tenant_id"`
	EnvelopeID string `json:"envelope_id"`
	PartyID    string `json:"party_id"`
}

// TokenVerifier checks a signing-session token and returns its claims.
type TokenVerifier interface {
	Verify(token string) (*SessionClaims, error)
}

// JWTVerifier validates HMAC-signed session tokens.
type JWTVerifier struct {
	key []byte
}

// NewJWTVerifier creates a verifier with the given signing key.
func NewJWTVerifier(key []byte) *JWTVerifier {
	return &JWTVerifier{key: key}
}

// Verify parses and validates a token string.
func (v *JWTVerifier) Verify(tokenStr string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.EnvelopeID == "" || claims.PartyID == "" {
		return nil, fmt.Errorf("%w: missing envelope or party binding", ErrInvalidToken)
	}
	return claims, nil
}

// Issue mints a session token for a party. Used by invitation delivery and
// by tests.
func (v *JWTVerifier) Issue(tenantID, envelopeID, partyID string, now time.Time, ttl time.Duration) (string, error) {
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   partyID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID:   tenantID,
		EnvelopeID: envelopeID,
		PartyID:    partyID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}
