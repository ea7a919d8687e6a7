// Package auth verifies session credentials and tracks revoked sessions.
//
// Credentials are HS256 JWTs issued by the surrounding application. The
// engine does not issue sessions in production; Issue exists for the
// development environment and tests.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/lendguard/internal/sessions"
)

var (
	ErrNoCredential      = errors.New("auth: credential required")
	ErrInvalidCredential = errors.New("auth: invalid or expired credential")
	ErrSessionRevoked    = errors.New("auth: session has been revoked")
)

// Claims carried by a session credential.
type Claims struct {
	jwt.RegisteredClaims
	Country      string `json:"country"`
	PhoneCountry string `json:"phone_country,omitempty"`
}

// Principal is the authenticated caller of one request.
type Principal struct {
	UserID            string
	SessionID         string
	RegisteredCountry string
	PhoneCountry      string
	ExpiresAt         time.Time
}

// TTL is how long the credential remains valid from now, never negative.
func (p *Principal) TTL(now time.Time) time.Duration {
	if p.ExpiresAt.IsZero() || !p.ExpiresAt.After(now) {
		return 0
	}
	return p.ExpiresAt.Sub(now)
}

// TokenVerifier validates credentials and derives session identifiers.
type TokenVerifier struct {
	secret    []byte
	prefixLen int
	now       func() time.Time
}

// NewTokenVerifier creates a verifier for HS256 credentials signed with secret.
func NewTokenVerifier(secret []byte, sessionIDPrefixLen int) *TokenVerifier {
	return &TokenVerifier{secret: secret, prefixLen: sessionIDPrefixLen, now: time.Now}
}

// Verify parses and validates a raw credential, with or without the
// "Bearer " scheme.
func (v *TokenVerifier) Verify(raw string) (*Principal, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return nil, ErrNoCredential
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if claims.Subject == "" || len(claims.Country) != 2 {
		return nil, fmt.Errorf("%w: missing subject or country claim", ErrInvalidCredential)
	}

	sid, err := sessions.DeriveID(raw, v.prefixLen)
	if err != nil {
		return nil, ErrNoCredential
	}

	p := &Principal{
		UserID:            claims.Subject,
		SessionID:         sid,
		RegisteredCountry: strings.ToUpper(claims.Country),
		PhoneCountry:      strings.ToUpper(claims.PhoneCountry),
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// Issue signs a credential for userID valid for ttl.
func (v *TokenVerifier) Issue(userID, country, phoneCountry string, ttl time.Duration) (string, error) {
	now := v.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Country:      country,
		PhoneCountry: phoneCountry,
	})
	return token.SignedString(v.secret)
}
