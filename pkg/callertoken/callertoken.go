// Package callertoken mints and verifies the host-issued caller tokens the
// broker accepts as a verified identity signal. Hosts that front the MCP
// endpoint with their own authentication can mint a compatible token and
// forward it as the Authorization bearer value.
package callertoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Sentinel errors exposed by this package.
var (
	ErrMissingSigningKey = errors.New("caller_token.missing_signing_key")
	ErrMissingIssuer     = errors.New("caller_token.missing_issuer")
	ErrEmptySubject      = errors.New("caller_token.empty_subject")
	ErrInvalidToken      = errors.New("caller_token.invalid_token")
	ErrInvalidIssuer     = errors.New("caller_token.invalid_issuer")
)

// Claims are embedded in caller tokens. Subject carries the stable user
// identifier decided by the host.
type Claims struct {
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// Mint creates a signed HS256 caller token for the given subject.
func Mint(clock Clock, subject string, displayName string, issuer string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, fmt.Errorf("caller_token.mint: %w", ErrEmptySubject)
	}
	if len(signingKey) == 0 {
		return "", time.Time{}, fmt.Errorf("caller_token.mint: %w", ErrMissingSigningKey)
	}
	if clock == nil {
		clock = systemClock{}
	}
	issuedAt := clock.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, signErr := token.SignedString(signingKey)
	if signErr != nil {
		return "", time.Time{}, fmt.Errorf("caller_token.mint: %w", signErr)
	}
	return signed, expiresAt, nil
}

// Verifier validates caller tokens against a shared signing key.
type Verifier struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

// NewVerifier constructs a Verifier. The issuer is optional; when set, tokens
// from any other issuer are rejected.
func NewVerifier(signingKey []byte, issuer string, clock Clock) (*Verifier, error) {
	if len(signingKey) == 0 {
		return nil, ErrMissingSigningKey
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Verifier{signingKey: signingKey, issuer: issuer, clock: clock}, nil
}

// Verify parses and validates a caller token, returning its claims.
func (verifier *Verifier) Verify(tokenText string) (*Claims, error) {
	if strings.TrimSpace(tokenText) == "" {
		return nil, ErrInvalidToken
	}
	parsed, parseErr := jwt.ParseWithClaims(tokenText, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return verifier.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(verifier.clock.Now),
	)
	if parseErr != nil || parsed == nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if verifier.issuer != "" && claims.Issuer != verifier.issuer {
		return nil, ErrInvalidIssuer
	}
	return claims, nil
}
