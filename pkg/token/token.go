// Package token implements the session auth primitives: short-lived HS256
// session tokens and the single-use page nonces that gate token issuance.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenExpired means the token was well-formed but past its expiry.
	ErrTokenExpired = errors.New("session token expired")
	// ErrTokenInvalid means the token failed signature or format checks.
	ErrTokenInvalid = errors.New("session token invalid")
)

// Issuer creates and verifies session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer creates an Issuer signing with secret, issuing tokens valid for ttl.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a new session token. Returns the token and its validity in seconds.
func (i *Issuer) Issue() (string, int, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(i.ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, int(i.ttl.Seconds()), nil
}

// Verify checks a session token, distinguishing expiry from other failures.
func (i *Issuer) Verify(tokenString string) error {
	_, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return ErrTokenInvalid
	}
}

// NonceStore hands out single-use nonces with an expiry. A nonce is injected
// into the served page and must accompany the session token request.
type NonceStore struct {
	ttl    time.Duration
	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewNonceStore creates a store issuing nonces valid for ttl.
func NewNonceStore(ttl time.Duration) *NonceStore {
	return &NonceStore{ttl: ttl, nonces: make(map[string]time.Time)}
}

// Issue generates a fresh nonce and records its expiry. Expired entries are
// purged on the way through so the map cannot grow unboundedly.
func (s *NonceStore) Issue() string {
	b := make([]byte, 16)
	rand.Read(b)
	nonce := hex.EncodeToString(b)

	now := time.Now()
	s.mu.Lock()
	for n, exp := range s.nonces {
		if !now.Before(exp) {
			delete(s.nonces, n)
		}
	}
	s.nonces[nonce] = now.Add(s.ttl)
	s.mu.Unlock()

	return nonce
}

// Redeem consumes a nonce. A nonce redeems successfully at most once, and
// only before its expiry.
func (s *NonceStore) Redeem(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.nonces[nonce]
	if !ok {
		return false
	}
	delete(s.nonces, nonce)
	return time.Now().Before(expiry)
}

// Len returns the number of live nonces. For tests and metrics.
func (s *NonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nonces)
}

// RandomSecret generates a 32-byte hex secret for deployments that do not
// configure one. Tokens signed with it do not survive a restart.
func RandomSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
