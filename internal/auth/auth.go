package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	userIdClaim = "user-id"
	expClaim    = "exp"
)

// CredentialSource is the boundary to the external auth provider. This layer
// only borrows tokens; issuing and refreshing them happens elsewhere.
type CredentialSource interface {
	UserId() string
	Token() string
	Valid() bool
}

// SessionCredentials wraps a session JWT. The signature is not verified here
// because the client holds no signing key; only the user id and expiry claims
// are read.
type SessionCredentials struct {
	mu        sync.RWMutex
	token     string
	userId    string
	expiresAt time.Time
}

func NewSessionCredentials(token string) (*SessionCredentials, error) {
	sc := &SessionCredentials{}
	if err := sc.SetToken(token); err != nil {
		return nil, err
	}

	return sc, nil
}

// SetToken replaces the session token, e.g. after the auth provider refreshed
// the credential.
func (sc *SessionCredentials) SetToken(token string) error {
	userId, expiresAt, err := parseClaims(token)
	if err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.token = token
	sc.userId = userId
	sc.expiresAt = expiresAt

	return nil
}

func (sc *SessionCredentials) UserId() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	return sc.userId
}

func (sc *SessionCredentials) Token() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	return sc.token
}

// Valid reports whether the credential is still usable. A token without an
// expiry claim never expires.
func (sc *SessionCredentials) Valid() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	if sc.expiresAt.IsZero() {
		return true
	}

	return time.Now().Before(sc.expiresAt)
}

func parseClaims(tokenString string) (string, time.Time, error) {
	claims := jwt.MapClaims{}
	parser := &jwt.Parser{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return "", time.Time{}, fmt.Errorf("parse token: %w", err)
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		return "", time.Time{}, fmt.Errorf("invalid user id claim")
	}

	var expiresAt time.Time
	if exp, ok := claims[expClaim].(float64); ok {
		expiresAt = time.Unix(int64(exp), 0)
	}

	return userId, expiresAt, nil
}
