// Package auth checks operator credentials and issues short lived bearer
// tokens for the admin endpoints.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/agrotech-web/internal/cryptoutil"
)

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = 12 * time.Hour

var (
	ErrNotConfigured      = errors.New("auth: no credentials configured")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Credentials are the single operator account. PasswordSHA256 is the hex
// SHA-256 digest of the password.
type Credentials struct {
	Username       string
	PasswordSHA256 string
}

// Configured reports whether both fields are set.
func (c Credentials) Configured() bool {
	return c.Username != "" && c.PasswordSHA256 != ""
}

// Token is an issued bearer token.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Authenticator struct {
	creds Credentials
	ttl   time.Duration
	now   func() time.Time

	mu     sync.Mutex
	tokens map[string]time.Time
}

type Option func(*Authenticator)

func WithTokenTTL(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.ttl = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

func New(creds Credentials, opts ...Option) *Authenticator {
	creds.PasswordSHA256 = strings.ToLower(strings.TrimSpace(creds.PasswordSHA256))
	a := &Authenticator{
		creds:  creds,
		ttl:    DefaultTokenTTL,
		now:    time.Now,
		tokens: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Login checks the credentials in constant time and issues a token on success.
func (a *Authenticator) Login(username, password string) (Token, error) {
	if !a.creds.Configured() {
		return Token{}, ErrNotConfigured
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.creds.Username)) == 1
	// hash even when the username is wrong
	passOK := cryptoutil.SecretMatches(a.creds.PasswordSHA256, password)
	if !userOK || !passOK {
		return Token{}, ErrInvalidCredentials
	}

	now := a.now()
	tok := Token{Value: uuid.NewString(), ExpiresAt: now.Add(a.ttl).UTC()}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(now)
	a.tokens[tok.Value] = tok.ExpiresAt
	return tok, nil
}

// Verify reports whether token was issued by Login and has not expired.
func (a *Authenticator) Verify(token string) bool {
	if token == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	exp, ok := a.tokens[token]
	if !ok {
		return false
	}
	if !a.now().Before(exp) {
		delete(a.tokens, token)
		return false
	}
	return true
}

// Revoke forgets a token.
func (a *Authenticator) Revoke(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, token)
}

func (a *Authenticator) pruneLocked(now time.Time) {
	for t, exp := range a.tokens {
		if !now.Before(exp) {
			delete(a.tokens, t)
		}
	}
}

// RequireToken rejects requests without a valid "Authorization: Bearer" token.
func (a *Authenticator) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Verify(BearerToken(r)) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("WWW-Authenticate", `Bearer realm="agrotech"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
