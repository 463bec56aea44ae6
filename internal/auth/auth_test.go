package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/keithlinneman/agrotech-web/internal/cryptoutil"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestAuth(t *testing.T) (*Authenticator, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	a := New(Credentials{
		Username:       "operator",
		PasswordSHA256: cryptoutil.SHA256Hex([]byte("correct horse")),
	}, WithClock(clk.Now), WithTokenTTL(time.Hour))
	return a, clk
}

func TestLogin(t *testing.T) {
	a, clk := newTestAuth(t)

	tests := []struct {
		name    string
		user    string
		pass    string
		wantErr error
	}{
		{"valid", "operator", "correct horse", nil},
		{"wrong password", "operator", "battery staple", ErrInvalidCredentials},
		{"wrong username", "admin", "correct horse", ErrInvalidCredentials},
		{"empty", "", "", ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := a.Login(tt.user, tt.pass)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if tok.Value == "" {
				t.Fatal("expected token value")
			}
			if !tok.ExpiresAt.Equal(clk.Now().Add(time.Hour)) {
				t.Fatalf("expires_at = %s", tok.ExpiresAt)
			}
		})
	}
}

func TestLogin_NotConfigured(t *testing.T) {
	a := New(Credentials{Username: "operator"})
	if _, err := a.Login("operator", ""); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestLogin_UppercaseDigestAccepted(t *testing.T) {
	a := New(Credentials{Username: "u", PasswordSHA256: " " + "5E884898DA28047151D0E56F8DC6292773603D0D6AABBDD62A11EF721D1542D8" + "\n"})
	if _, err := a.Login("u", "password"); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestVerify_Expiry(t *testing.T) {
	a, clk := newTestAuth(t)
	tok, err := a.Login("operator", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if !a.Verify(tok.Value) {
		t.Fatal("fresh token should verify")
	}
	if a.Verify("not-issued") || a.Verify("") {
		t.Fatal("unknown token should not verify")
	}

	clk.Advance(time.Hour)
	if a.Verify(tok.Value) {
		t.Fatal("token should be expired at its expiry instant")
	}
}

func TestRevoke(t *testing.T) {
	a, _ := newTestAuth(t)
	tok, _ := a.Login("operator", "correct horse")
	a.Revoke(tok.Value)
	if a.Verify(tok.Value) {
		t.Fatal("revoked token should not verify")
	}
}

func TestRequireToken(t *testing.T) {
	a, _ := newTestAuth(t)
	tok, _ := a.Login("operator", "correct horse")
	h := a.RequireToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + tok.Value, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + tok.Value, http.StatusNoContent},
		{"lowercase scheme", "bearer " + tok.Value, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/admin/inquiries", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Fatal("401 should carry WWW-Authenticate")
			}
		})
	}
}
