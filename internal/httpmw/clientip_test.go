package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		hops       int
		want       string
		wantXFF    bool // header survives for downstream
	}{
		{"public peer", "203.0.113.7:5555", "", 0, "203.0.113.7", false},
		{"public peer ignores xff", "203.0.113.7:5555", "1.1.1.1", 1, "203.0.113.7", false},
		{"private peer no hops ignores xff", "10.0.0.5:5555", "1.1.1.1", 0, "10.0.0.5", false},
		{"alb single hop", "10.0.0.5:5555", "198.51.100.9", 1, "198.51.100.9", true},
		{"alb single hop rightmost wins", "10.0.0.5:5555", "6.6.6.6, 198.51.100.9", 1, "198.51.100.9", true},
		{"cdn plus alb", "10.0.0.5:5555", "198.51.100.9, 192.0.2.44", 2, "198.51.100.9", true},
		{"spoofed left entry ignored", "10.0.0.5:5555", "6.6.6.6, 198.51.100.9, 192.0.2.44", 2, "198.51.100.9", true},
		{"too few entries fails closed", "10.0.0.5:5555", "198.51.100.9", 2, "10.0.0.5", false},
		{"garbage entry falls back to peer", "10.0.0.5:5555", "not-an-ip", 1, "10.0.0.5", true},
		{"private peer no xff", "10.0.0.5:5555", "", 1, "10.0.0.5", false},
		{"bare ip without port", "203.0.113.7", "", 0, "203.0.113.7", false},
		{"ipv6 peer", "[2001:db8::1]:443", "", 0, "2001:db8::1", false},
		{"ipv6 zone dropped", "[fe80::1%eth0]:443", "", 0, "fe80::1", false},
		{"ipv4 mapped ipv6 unmapped", "[::ffff:203.0.113.7]:443", "", 0, "203.0.113.7", false},
		{"mapped xff entry unmapped", "10.0.0.5:5555", "::ffff:198.51.100.9", 1, "198.51.100.9", true},
		{"unparseable host", "not-an-ip:1234", "", 0, UnknownClientIP, false},
		{"unparseable bare", "garbage", "1.1.1.1", 1, UnknownClientIP, false},
		{"empty remote addr", "", "", 0, UnknownClientIP, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/health", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
				r.Header.Set("X-Forwarded-Proto", "https")
			}

			if got := resolveClientIP(r, tt.hops); got != tt.want {
				t.Fatalf("resolveClientIP = %q, want %q", got, tt.want)
			}
			if has := r.Header.Get("X-Forwarded-For") != ""; has != tt.wantXFF {
				t.Fatalf("X-Forwarded-For kept = %v, want %v", has, tt.wantXFF)
			}
			if !tt.wantXFF && r.Header.Get("X-Forwarded-Proto") != "" {
				t.Fatal("X-Forwarded-Proto should be stripped with X-Forwarded-For")
			}
		})
	}
}

func TestClientIP_Middleware(t *testing.T) {
	var got string
	h := ClientIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:5555"
	r.Header.Set("X-Forwarded-For", "198.51.100.9")
	h.ServeHTTP(httptest.NewRecorder(), r)

	// default options trust no proxies
	if got != "10.0.0.5" {
		t.Fatalf("client ip = %q, want 10.0.0.5", got)
	}
}

func TestClientIPWithOptions_ALB(t *testing.T) {
	var got string
	h := ClientIPWithOptions(ClientIPOptions{TrustedHops: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	r.RemoteAddr = "10.0.1.20:41000"
	r.Header.Set("X-Forwarded-For", "198.51.100.9")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got != "198.51.100.9" {
		t.Fatalf("client ip = %q, want 198.51.100.9", got)
	}
}

func TestClientIP_SameClientSameKey(t *testing.T) {
	// the v4 and v4-mapped forms must land in one rate limit bucket
	a := httptest.NewRequest(http.MethodGet, "/", nil)
	a.RemoteAddr = "203.0.113.7:1000"
	b := httptest.NewRequest(http.MethodGet, "/", nil)
	b.RemoteAddr = "[::ffff:203.0.113.7]:2000"

	if ka, kb := resolveClientIP(a, 0), resolveClientIP(b, 0); ka != kb {
		t.Fatalf("keys differ: %q vs %q", ka, kb)
	}
}

func TestWithClientIP(t *testing.T) {
	ctx := WithClientIP(context.Background(), "203.0.113.7")
	if got := ClientIPFromContext(ctx); got != "203.0.113.7" {
		t.Fatalf("got %q", got)
	}

	base := context.Background()
	if WithClientIP(base, "") != base {
		t.Fatal("empty ip should return the parent context")
	}
	if got := ClientIPFromContext(base); got != "" {
		t.Fatalf("missing value = %q, want empty", got)
	}
}
