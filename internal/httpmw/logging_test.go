package httpmw

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/agrotech-web/internal/log"
)

// captureLogger records With fields and Info/Debug messages
type captureLogger struct {
	log.Logger
	mu     *sync.Mutex
	fields []any
	infos  *[]string
	debugs *[]string
	last   *[]any
}

func newCaptureLogger() *captureLogger {
	return &captureLogger{
		Logger: log.Nop(),
		mu:     &sync.Mutex{},
		infos:  &[]string{},
		debugs: &[]string{},
		last:   &[]any{},
	}
}

func (c *captureLogger) With(kv ...any) log.Logger {
	cp := *c
	cp.fields = append(append([]any{}, c.fields...), kv...)
	return &cp
}

func (c *captureLogger) Info(ctx context.Context, msg string, kv ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.infos = append(*c.infos, msg)
	*c.last = kv
}

func (c *captureLogger) Debug(ctx context.Context, msg string, kv ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.debugs = append(*c.debugs, msg)
	*c.last = kv
}

func fieldValue(kv []any, key string) (any, bool) {
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i] == key {
			return kv[i+1], true
		}
	}
	return nil, false
}

func TestWithLogger_UsesResolvedClientIP(t *testing.T) {
	var got log.Logger
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = log.FromContext(r.Context())
	})

	base := newCaptureLogger()
	h := ClientIPWithOptions(ClientIPOptions{TrustedHops: 1})(WithLogger(base)(inner))

	r := httptest.NewRequest(http.MethodGet, "/api/sections?utm=spam", http.NoBody)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	h.ServeHTTP(httptest.NewRecorder(), r)

	cl, ok := got.(*captureLogger)
	if !ok {
		t.Fatalf("logger in context is %T, want *captureLogger", got)
	}
	if v, _ := fieldValue(cl.fields, "client.address"); v != "203.0.113.9" {
		t.Errorf("client.address = %v, want 203.0.113.9", v)
	}
	if v, _ := fieldValue(cl.fields, "network.peer.address"); v != "10.0.0.1" {
		t.Errorf("network.peer.address = %v, want 10.0.0.1", v)
	}
	if _, found := fieldValue(cl.fields, "url.query"); found {
		t.Error("query string must not be logged")
	}
}

func TestWithLogger_NoClientIPFallsBackToUnknown(t *testing.T) {
	var got log.Logger
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = log.FromContext(r.Context())
	})
	WithLogger(newCaptureLogger())(inner).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if v, _ := fieldValue(got.(*captureLogger).fields, "client.address"); v != UnknownClientIP {
		t.Fatalf("client.address = %v, want %s", v, UnknownClientIP)
	}
}

func TestSchemeFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{"default", func(r *http.Request) {}, "http"},
		{"forwarded https", func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "HTTPS") }, "https"},
		{"forwarded list takes first", func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "https, http") }, "https"},
		{"forwarded garbage ignored", func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "javascript\n") }, "http"},
		{"tls", func(r *http.Request) { r.TLS = &tls.ConnectionState{} }, "https"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			r.URL.Scheme = ""
			tt.setup(r)
			if got := schemeFromRequest(r); got != tt.want {
				t.Fatalf("schemeFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAccessLog_LogsRoutePatternAndStatus(t *testing.T) {
	cl := newCaptureLogger()

	router := chi.NewRouter()
	router.Get("/api/sections/{kind}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	})

	h := AccessLog()(router)
	r := httptest.NewRequest(http.MethodGet, "/api/sections/products", http.NoBody)
	r = r.WithContext(log.WithContext(r.Context(), cl))
	h.ServeHTTP(httptest.NewRecorder(), r)

	if len(*cl.infos) != 1 || (*cl.infos)[0] != "http request" {
		t.Fatalf("infos = %v, want one access log line", *cl.infos)
	}
	if v, _ := fieldValue(*cl.last, "http.response.status_code"); v != http.StatusAccepted {
		t.Errorf("status = %v, want 202", v)
	}
	if v, _ := fieldValue(*cl.last, "http.response.body.size"); v != int64(2) {
		t.Errorf("body size = %v, want 2", v)
	}
}

func TestAccessLog_ThrottledRequestsAtDebug(t *testing.T) {
	cl := newCaptureLogger()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	r := httptest.NewRequest(http.MethodPost, "/api/auth/login", http.NoBody)
	r = r.WithContext(log.WithContext(r.Context(), cl))
	AccessLog()(inner).ServeHTTP(httptest.NewRecorder(), r)

	if len(*cl.infos) != 0 {
		t.Fatalf("429 should not log at info, got %v", *cl.infos)
	}
	if len(*cl.debugs) != 1 {
		t.Fatalf("429 should log once at debug, got %v", *cl.debugs)
	}
}

func TestAccessLog_SkipsHealthEndpoints(t *testing.T) {
	cl := newCaptureLogger()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	for _, p := range []string{"/-/healthy", "/-/ready"} {
		r := httptest.NewRequest(http.MethodGet, p, http.NoBody)
		r = r.WithContext(log.WithContext(r.Context(), cl))
		AccessLog()(inner).ServeHTTP(httptest.NewRecorder(), r)
	}
	if len(*cl.infos) != 0 {
		t.Fatalf("health checks logged: %v", *cl.infos)
	}
}

func TestResponseTap(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		bytes  int64
	}{
		{"nothing written", func(w http.ResponseWriter) {}, http.StatusOK, 0},
		{"body only", func(w http.ResponseWriter) { _, _ = w.Write([]byte("hello")) }, http.StatusOK, 5},
		{"first header wins", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"error":"x"}`))
		}, http.StatusTooManyRequests, 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tap := &responseTap{ctx: context.Background()}
			w := tap.wrap(httptest.NewRecorder())
			tt.write(w)
			tap.finish()
			if tap.statusCode() != tt.status || tap.bytes != tt.bytes {
				t.Fatalf("status=%d bytes=%d, want %d and %d", tap.statusCode(), tap.bytes, tt.status, tt.bytes)
			}
			if _, ok := w.(http.Flusher); !ok {
				t.Fatal("wrapped writer lost http.Flusher")
			}
		})
	}
}

func TestScope_AddsHandlerField(t *testing.T) {
	var got log.Logger
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = log.FromContext(r.Context())
	})
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r = r.WithContext(log.WithContext(r.Context(), newCaptureLogger()))
	Scope("catalog")(inner).ServeHTTP(httptest.NewRecorder(), r)

	if v, _ := fieldValue(got.(*captureLogger).fields, "handler"); v != "catalog" {
		t.Fatalf("handler = %v, want catalog", v)
	}
}
