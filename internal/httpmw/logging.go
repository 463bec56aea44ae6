package httpmw

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/agrotech-web/internal/log"
)

// responseTap observes the response for the access log and times the
// response.write child span, which starts on the first header or body write.
type responseTap struct {
	ctx   context.Context
	start time.Time

	status   int
	bytes    int64
	blocked  time.Duration
	writeErr error

	span    trace.Span
	started bool
}

func (t *responseTap) begin(code int) {
	if t.status == 0 {
		t.status = code
	}
	if t.started {
		return
	}
	t.started = true
	if parent := trace.SpanFromContext(t.ctx); !parent.IsRecording() {
		return
	}
	ttfb := time.Since(t.start)
	t.ctx, t.span = otel.Tracer("agrotech-web/httpmw").Start(t.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", ttfb.Seconds())),
	)
}

func (t *responseTap) wrote(n int64, took time.Duration, err error) {
	t.bytes += n
	t.blocked += took
	if err != nil && t.writeErr == nil {
		t.writeErr = err
	}
}

// wrap returns w with hooks installed. Optional interfaces of w (Flusher,
// Hijacker, ReaderFrom) are preserved.
func (t *responseTap) wrap(w http.ResponseWriter) http.ResponseWriter {
	return httpsnoop.Wrap(w, httpsnoop.Hooks{
		WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
			return func(code int) {
				t.begin(code)
				s := time.Now()
				next(code)
				t.wrote(0, time.Since(s), nil)
			}
		},
		Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
			return func(b []byte) (int, error) {
				t.begin(http.StatusOK)
				s := time.Now()
				n, err := next(b)
				t.wrote(int64(n), time.Since(s), err)
				return n, err
			}
		},
		ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
			return func(src io.Reader) (int64, error) {
				t.begin(http.StatusOK)
				s := time.Now()
				n, err := next(src)
				t.wrote(n, time.Since(s), err)
				return n, err
			}
		},
	})
}

func (t *responseTap) finish() {
	if t.span == nil {
		return
	}
	t.span.SetAttributes(
		attribute.Int("http.response.status_code", t.statusCode()),
		attribute.Int64("http.response.body.size", t.bytes),
		attribute.Float64("http.server.write.block_seconds", t.blocked.Seconds()),
	)
	if t.writeErr != nil {
		t.span.RecordError(t.writeErr)
		t.span.SetStatus(codes.Error, t.writeErr.Error())
	}
	t.span.End()
}

// statusCode is what net/http sent, 200 when the handler wrote nothing
func (t *responseTap) statusCode() int {
	if t.status == 0 {
		return http.StatusOK
	}
	return t.status
}

// WithLogger stores a request scoped logger in the context. Only server derived values are attached,
// query strings, user agents and other client supplied data stay out of logs.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			reqID := RequestIDFromContext(ctx)

			// resolved by ClientIP middleware, same value the rate limiter keys on
			clientAddr := ClientIPFromContext(ctx)
			if clientAddr == "" {
				clientAddr = UnknownClientIP
			}

			// load balancer / direct peer, ip only
			peerAddr := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peerAddr); err == nil {
				peerAddr = host
			}

			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", clientAddr),
					attribute.String("network.peer.address", peerAddr),
					attribute.String("url.scheme", scheme),
				)
			}

			L := base.With(
				"request_id", reqID,
				"client.address", clientAddr,
				"network.peer.address", peerAddr,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// AccessLog writes one line per request after the handler returns. Probe
// endpoints are not logged and 429s drop to debug, the limiter already warns
// once per client and window.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tap := &responseTap{ctx: r.Context(), start: time.Now()}
			next.ServeHTTP(tap.wrap(w), r)
			tap.finish()

			if r.URL.Path == "/-/ready" || r.URL.Path == "/-/healthy" {
				return
			}

			ctx := r.Context()
			L := log.FromContext(ctx)
			emit := L.Info
			if tap.statusCode() == http.StatusTooManyRequests {
				emit = L.Debug
			}

			route := r.URL.Path
			if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}

			emit(ctx, "http request",
				"http.response.status_code", tap.statusCode(),
				"http.server.request.duration", time.Since(tap.start).Seconds(),
				"http.response.body.size", tap.bytes,
				"http.request.body.size", max(r.ContentLength, 0),
				"http.route", route,
			)
		})
	}
}

// schemeFromRequest returns "http" or "https". X-Forwarded-Proto only survives ClientIP
// when the peer is a trusted proxy, anything other than http/https is ignored.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first := strings.ToLower(strings.TrimSpace(strings.Split(xf, ",")[0]))
		if first == "http" || first == "https" {
			return first
		}
	}
	if r.URL != nil {
		if sch := strings.ToLower(r.URL.Scheme); sch == "http" || sch == "https" {
			return sch
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with the handler group name.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// logging: enrich + store back into context
			L := log.FromContext(ctx).With("handler", handler)
			ctx = log.WithContext(ctx, L)

			// tracing: enrich span
			if span := trace.SpanFromContext(ctx); span != nil && span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
