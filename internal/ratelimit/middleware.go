package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/agrotech-web/internal/httpmw"
)

// deniedBody is the JSON returned with a 429
type deniedBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
}

// Middleware enforces the policy keyed on the resolved client IP. Every
// response carries the RateLimit-* headers, when limiters are nested the
// innermost one's values are what the client sees.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		now := l.now()

		// resolved by httpmw.ClientIP, honours the trusted hop count
		key := httpmw.ClientIPFromContext(ctx)
		d, ticket := l.admitAt(ctx, key, now)

		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.AddEvent("ratelimit.admit", trace.WithAttributes(
				attribute.String("ratelimit.policy", l.policy.Name),
				attribute.Bool("ratelimit.allowed", d.Allowed),
				attribute.Int("ratelimit.remaining", d.Remaining),
			))
		}

		h := w.Header()
		h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("RateLimit-Reset", strconv.Itoa(d.ResetSeconds(now)))
		h.Set("RateLimit-Policy", l.policy.HeaderValue())

		if !d.Allowed {
			secs := d.RetryAfterSeconds()
			h.Set("Retry-After", strconv.Itoa(secs))
			h.Set("Content-Type", "application/json; charset=utf-8")
			h.Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(deniedBody{Error: l.policy.Message, RetryAfter: secs})
			return
		}

		if !l.policy.SkipSuccessful || !ticket.Valid() {
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if status < http.StatusBadRequest {
			l.Refund(ctx, ticket)
		}
	})
}
