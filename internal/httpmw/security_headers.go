package httpmw

import "net/http"

// CSRF protection is not implemented: the API uses no cookies or sessions, login returns a bearer token in the body.

// SecurityHeaders adds security headers suited to a JSON API to every response
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()

		// Require HTTPS for one year, including subdomains
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")

		// API responses are never rendered as documents, deny everything
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "accelerometer=(), camera=(), geolocation=(), gyroscope=(), magnetometer=(), microphone=(), payment=(), usb=()")
		h.Set("X-Permitted-Cross-Domain-Policies", "none")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")

		// brochure front-end is served from a different origin and reads the catalog, so allow cross-site reads
		h.Set("Cross-Origin-Resource-Policy", "cross-origin")

		next.ServeHTTP(w, r)
	})
}
