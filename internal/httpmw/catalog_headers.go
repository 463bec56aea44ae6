package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CatalogInfo reports the active catalog identity for response headers
type CatalogInfo interface {
	CatalogVersion() string
	CatalogHash() string
}

// CatalogHeaders adds X-Catalog-Version and X-Catalog-Hash to every response
// when a catalog is loaded, and tags the active span with the same values.
func CatalogHeaders(info CatalogInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				v := info.CatalogVersion()
				h := info.CatalogHash()
				if v != "" {
					w.Header().Set("X-Catalog-Version", v)
				}
				if h != "" {
					short := h
					if len(short) > 12 {
						short = short[:12]
					}
					w.Header().Set("X-Catalog-Hash", short)
				}
				if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
					if v != "" {
						span.SetAttributes(attribute.String("catalog.version", v))
					}
					if h != "" {
						span.SetAttributes(attribute.String("catalog.hash", h))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
