package health

import "net/http"

// HealthzHandler serves 200 "ok" when p passes and 503 with the failure
// reason otherwise. A nil probe is healthy.
func HealthzHandler(p Probe) http.HandlerFunc { return serveProbe(p, "ok\n") }

// ReadyzHandler is HealthzHandler with a "ready" body.
func ReadyzHandler(p Probe) http.HandlerFunc { return serveProbe(p, "ready\n") }

func serveProbe(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Type", "text/plain; charset=utf-8")
		body, status := okBody, http.StatusOK
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				body, status = err.Error()+"\n", http.StatusServiceUnavailable
				h.Set("X-Content-Type-Options", "nosniff")
			}
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}
