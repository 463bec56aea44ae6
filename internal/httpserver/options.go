package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/agrotech-web/internal/apihttp"
	"github.com/keithlinneman/agrotech-web/internal/auth"
	"github.com/keithlinneman/agrotech-web/internal/health"
	"github.com/keithlinneman/agrotech-web/internal/httpmw"
	"github.com/keithlinneman/agrotech-web/internal/log"
)

// RateLimiter is satisfied by *ratelimit.Limiter
type RateLimiter interface {
	Middleware(next http.Handler) http.Handler
}

// Limiters are the admission filters mounted on the API route groups. A nil
// limiter is skipped.
type Limiters struct {
	General RateLimiter // every /api route
	Auth    RateLimiter // /api/auth/*, nested inside General
	Strict  RateLimiter // /api/contact and /api/newsletter, nested inside General
}

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // called after a recovered panic, for the panic counter
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
	CatalogInfo  httpmw.CatalogInfo // For X-Catalog-Version and X-Catalog-Hash headers
	ClientIPOpts httpmw.ClientIPOptions

	API      *apihttp.API
	Auth     *auth.Authenticator // guards /api/admin
	Limiters Limiters

	// Routes registers extra routes on the root router
	Routes func(r chi.Router)
}
