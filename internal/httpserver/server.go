package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/agrotech-web/internal/health"
	"github.com/keithlinneman/agrotech-web/internal/httpmw"
	"github.com/keithlinneman/agrotech-web/internal/log"
	"github.com/keithlinneman/agrotech-web/internal/xerrors"
)

// Request body caps. Only /api reads bodies.
const (
	MaxAPIBodyBytes   = 16 << 10
	maxOtherBodyBytes = 1 << 10
)

// NewHandler assembles the public router and its middleware stack. The
// caller owns the *http.Server.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	// route pattern becomes the span name and log field once chi has matched
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())

	r.Group(func(r chi.Router) {
		r.Use(httpmw.MaxBody(maxOtherBodyBytes))
		if opts.Health != nil {
			r.Get("/-/healthy", health.HealthzHandler(opts.Health))
		}
		if opts.Readiness != nil {
			r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
		}
	})

	if opts.API != nil {
		r.Route("/api", func(r chi.Router) {
			mountAPI(r, &opts)
		})
	}
	if opts.Routes != nil {
		opts.Routes(r)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	var h http.Handler = r
	stack := outerStack(&opts)
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}
	return h
}

// outerStack lists the middleware around the router, outermost first.
// Security headers wrap everything so even a recovered panic carries them,
// and the client IP is resolved before any limiter or log line needs it.
func outerStack(opts *Options) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{httpmw.SecurityHeaders}
	if opts.UseRecoverMW {
		stack = append(stack, httpmw.Recover(opts.Logger, opts.OnPanic))
	}
	stack = append(stack,
		httpmw.RequestID("X-Request-Id"),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		traced,
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
	)
	if opts.CatalogInfo != nil {
		stack = append(stack, httpmw.CatalogHeaders(opts.CatalogInfo))
	}
	if opts.MetricsMW != nil {
		stack = append(stack, opts.MetricsMW)
	}
	return append(stack, httpmw.WithLogger(opts.Logger))
}

func traced(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return shouldTrace(r.URL.Path) }),
		// provisional name, AnnotateHTTPRoute swaps in the route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// every caller is external, inbound trace context starts a new root with a link
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

// mountAPI registers the /api routes. General admits every request under
// /api, the auth and strict limiters nest inside it so their headers win.
func mountAPI(r chi.Router, opts *Options) {
	api := opts.API
	lim := opts.Limiters

	// admission first so oversized requests still count and get headers
	use(r, lim.General)
	r.Use(httpmw.MaxBody(MaxAPIBodyBytes))

	r.Get("/health", api.HandleHealth)
	r.Group(func(r chi.Router) {
		r.Use(httpmw.Scope("catalog"))
		r.Get("/sections", api.HandleSections)
		r.Get("/sections/{kind}", api.HandleSection)
	})

	r.Route("/auth", func(r chi.Router) {
		use(r, lim.Auth)
		r.Use(httpmw.Scope("auth"))
		r.Post("/login", api.HandleLogin)
	})

	r.Group(func(r chi.Router) {
		use(r, lim.Strict)
		r.Use(httpmw.Scope("inquiry"))
		r.Post("/contact", api.HandleContact)
		r.Post("/newsletter", api.HandleNewsletter)
	})

	if opts.Auth != nil {
		r.With(opts.Auth.RequireToken, httpmw.Scope("admin")).Get("/admin/inquiries", api.HandleListInquiries)
	}
}

func use(r chi.Router, l RateLimiter) {
	if l != nil {
		r.Use(l.Middleware)
	}
}

// shouldTrace skips probes and browser noise
func shouldTrace(p string) bool {
	switch p {
	case "/favicon.ico", "/robots.txt", "/-/healthy", "/-/ready", "/api/health":
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Timeouts applied by NewServer, opshttp uses the same values.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Port (default 8080) and serves NewHandler in the
// background. The returned stop shuts the server down once, waiting at most
// 5s for in-flight requests.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Port == 0 {
		opts.Port = 8080
	}
	addr := fmt.Sprintf(":%d", opts.Port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}
	srv := NewServer(addr, NewHandler(opts))

	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			opts.Logger.Error(ctx, err, "http server stopped unexpectedly")
		}
	}()

	var once sync.Once
	var stopErr error
	return func(sctx context.Context) error {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}, nil
}
