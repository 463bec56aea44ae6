package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/agrotech-web/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// admission control, labelled by policy name (auth, general, strict)
	admissionDenied     *prometheus.CounterVec
	admissionCapacity   *prometheus.CounterVec
	admissionStoreError *prometheus.CounterVec

	// catalog
	catalogSource   *prometheus.GaugeVec
	catalogLoadedTs prometheus.Gauge
	catalogInfo     *prometheus.GaugeVec

	// catalog watcher
	watcherPollsTotal    prometheus.Counter
	watcherSwapsTotal    prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	catalogLoadDuration  prometheus.Histogram
	watcherLastSuccessTs prometheus.Gauge
	watcherStale         prometheus.Gauge

	// api writes
	inquiriesTotal     prometheus.Counter
	subscriptionsTotal *prometheus.CounterVec
	loginAttemptsTotal *prometheus.CounterVec
}

// New registers every series on a private registry along with the go and
// process collectors. Labels stay bounded: method, route pattern, status,
// policy name and small result enums.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)
	m := &ServerMetrics{
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),
		respBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144},
		}, []string{"method", "route"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		admissionDenied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_denied_total",
			Help: "Total requests rejected with 429 by admission policy",
		}, []string{"policy"}),
		admissionCapacity: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_capacity_reached_total",
			Help: "Total number of times a policy's window store filled up and started rejecting new clients",
		}, []string{"policy"}),
		admissionStoreError: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_store_errors_total",
			Help: "Total window store failures by policy, affected requests were admitted",
		}, []string{"policy"}),
		catalogSource: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "catalog_source_info",
			Help: "Current catalog source (label carries value, gauge is always 1)",
		}, []string{"source"}),
		catalogLoadedTs: f.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the active catalog was loaded",
		}),
		catalogInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "catalog_info",
			Help: "Active catalog (labels carry identity, value is always 1)",
		}, []string{"version", "sha256"}),
		watcherPollsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "catalog_watcher_polls_total",
			Help: "Total number of watcher poll cycles",
		}),
		watcherSwapsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "catalog_watcher_swaps_total",
			Help: "Total number of successful catalog swaps",
		}),
		watcherErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_watcher_errors_total",
			Help: "Total watcher errors by type",
		}, []string{"type"}),
		catalogLoadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "catalog_load_duration_seconds",
			Help:    "Time to download, verify, and decode a catalog",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		watcherLastSuccessTs: f.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful SSM poll",
		}),
		watcherStale: f.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_watcher_stale",
			Help: "Whether the catalog watcher is stale (1) or healthy (0)",
		}),
		inquiriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "contact_inquiries_total",
			Help: "Total contact inquiries stored",
		}),
		subscriptionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_subscriptions_total",
			Help: "Total newsletter sign ups by result (new, existing)",
		}, []string{"result"}),
		loginAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Total login attempts by result (success, failure)",
		}, []string{"result"}),
	}
	m.reg = reg
	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.AppName,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

// InitPolicy pre-creates the per policy series so dashboards show zero instead of no data.
func (m *ServerMetrics) InitPolicy(policy string) {
	m.admissionDenied.WithLabelValues(policy)
	m.admissionCapacity.WithLabelValues(policy)
	m.admissionStoreError.WithLabelValues(policy)
}

func (m *ServerMetrics) IncRateLimitDenied(policy string) {
	m.admissionDenied.WithLabelValues(policy).Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity(policy string) {
	m.admissionCapacity.WithLabelValues(policy).Inc()
}

func (m *ServerMetrics) IncRateLimitStoreError(policy string) {
	m.admissionStoreError.WithLabelValues(policy).Inc()
}

// SetCatalog records the identity of a newly activated catalog.
func (m *ServerMetrics) SetCatalog(source, version, sha256 string, loadedAt time.Time) {
	m.catalogSource.Reset()
	m.catalogSource.WithLabelValues(source).Set(1)
	m.catalogInfo.Reset()
	m.catalogInfo.WithLabelValues(version, sha256).Set(1)
	m.catalogLoadedTs.Set(float64(loadedAt.Unix()))
}

func (m *ServerMetrics) IncWatcherPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherSwaps() {
	m.watcherSwapsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) ObserveCatalogLoadDuration(seconds float64) {
	m.catalogLoadDuration.Observe(seconds)
}

func (m *ServerMetrics) SetWatcherLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetWatcherStale(stale bool) {
	m.watcherStale.Set(boolGauge(stale))
}

func (m *ServerMetrics) IncInquiries() {
	m.inquiriesTotal.Inc()
}

func (m *ServerMetrics) IncSubscriptions(created bool) {
	result := "existing"
	if created {
		result = "new"
	}
	m.subscriptionsTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) IncLoginAttempts(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.loginAttemptsTotal.WithLabelValues(result).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
