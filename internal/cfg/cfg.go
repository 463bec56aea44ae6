package cfg

import (
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/agrotech-web/internal/cryptoutil"
	"github.com/keithlinneman/agrotech-web/internal/log"
	"github.com/keithlinneman/agrotech-web/internal/xerrors"
)

// EnvPrefix is prepended to upper-cased flag names, e.g. -http-port -> AGRO_HTTP_PORT
const EnvPrefix = "AGRO_"

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort      int
	AdminPort     int
	ShutdownDrain time.Duration

	EnablePprof     bool
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	PyroUser        string
	PyroPassword    string
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	Environment     string

	RateLimitStore   string
	RateLimitMaxKeys int
	TrustedHops      int
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisPrefix      string

	DBPath string

	EnableCatalogUpdates bool
	CatalogSSMParam      string
	CatalogS3Bucket      string
	CatalogS3Prefix      string
	CatalogSigningKeyARN string
	CatalogPollInterval  time.Duration

	AuthUsername       string
	AuthPasswordSHA256 string
	AuthTokenTTL       time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.DurationVar(&c.ShutdownDrain, "shutdown-drain", 15*time.Second, "time to fail readiness before closing listeners")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.PyroUser, "pyro-user", "", "pyroscope basic auth user")
	fs.StringVar(&c.PyroPassword, "pyro-password", "", "pyroscope basic auth password")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.Environment, "environment", "", "deployment environment reported on traces")

	fs.StringVar(&c.RateLimitStore, "ratelimit-store", StoreMemory, "admission counter store: memory|redis")
	fs.IntVar(&c.RateLimitMaxKeys, "ratelimit-max-keys", 100_000, "max tracked clients per limiter (memory store)")
	fs.IntVar(&c.TrustedHops, "trusted-proxy-hops", 0, "trusted reverse proxies in front of the server (0..10)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "localhost:6379", "redis host:port for -ratelimit-store=redis")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", "agrotech:ratelimit", "redis key prefix for admission windows")

	fs.StringVar(&c.DBPath, "db-path", "agrotech.db", "sqlite database path for inquiries and subscribers")

	fs.BoolVar(&c.EnableCatalogUpdates, "enable-catalog-updates", false, "Enable loading and refreshing the catalog from S3/SSM")
	fs.StringVar(&c.CatalogSSMParam, "catalog-ssm-param", "/app/agrotech-web/server/catalog/stable/sha256", "ssm parameter name holding the active catalog sha256")
	fs.StringVar(&c.CatalogS3Bucket, "catalog-s3-bucket", "", "s3 bucket name to get catalogs from")
	fs.StringVar(&c.CatalogS3Prefix, "catalog-s3-prefix", "apps/agrotech-web/catalogs", "s3 prefix (key) to get catalogs from")
	fs.StringVar(&c.CatalogSigningKeyARN, "catalog-signing-key-arn", "", "KMS key ARN for catalog signature verification")
	fs.DurationVar(&c.CatalogPollInterval, "catalog-poll-interval", 30*time.Second, "how often to check ssm for a new catalog")

	fs.StringVar(&c.AuthUsername, "auth-username", "", "admin username, login is disabled when empty")
	fs.StringVar(&c.AuthPasswordSHA256, "auth-password-sha256", "", "hex sha256 of the admin password")
	fs.DurationVar(&c.AuthTokenTTL, "auth-token-ttl", 12*time.Hour, "lifetime of issued bearer tokens")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, redact(f.Name, f.Value.String()), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, redact(f.Name, envVal), err)
			}
		}
	})
}

// redact hides secret flag values from log lines
func redact(name, val string) string {
	if strings.Contains(name, "password") && val != "" {
		return "[redacted]"
	}
	return val
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.ShutdownDrain < 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_DRAIN must not be negative (got %s)", c.ShutdownDrain))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Tracing
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Pyroscope
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if (c.PyroUser == "") != (c.PyroPassword == "") {
			errs = append(errs, fmt.Errorf("PYRO_USER and PYRO_PASSWORD must be set together"))
		}
	}

	// Rate limiting
	switch c.RateLimitStore {
	case StoreMemory:
	case StoreRedis:
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
		if c.RedisDB < 0 {
			errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
		}
		if c.RedisPrefix == "" {
			errs = append(errs, fmt.Errorf("REDIS_PREFIX is required when RATELIMIT_STORE=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid RATELIMIT_STORE %q (must be memory|redis)", c.RateLimitStore))
	}
	if c.RateLimitMaxKeys < 1 {
		errs = append(errs, fmt.Errorf("RATELIMIT_MAX_KEYS must be positive (got %d)", c.RateLimitMaxKeys))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..10 (got %d)", c.TrustedHops))
	}

	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, fmt.Errorf("DB_PATH is required"))
	}

	// Catalog updates
	if c.EnableCatalogUpdates {
		if c.CatalogSSMParam == "" {
			errs = append(errs, fmt.Errorf("CATALOG_SSM_PARAM is required when ENABLE_CATALOG_UPDATES=true"))
		}
		if c.CatalogS3Bucket == "" {
			errs = append(errs, fmt.Errorf("CATALOG_S3_BUCKET is required when ENABLE_CATALOG_UPDATES=true"))
		}
		if c.CatalogS3Prefix == "" {
			errs = append(errs, fmt.Errorf("CATALOG_S3_PREFIX is required when ENABLE_CATALOG_UPDATES=true"))
		}
		if c.CatalogPollInterval < 5*time.Second {
			errs = append(errs, fmt.Errorf("CATALOG_POLL_INTERVAL must be at least 5s (got %s)", c.CatalogPollInterval))
		}
	}

	// Auth
	if c.AuthUsername != "" || c.AuthPasswordSHA256 != "" {
		if c.AuthUsername == "" {
			errs = append(errs, fmt.Errorf("AUTH_USERNAME is required when AUTH_PASSWORD_SHA256 is set"))
		}
		if !cryptoutil.IsSHA256Hex(strings.ToLower(strings.TrimSpace(c.AuthPasswordSHA256))) {
			errs = append(errs, fmt.Errorf("AUTH_PASSWORD_SHA256 must be 64 hex characters"))
		}
	}
	if c.AuthTokenTTL < time.Minute {
		errs = append(errs, fmt.Errorf("AUTH_TOKEN_TTL must be at least 1m (got %s)", c.AuthTokenTTL))
	}

	return xerrors.Join(errs...)
}

// ValidateRelease adds the checks that only apply to stamped release builds.
// Catalogs pulled from S3 must be signed.
func ValidateRelease(c App) error {
	if c.EnableCatalogUpdates && c.CatalogSigningKeyARN == "" {
		return fmt.Errorf("release build requires catalog-signing-key-arn when catalog updates are enabled")
	}
	return nil
}
