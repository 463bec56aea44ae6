package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/agrotech-web/internal/apihttp"
	"github.com/keithlinneman/agrotech-web/internal/auth"
	"github.com/keithlinneman/agrotech-web/internal/catalog"
	"github.com/keithlinneman/agrotech-web/internal/cfg"
	"github.com/keithlinneman/agrotech-web/internal/cryptoutil"
	"github.com/keithlinneman/agrotech-web/internal/health"
	"github.com/keithlinneman/agrotech-web/internal/httpmw"
	"github.com/keithlinneman/agrotech-web/internal/httpserver"
	"github.com/keithlinneman/agrotech-web/internal/inquiry"
	"github.com/keithlinneman/agrotech-web/internal/log"
	"github.com/keithlinneman/agrotech-web/internal/metrics"
	"github.com/keithlinneman/agrotech-web/internal/opshttp"
	"github.com/keithlinneman/agrotech-web/internal/otelx"
	"github.com/keithlinneman/agrotech-web/internal/prof"
	"github.com/keithlinneman/agrotech-web/internal/ratelimit"
	v "github.com/keithlinneman/agrotech-web/internal/version"
	"github.com/keithlinneman/agrotech-web/internal/xerrors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		printVersion(vi)
		return
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if vi.IsRelease() {
		if err := cfg.ValidateRelease(conf); err != nil {
			fmt.Fprintln(os.Stderr, "config error:", err)
			os.Exit(1)
		}
	}

	// Setup logging, levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(&log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.ShortCommit(),
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting agrotech api",
		"version", vi.Version,
		"build_id", vi.BuildId,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"ratelimit_store", conf.RateLimitStore,
		"trusted_proxy_hops", conf.TrustedHops,
		"db_path", conf.DBPath,
		"enable_catalog_updates", conf.EnableCatalogUpdates,
		"catalog_s3_bucket", conf.CatalogS3Bucket,
		"catalog_signing_key_arn", conf.CatalogSigningKeyARN,
		"auth_configured", conf.AuthUsername != "",
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion("server", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:           conf.EnablePyroscope,
		AppName:           v.AppName + ".server",
		ServerAddress:     conf.PyroServer,
		TenantID:          conf.PyroTenantID,
		BasicAuthUser:     conf.PyroUser,
		BasicAuthPassword: conf.PyroPassword,
		Tags: map[string]string{
			"version":  vi.Version,
			"commit":   vi.ShortCommit(),
			"build_id": vi.BuildId,
		},
	})
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	// Insecure is true because we only export to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:     conf.EnableTracing,
		Endpoint:    conf.OTLPEndpoint,
		Insecure:    true,
		Sample:      conf.TraceSample,
		Service:     v.AppName,
		Component:   "server",
		Version:     vi.Version,
		Environment: conf.Environment,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	// Catalog: embedded seed first so we can always serve, S3 replaces it when configured
	catalogMgr := catalog.NewManager()
	seed, err := catalog.Seed()
	if err != nil {
		L.Error(ctx, err, "embedded catalog is invalid")
		os.Exit(1)
	}
	catalogMgr.Set(*seed)
	L.Info(ctx, "loaded embedded catalog", "catalog_version", catalogMgr.CatalogVersion())

	if conf.EnableCatalogUpdates {
		startCatalogUpdates(ctx, L, conf, catalogMgr, m)
	}
	if snap, ok := catalogMgr.Get(); ok {
		m.SetCatalog(string(snap.Source), snap.Catalog.Version, snap.SHA256, snap.LoadedAt)
	}

	// Inquiry store
	inquiries, err := inquiry.Open(conf.DBPath)
	if err != nil {
		L.Error(ctx, err, "failed to open inquiry database", "db_path", conf.DBPath)
		os.Exit(1)
	}
	defer inquiries.Close()
	if err := inquiries.Migrate(ctx); err != nil {
		L.Error(ctx, err, "failed to migrate inquiry database", "db_path", conf.DBPath)
		os.Exit(1)
	}

	authn := auth.New(
		auth.Credentials{Username: conf.AuthUsername, PasswordSHA256: conf.AuthPasswordSHA256},
		auth.WithTokenTTL(conf.AuthTokenTTL),
	)
	if conf.AuthUsername == "" {
		L.Info(ctx, "no admin credentials configured, every login will be rejected")
	}

	limiters, closeLimiters, err := buildLimiters(ctx, L, m, conf)
	if err != nil {
		L.Error(ctx, err, "failed to create rate limiters")
		os.Exit(1)
	}
	defer closeLimiters()

	api := apihttp.New(apihttp.Options{
		Catalog:   catalogMgr,
		Inquiries: inquiries,
		Auth:      authn,
		Metrics:   m,
		Logger:    L,
	})

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// ready once we hold a catalog and the database answers
	readiness := health.All(
		gate.Probe(),
		health.CheckFunc(func(ctx context.Context) error {
			return catalogMgr.ReadyErr()
		}),
		health.Named("sqlite", health.WithTimeout(health.CheckFunc(inquiries.Ping), time.Second)),
	)

	siteHTTPStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		CatalogInfo:  catalogMgr,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		API:          api,
		Auth:         authn,
		Limiters:     limiters,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener", "port", conf.HTTPPort)
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// the ops listener also rejects public peers in middleware in case the
	// security group is ever misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener", "port", conf.AdminPort)
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")

	drain(L, &gate, conf.ShutdownDrain)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	L.Info(context.Background(), "shutdown complete")
}

func printVersion(vi v.Info) {
	dirty := vi.VCSDirty != nil && *vi.VCSDirty
	fmt.Printf("%s %s\n", vi.AppName, vi.Version)
	for _, kv := range [][2]string{
		{"commit", vi.Commit},
		{"commit_date", vi.CommitDate},
		{"build_id", vi.BuildId},
		{"build_date", vi.BuildDate},
		{"go", vi.GoVersion},
		{"dirty", fmt.Sprint(dirty)},
	} {
		fmt.Printf("  %-12s %s\n", kv[0]+":", kv[1])
	}
}

// drain fails readiness and holds the listeners open for d so the load
// balancer stops routing here first. A second signal ends the wait early.
func drain(L log.Logger, gate *health.ShutdownGate, d time.Duration) {
	gate.Set("draining")
	if d <= 0 {
		return
	}
	ctx := context.Background()
	L.Info(ctx, "draining", "duration", d.String())

	again := make(chan os.Signal, 1)
	signal.Notify(again, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(again)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-again:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// buildLimiters creates the general, auth and strict admission filters. With
// the redis store all three share one client, keys are namespaced per policy.
func buildLimiters(ctx context.Context, L log.Logger, m *metrics.ServerMetrics, conf cfg.App) (httpserver.Limiters, func(), error) {
	var shared []ratelimit.Option
	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	if conf.RateLimitStore == cfg.StoreRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
		})
		closers = append(closers, client.Close)
		store := ratelimit.NewRedisStore(client, ratelimit.WithRedisPrefix(conf.RedisPrefix))

		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := store.Ping(pctx); err != nil {
			// admission fails open on store errors, start anyway
			L.Error(ctx, err, "redis unreachable at startup, admission will fail open until it recovers", "redis_addr", conf.RedisAddr)
		}
		cancel()
		shared = append(shared, ratelimit.WithStore(store))
	}

	var built [3]*ratelimit.Limiter
	for i, p := range []ratelimit.Policy{ratelimit.GeneralPolicy(), ratelimit.AuthPolicy(), ratelimit.StrictPolicy()} {
		lim, err := newLimiter(ctx, L, m, p, conf, shared)
		if err != nil {
			closeAll()
			return httpserver.Limiters{}, nil, xerrors.Wrapf(err, "%s limiter", p.Name)
		}
		closers = append(closers, lim.Close)
		built[i] = lim
	}
	return httpserver.Limiters{General: built[0], Auth: built[1], Strict: built[2]}, closeAll, nil
}

// newLimiter builds one admission filter wired to metrics and logging
func newLimiter(ctx context.Context, L log.Logger, m *metrics.ServerMetrics, p ratelimit.Policy, conf cfg.App, extra []ratelimit.Option) (*ratelimit.Limiter, error) {
	name := p.Name
	m.InitPolicy(name)
	LP := L.With("policy", name)

	opts := []ratelimit.Option{
		ratelimit.WithMaxKeys(conf.RateLimitMaxKeys),
		ratelimit.WithOnDenied(func(string) {
			m.IncRateLimitDenied(name)
		}),
		// one line per client per window, every denial is counted above
		ratelimit.WithOnFirstDenied(func(key string) {
			LP.Warn(ctx, "rate limit triggered", "client", key)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity(name)
			LP.Warn(ctx, "rate limit capacity reached, rejecting new clients until windows expire")
		}),
		ratelimit.WithOnStoreError(func(error) {
			m.IncRateLimitStoreError(name)
		}),
	}
	opts = append(opts, extra...)
	return ratelimit.New(ctx, p, opts...)
}

// startCatalogUpdates loads the current S3 catalog into mgr and starts the
// SSM watcher. Failures leave the embedded catalog in place.
func startCatalogUpdates(ctx context.Context, L log.Logger, conf cfg.App, mgr *catalog.Manager, m *metrics.ServerMetrics) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		L.Error(ctx, err, "failed to load AWS config, catalog updates disabled")
		return
	}

	var verifier catalog.SignatureVerifier
	if conf.CatalogSigningKeyARN != "" {
		verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.CatalogSigningKeyARN)
	}

	loader, err := catalog.NewLoader(ctx, catalog.LoaderOptions{
		Logger:    L,
		SSMParam:  conf.CatalogSSMParam,
		S3Bucket:  conf.CatalogS3Bucket,
		S3Prefix:  conf.CatalogS3Prefix,
		Verifier:  verifier,
		SSMClient: ssm.NewFromConfig(awsCfg),
		S3Client:  s3.NewFromConfig(awsCfg),
	})
	if err != nil {
		L.Error(ctx, err, "failed to create catalog loader, catalog updates disabled")
		return
	}

	if err := loader.LoadIntoManager(ctx, mgr); err != nil {
		L.Error(ctx, err, "failed to load catalog from S3, serving embedded catalog")
	} else {
		L.Info(ctx, "loaded catalog from S3",
			"catalog_version", mgr.CatalogVersion(),
			"catalog_hash", mgr.CatalogHash(),
		)
	}

	watcher := catalog.NewWatcher(&catalog.WatcherOptions{
		Logger:       L,
		Loader:       loader,
		Manager:      mgr,
		PollInterval: conf.CatalogPollInterval,
		Metrics:      m,
		OnSwap: func(snap *catalog.Snapshot) {
			m.SetCatalog(string(snap.Source), snap.Catalog.Version, snap.SHA256, snap.LoadedAt)
		},
	})
	go func() { _ = watcher.Run(ctx) }()
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit is Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	return conn.Close()
}
