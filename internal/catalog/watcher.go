package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/keithlinneman/agrotech-web/internal/cryptoutil"
	"github.com/keithlinneman/agrotech-web/internal/log"
)

const (
	// DefaultPollInterval is how often the watcher checks SSM for a new digest.
	DefaultPollInterval = 30 * time.Second

	// maxBackoff caps exponential backoff on consecutive SSM errors.
	maxBackoff = 5 * time.Minute
)

// pollResult describes what happened during a single poll cycle.
type pollResult int

const (
	pollNoChange  pollResult = iota // SSM digest matches current
	pollSwapped                     // new digest loaded and swapped in
	pollSSMError                    // SSM fetch failed, caller should back off
	pollLoadError                   // download, checksum, signature or validation failed
)

// Fetcher is what the Watcher needs from a Loader.
type Fetcher interface {
	FetchCurrentHash(ctx context.Context) (string, error)
	LoadHash(ctx context.Context, hash string) (*Snapshot, error)
}

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherSwaps()
	IncWatcherError(errType string)
	ObserveCatalogLoadDuration(seconds float64)
	SetWatcherLastSuccess(unixSeconds float64)
	SetWatcherStale(stale bool)
}

type WatcherOptions struct {
	Logger       log.Logger
	Loader       Fetcher
	Manager      *Manager
	PollInterval time.Duration

	// OnSwap is called synchronously on the poll goroutine after a swap.
	OnSwap func(snap *Snapshot)

	Metrics WatcherMetrics

	// StaleThreshold is how long without a successful SSM poll before the
	// catalog is reported stale. Zero defaults to 30 minutes.
	StaleThreshold time.Duration
}

// Watcher polls SSM and hot-swaps catalogs into the manager.
type Watcher struct {
	loader   Fetcher
	manager  *Manager
	logger   log.Logger
	interval time.Duration
	onSwap   func(snap *Snapshot)
	metrics  WatcherMetrics

	currentHash string

	// SSM error backoff, doubling from 2x interval up to maxBackoff
	backoff         *backoff.ExponentialBackOff
	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	stale          bool

	pollCount int64
	swapCount int64
}

// NewWatcher creates a catalog watcher. Call Run to start the poll loop.
func NewWatcher(opts *WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}

	// seed from the manager so the first poll does not re-download the startup catalog
	currentHash := ""
	if snap, ok := opts.Manager.Get(); ok {
		currentHash = snap.SHA256
	}

	var metrics WatcherMetrics = nopWatcherMetrics{}
	if opts.Metrics != nil {
		metrics = opts.Metrics
	}

	bo := &backoff.ExponentialBackOff{
		InitialInterval: 2 * interval,
		Multiplier:      2,
		MaxInterval:     maxBackoff,
	}
	bo.Reset()

	return &Watcher{
		backoff:        bo,
		loader:         opts.Loader,
		manager:        opts.Manager,
		logger:         opts.Logger,
		interval:       interval,
		onSwap:         opts.OnSwap,
		metrics:        metrics,
		currentHash:    currentHash,
		staleThreshold: staleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "catalog watcher starting",
		"poll_interval", w.interval.String(),
		"current_hash", truncHash(w.currentHash),
	)

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "catalog watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-timer.C:
			result := w.checkOnce(ctx)
			timer.Reset(w.next(ctx, result, time.Now()))
		}
	}
}

// next updates backoff and staleness state after a poll and returns the delay until the following one.
func (w *Watcher) next(ctx context.Context, result pollResult, now time.Time) time.Duration {
	if result != pollSSMError {
		if w.consecutiveErrs > 0 {
			w.logger.Info(ctx, "catalog watcher: recovered, resuming normal interval",
				"had_consecutive_errors", w.consecutiveErrs,
			)
			w.consecutiveErrs = 0
			w.backoff.Reset()
		}
		if w.stale {
			w.logger.Info(ctx, "catalog watcher: staleness recovered")
			w.setStale(false)
		}
		return w.interval
	}

	w.consecutiveErrs++
	delay := w.backoff.NextBackOff()
	w.logger.Warn(ctx, "catalog watcher: backing off",
		"consecutive_errors", w.consecutiveErrs,
		"next_poll_in", delay.String(),
	)

	// emit a structured error once on the transition into stale
	if since := now.Sub(w.lastSuccessAt); since > w.staleThreshold && !w.stale {
		w.logger.Error(ctx, fmt.Errorf("last successful SSM poll was %s ago", since.Truncate(time.Second)),
			"catalog watcher: catalog is stale, unable to verify freshness",
		)
		w.setStale(true)
	}
	return delay
}

func (w *Watcher) setStale(stale bool) {
	w.stale = stale
	w.metrics.SetWatcherStale(stale)
}

// checkOnce performs a single poll-compare-swap cycle.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	w.metrics.IncWatcherPolls()

	hash, err := w.loader.FetchCurrentHash(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "catalog watcher: SSM poll failed")
		w.metrics.IncWatcherError("ssm")
		return pollSSMError
	}
	w.lastSuccessAt = time.Now()
	w.metrics.SetWatcherLastSuccess(float64(w.lastSuccessAt.Unix()))

	if cryptoutil.HashEqual(hash, w.currentHash) {
		return pollNoChange
	}

	lg := w.logger.With("old_hash", truncHash(w.currentHash), "new_hash", truncHash(hash))
	lg.Info(ctx, "catalog watcher: new catalog digest detected")

	began := time.Now()
	snap, err := w.loader.LoadHash(ctx, hash)
	w.metrics.ObserveCatalogLoadDuration(time.Since(began).Seconds())
	if err != nil {
		lg.Error(ctx, err, "catalog watcher: failed to load catalog, keeping current")
		w.metrics.IncWatcherError("load")
		return pollLoadError
	}

	w.swap(ctx, hash, snap)
	lg.Info(ctx, "catalog watcher: catalog swapped",
		"version", snap.Catalog.Version,
		"total_swaps", w.swapCount,
	)
	return pollSwapped
}

// swap publishes snap and runs the OnSwap hook, a panicking hook is logged and swallowed
func (w *Watcher) swap(ctx context.Context, hash string, snap *Snapshot) {
	w.manager.Set(*snap)
	w.currentHash = hash
	w.swapCount++
	w.metrics.IncWatcherSwaps()

	if w.onSwap == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r),
				"catalog watcher: OnSwap callback panicked, continuing",
				"hash", truncHash(hash),
			)
		}
	}()
	w.onSwap(snap)
}

// nopWatcherMetrics stands in when no metrics sink is configured
type nopWatcherMetrics struct{}

func (nopWatcherMetrics) IncWatcherPolls()                   {}
func (nopWatcherMetrics) IncWatcherSwaps()                   {}
func (nopWatcherMetrics) IncWatcherError(string)             {}
func (nopWatcherMetrics) ObserveCatalogLoadDuration(float64) {}
func (nopWatcherMetrics) SetWatcherLastSuccess(float64)      {}
func (nopWatcherMetrics) SetWatcherStale(bool)               {}
