package catalog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// spyMetrics records watcher signals
type spyMetrics struct {
	polls, swaps atomic.Int32
	errs         map[string]int
	loads        int
	stale        *bool
}

func newSpyMetrics() *spyMetrics { return &spyMetrics{errs: make(map[string]int)} }

func (s *spyMetrics) IncWatcherPolls()                   { s.polls.Add(1) }
func (s *spyMetrics) IncWatcherSwaps()                   { s.swaps.Add(1) }
func (s *spyMetrics) IncWatcherError(t string)           { s.errs[t]++ }
func (s *spyMetrics) ObserveCatalogLoadDuration(float64) { s.loads++ }
func (s *spyMetrics) SetWatcherLastSuccess(float64)      {}
func (s *spyMetrics) SetWatcherStale(stale bool)         { s.stale = &stale }

func newTestWatcher(t *testing.T, opts ...func(*WatcherOptions)) (*Watcher, *Manager, *fakeS3, *fakeSSM, *spyMetrics) {
	t.Helper()
	l, s3f, ssmf := newTestLoader(t, nil)
	mgr := NewManager()
	m := newSpyMetrics()
	wo := &WatcherOptions{
		Loader:       l,
		Manager:      mgr,
		PollInterval: 10 * time.Second,
		Metrics:      m,
	}
	for _, o := range opts {
		o(wo)
	}
	return NewWatcher(wo), mgr, s3f, ssmf, m
}

func TestWatcher_SeedsHashFromManager(t *testing.T) {
	l, s3f, ssmf := newTestLoader(t, nil)
	hash := publish(s3f, ssmf, catalogDoc("startup"), false)
	mgr := NewManager()
	if err := l.LoadIntoManager(t.Context(), mgr); err != nil {
		t.Fatalf("LoadIntoManager: %v", err)
	}
	getsBefore := s3f.gets

	w := NewWatcher(&WatcherOptions{Loader: l, Manager: mgr})
	if w.currentHash != hash {
		t.Fatalf("currentHash = %q, want %q", w.currentHash, hash)
	}
	if got := w.checkOnce(t.Context()); got != pollNoChange {
		t.Fatalf("result = %v, want no change", got)
	}
	if s3f.gets != getsBefore {
		t.Fatal("unchanged digest should not hit S3")
	}
}

func TestWatcher_SwapsOnNewHash(t *testing.T) {
	var swapped *Snapshot
	w, mgr, s3f, ssmf, m := newTestWatcher(t, func(o *WatcherOptions) {
		o.OnSwap = func(s *Snapshot) { swapped = s }
	})

	hash := publish(s3f, ssmf, catalogDoc("v2"), false)
	if got := w.checkOnce(t.Context()); got != pollSwapped {
		t.Fatalf("result = %v, want swapped", got)
	}
	if mgr.CatalogHash() != hash || mgr.CatalogVersion() != "v2" {
		t.Fatalf("manager not updated: %s %s", mgr.CatalogHash(), mgr.CatalogVersion())
	}
	if swapped == nil || swapped.SHA256 != hash {
		t.Fatal("OnSwap not called with the new snapshot")
	}
	if m.swaps.Load() != 1 || m.loads != 1 {
		t.Fatalf("swaps=%d loads=%d, want 1 and 1", m.swaps.Load(), m.loads)
	}
	if got := w.checkOnce(t.Context()); got != pollNoChange {
		t.Fatalf("second poll = %v, want no change", got)
	}
}

func TestWatcher_LoadErrorKeepsCurrent(t *testing.T) {
	w, mgr, s3f, ssmf, m := newTestWatcher(t)
	good := publish(s3f, ssmf, catalogDoc("good"), false)
	w.checkOnce(t.Context())

	publish(s3f, ssmf, []byte(`{"version":""}`), false)
	if got := w.checkOnce(t.Context()); got != pollLoadError {
		t.Fatalf("result = %v, want load error", got)
	}
	if mgr.CatalogHash() != good {
		t.Fatal("bad catalog replaced the active one")
	}
	if m.errs["load"] != 1 {
		t.Fatalf("load errors = %d, want 1", m.errs["load"])
	}
}

func TestWatcher_OnSwapPanicRecovered(t *testing.T) {
	w, mgr, s3f, ssmf, _ := newTestWatcher(t, func(o *WatcherOptions) {
		o.OnSwap = func(*Snapshot) { panic("boom") }
	})
	hash := publish(s3f, ssmf, catalogDoc("v3"), false)

	if got := w.checkOnce(t.Context()); got != pollSwapped {
		t.Fatalf("result = %v, want swapped", got)
	}
	if mgr.CatalogHash() != hash {
		t.Fatal("swap should stand even when OnSwap panics")
	}
}

func TestWatcher_BackoffAndStaleness(t *testing.T) {
	w, _, _, ssmf, m := newTestWatcher(t, func(o *WatcherOptions) {
		o.StaleThreshold = time.Minute
	})
	ctx := t.Context()
	ssmf.set("", errors.New("throttled"))

	if got := w.checkOnce(ctx); got != pollSSMError {
		t.Fatalf("result = %v, want ssm error", got)
	}
	if m.errs["ssm"] != 1 {
		t.Fatalf("ssm errors = %d, want 1", m.errs["ssm"])
	}

	now := w.lastSuccessAt
	if d := w.next(ctx, pollSSMError, now); d != 20*time.Second {
		t.Fatalf("first backoff = %s, want 20s", d)
	}
	if d := w.next(ctx, pollSSMError, now); d != 40*time.Second {
		t.Fatalf("second backoff = %s, want 40s", d)
	}
	if m.stale != nil {
		t.Fatal("should not be stale within threshold")
	}

	if d := w.next(ctx, pollSSMError, now.Add(2*time.Minute)); d != 80*time.Second {
		t.Fatalf("third backoff = %s, want 80s", d)
	}
	if m.stale == nil || !*m.stale {
		t.Fatal("watcher should report stale past threshold")
	}

	if d := w.next(ctx, pollNoChange, now.Add(3*time.Minute)); d != 10*time.Second {
		t.Fatalf("recovered interval = %s, want 10s", d)
	}
	if w.consecutiveErrs != 0 || *m.stale {
		t.Fatal("recovery should reset backoff and staleness")
	}
}

func TestWatcher_BackoffCapped(t *testing.T) {
	w, _, _, _, _ := newTestWatcher(t)
	var d time.Duration
	for range 20 {
		d = w.next(t.Context(), pollSSMError, w.lastSuccessAt)
	}
	if d != maxBackoff {
		t.Fatalf("backoff = %s, want %s", d, maxBackoff)
	}

	// recovery restarts the sequence
	w.next(t.Context(), pollNoChange, w.lastSuccessAt)
	if d := w.next(t.Context(), pollSSMError, w.lastSuccessAt); d != 20*time.Second {
		t.Fatalf("backoff after recovery = %s, want 20s", d)
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	w, _, _, _, _ := newTestWatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
