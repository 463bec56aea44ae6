package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxKeys bounds the number of windows a MemoryStore tracks.
const DefaultMaxKeys = 100_000

// window tracks a single key's count within its current fixed window
type window struct {
	count  int
	expiry time.Time
	// denied tracks whether we have already reported the first denial for this window
	denied bool
}

// MemoryStore keeps windows in process memory behind one mutex. Expired
// windows are evicted by a background sweeper bound to the context passed to
// NewMemoryStore.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window

	maxKeys int
	// saturated is true from the first rejected new key until a sweep frees room
	saturated  bool
	onCapacity func()

	now      func() time.Time
	interval time.Duration

	stop     context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// MemoryOptions configures a MemoryStore. Zero values use defaults.
type MemoryOptions struct {
	// MaxKeys is the ceiling on tracked keys, new keys are denied once reached
	MaxKeys int
	// SweepInterval controls how often expired windows are evicted
	SweepInterval time.Duration
	// OnCapacity fires once each time the store becomes full
	OnCapacity func()
	// Now is the clock used by the sweeper
	Now func() time.Time
}

// NewMemoryStore creates a MemoryStore and starts its sweeper. The sweeper
// stops when ctx is cancelled or Close is called.
func NewMemoryStore(ctx context.Context, opts MemoryOptions) *MemoryStore {
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = DefaultMaxKeys
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &MemoryStore{
		windows:    make(map[string]*window),
		maxKeys:    opts.MaxKeys,
		onCapacity: opts.OnCapacity,
		now:        opts.Now,
		interval:   opts.SweepInterval,
		stop:       cancel,
		done:       make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Admit implements Store.
func (s *MemoryStore) Admit(_ context.Context, key string, now time.Time, p Policy) (Decision, Ticket, error) {
	s.mu.Lock()
	w, exists := s.windows[key]
	if !exists {
		if len(s.windows) >= s.maxKeys {
			first := !s.saturated
			s.saturated = true
			// release lock before calling hooks, have to release as fast as possible to avoid blocking other requests
			s.mu.Unlock()
			if first && s.onCapacity != nil {
				s.onCapacity()
			}
			return s.capacityDecision(now, p), Ticket{}, nil
		}
		w = &window{}
		s.windows[key] = w
	}

	before := w.expiry
	d := decide(&w.count, &w.expiry, now, p)
	if !w.expiry.Equal(before) {
		w.denied = false
	}
	if !d.Allowed && !w.denied {
		w.denied = true
		d.FirstDenied = true
	}
	expiry := w.expiry
	s.mu.Unlock()

	if !d.Allowed {
		return d, Ticket{}, nil
	}
	return d, Ticket{key: key, expiry: expiry}, nil
}

// capacityDecision denies a key the store has no room for. The client is told
// to come back after the next sweep.
func (s *MemoryStore) capacityDecision(now time.Time, p Policy) Decision {
	return Decision{
		Limit:      p.Max,
		ResetAt:    now.Add(s.interval),
		RetryAfter: s.interval,
	}
}

// Refund implements Store. It is a no-op when the ticket's window has rolled
// over or been evicted.
func (s *MemoryStore) Refund(_ context.Context, t Ticket) error {
	if !t.Valid() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[t.key]
	if !ok || !w.expiry.Equal(t.expiry) || w.count == 0 {
		return nil
	}
	w.count--
	return nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Close stops the sweeper and waits for it to exit.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(s.stop)
	<-s.done
	return nil
}

func (s *MemoryStore) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(s.now())
		}
	}
}

// sweep evicts every window that has expired at now.
func (s *MemoryStore) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for key, w := range s.windows {
		if !now.Before(w.expiry) {
			delete(s.windows, key)
			evicted++
		}
	}
	if len(s.windows) < s.maxKeys {
		s.saturated = false
	}
	return evicted
}
