package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/agrotech-web/internal/log"
	"github.com/keithlinneman/agrotech-web/internal/xerrors"
)

// UnknownKey is the bucket shared by requests without a client key.
const UnknownKey = "unknown"

// Limiter is one admission filter instance: a policy, the store holding its
// windows, and hooks for observability.
type Limiter struct {
	policy Policy
	store  Store
	// ownStore is true when the limiter created the store and must close it
	ownStore bool
	now      func() time.Time

	maxKeys       int
	sweepInterval time.Duration

	// OnFirstDenied is called once per key per window when it first gets denied
	OnFirstDenied func(key string)
	// OnDenied is called on every denied request, used for incrementing prometheus counter
	OnDenied func(key string)
	// OnCapacity is called when the memory store is full and starts rejecting new keys
	OnCapacity func()
	// OnStoreError is called on every store failure, the request is admitted
	OnStoreError func(err error)

	// store errors usually come in bursts (redis restart), log the first and then at most every 30s
	errLog rate.Sometimes
}

type Option func(*Limiter)

// WithStore sets a shared store. The caller keeps ownership and closes it.
func WithStore(s Store) Option {
	return func(l *Limiter) {
		l.store = s
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithOnFirstDenied sets a callback for the first denial per key per window, used for logging.
func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every denied request. used for incrementing prometheus counters
func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

// WithOnCapacity sets a callback fired when the default memory store fills up.
func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) {
		l.OnCapacity = fn
	}
}

// WithOnStoreError sets a callback for store failures.
func WithOnStoreError(fn func(err error)) Option {
	return func(l *Limiter) {
		l.OnStoreError = fn
	}
}

// WithMaxKeys bounds the default memory store.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		l.maxKeys = n
	}
}

// WithSweepInterval sets how often the default memory store evicts expired windows.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		l.sweepInterval = d
	}
}

// New creates a Limiter for p. Without WithStore a MemoryStore is created
// whose sweeper runs until ctx is cancelled or Close is called.
func New(ctx context.Context, p Policy, opts ...Option) (*Limiter, error) {
	if err := p.Validate(); err != nil {
		return nil, xerrors.Wrap(err, "ratelimit policy")
	}
	l := &Limiter{
		policy:  p,
		now:     time.Now,
		maxKeys: DefaultMaxKeys,
		errLog:  rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, o := range opts {
		o(l)
	}
	if l.sweepInterval <= 0 {
		l.sweepInterval = min(p.Window, time.Minute) / 2
	}
	if l.store == nil {
		l.store = NewMemoryStore(ctx, MemoryOptions{
			MaxKeys:       l.maxKeys,
			SweepInterval: l.sweepInterval,
			OnCapacity:    l.onCapacity,
			Now:           l.now,
		})
		l.ownStore = true
	}
	return l, nil
}

// Policy returns the limiter's policy.
func (l *Limiter) Policy() Policy { return l.policy }

// Admit decides whether one request from key may proceed at the current time.
func (l *Limiter) Admit(ctx context.Context, key string) (Decision, Ticket) {
	return l.admitAt(ctx, key, l.now())
}

func (l *Limiter) admitAt(ctx context.Context, key string, now time.Time) (Decision, Ticket) {
	if key == "" {
		key = UnknownKey
	}

	d, t, err := l.store.Admit(ctx, key, now, l.policy)
	if err != nil {
		l.storeError(ctx, err)
		// fail open, a throttle outage must not become an API outage
		return Decision{
			Allowed:   true,
			Limit:     l.policy.Max,
			Remaining: l.policy.Max,
			ResetAt:   now.Add(l.policy.Window),
		}, Ticket{}
	}

	if !d.Allowed {
		if d.FirstDenied && l.OnFirstDenied != nil {
			l.OnFirstDenied(key)
		}
		if l.OnDenied != nil {
			l.OnDenied(key)
		}
	}
	return d, t
}

// Refund gives back the slot taken by t if its window is still live.
func (l *Limiter) Refund(ctx context.Context, t Ticket) {
	if !t.Valid() {
		return
	}
	if err := l.store.Refund(ctx, t); err != nil {
		l.storeError(ctx, err)
	}
}

// Close releases the store if the limiter created it.
func (l *Limiter) Close() error {
	if !l.ownStore {
		return nil
	}
	return l.store.Close()
}

func (l *Limiter) onCapacity() {
	if l.OnCapacity != nil {
		l.OnCapacity()
	}
}

func (l *Limiter) storeError(ctx context.Context, err error) {
	if l.OnStoreError != nil {
		l.OnStoreError(err)
	}
	l.errLog.Do(func() {
		log.FromContext(ctx).Error(ctx, err, "rate limit store failed, admitting request", "policy", l.policy.Name)
	})
}
