package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission.
type Decision struct {
	Allowed bool
	// Limit is the policy maximum
	Limit int
	// Remaining is the budget left in the window after this request
	Remaining int
	// ResetAt is when the current window expires
	ResetAt time.Time
	// RetryAfter is only set on denials
	RetryAfter time.Duration
	// FirstDenied is true for the first denial of a key within a window
	FirstDenied bool
}

// RetryAfterSeconds is RetryAfter rounded up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	return ceilSeconds(d.RetryAfter)
}

// ResetSeconds is the time from now until the window expires, rounded up.
func (d Decision) ResetSeconds(now time.Time) int {
	return ceilSeconds(d.ResetAt.Sub(now))
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// Ticket identifies the window a request was admitted into. A refund only
// applies while that same window is still live for the key.
type Ticket struct {
	key    string
	expiry time.Time
}

// Valid is false for tickets of denied or fail-open requests.
func (t Ticket) Valid() bool { return t.key != "" && !t.expiry.IsZero() }

// Store holds window state. Implementations must serialize the
// read-modify-write of a single key so concurrent requests can never both
// observe count < Max and both be admitted past it.
type Store interface {
	Admit(ctx context.Context, key string, now time.Time, p Policy) (Decision, Ticket, error)
	Refund(ctx context.Context, t Ticket) error
	Close() error
}

// decide applies the fixed window rules to one key. count and expiry are
// updated in place.
func decide(count *int, expiry *time.Time, now time.Time, p Policy) Decision {
	// a clock that went backwards stays in the current window
	if expiry.IsZero() || !now.Before(*expiry) {
		*count = 0
		*expiry = now.Add(p.Window)
	}
	d := Decision{Limit: p.Max, ResetAt: *expiry}
	if *count >= p.Max {
		d.RetryAfter = expiry.Sub(now)
		return d
	}
	*count++
	d.Allowed = true
	d.Remaining = p.Max - *count
	return d
}
