package ratelimit

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Policy is the immutable configuration of one admission filter instance.
type Policy struct {
	// Name labels metrics, logs and redis keys, must be unique per process
	Name string
	// Window is the length of a fixed window, measured from the first request of a key
	Window time.Duration
	// Max is the number of admitted requests per key per window
	Max int
	// SkipSuccessful refunds requests whose response status is below 400
	SkipSuccessful bool
	// Message is returned in the error field of the 429 body
	Message string
}

// Validate reports every problem with the policy joined into one error.
func (p Policy) Validate() error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("policy name is required"))
	}
	if p.Window <= 0 {
		errs = append(errs, fmt.Errorf("policy %q: window must be > 0 (got %s)", p.Name, p.Window))
	}
	if p.Max <= 0 {
		errs = append(errs, fmt.Errorf("policy %q: max must be > 0 (got %d)", p.Name, p.Max))
	}
	return errors.Join(errs...)
}

// HeaderValue renders the policy for the RateLimit-Policy header, e.g. "5;w=900".
func (p Policy) HeaderValue() string {
	secs := int64((p.Window + time.Second - 1) / time.Second)
	return strconv.Itoa(p.Max) + ";w=" + strconv.FormatInt(secs, 10)
}

// AuthPolicy guards login endpoints. Successful logins do not count.
func AuthPolicy() Policy {
	return Policy{
		Name:           "auth",
		Window:         15 * time.Minute,
		Max:            5,
		SkipSuccessful: true,
		Message:        "Too many authentication attempts, please try again later.",
	}
}

// GeneralPolicy applies to every /api route.
func GeneralPolicy() Policy {
	return Policy{
		Name:    "general",
		Window:  time.Minute,
		Max:     100,
		Message: "Too many requests, please try again later.",
	}
}

// StrictPolicy guards writes that reach a person or a mailing list.
func StrictPolicy() Policy {
	return Policy{
		Name:    "strict",
		Window:  15 * time.Minute,
		Max:     10,
		Message: "Too many requests for this operation, please try again later.",
	}
}
