// Package ratelimit is fixed window admission control for the public API.
//
// A Limiter pairs one Policy with one Store. Each client key gets a window of
// Policy.Window starting at its first request; the first Policy.Max requests
// in that window are admitted and the rest are denied with the time left until
// the window rolls over. Policies with SkipSuccessful refund the slot of every
// request whose handler answered below 400, so only failed attempts consume
// budget. Headers are written before the handler runs, so a refunded response
// still reports the RateLimit-Remaining it was admitted with, one below the
// budget actually left.
//
// MemoryStore keeps windows in process and is lost on restart. RedisStore keeps
// them in redis so several replicas share one budget per client. Store errors
// never reject traffic, the request is admitted and the error is logged at a
// throttled rate.
//
// What this does NOT protect against:
//   - distributed attacks across many ips
//   - bandwidth-bill attacks, inbound data is already accepted by the time this runs
package ratelimit
