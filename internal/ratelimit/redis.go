package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/agrotech-web/internal/xerrors"
)

// admitScript runs the fixed window rules atomically for one key.
// Keys: [1] window key
// Args: [1] now (unix ms), [2] window (ms), [3] max
// Returns: {allowed, count, expiry (unix ms), first denial}
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

local exp = tonumber(redis.call("HGET", key, "exp"))
local count = tonumber(redis.call("HGET", key, "count"))

if exp == nil or now >= exp then
    exp = now + window
    count = 0
    redis.call("DEL", key)
    redis.call("HSET", key, "count", 0, "exp", exp)
    redis.call("PEXPIREAT", key, exp)
end

if count >= max then
    local denied = redis.call("HINCRBY", key, "denied", 1)
    return {0, count, exp, denied == 1 and 1 or 0}
end

count = redis.call("HINCRBY", key, "count", 1)
return {1, count, exp, 0}
`)

// refundScript decrements the count only while the window identified by
// ARGV[1] is still the live one.
var refundScript = redis.NewScript(`
local key = KEYS[1]
local exp = tonumber(redis.call("HGET", key, "exp"))
if exp == nil or exp ~= tonumber(ARGV[1]) then
    return 0
end
local count = tonumber(redis.call("HGET", key, "count"))
if count == nil or count <= 0 then
    return 0
end
redis.call("HINCRBY", key, "count", -1)
return 1
`)

// RedisStore keeps windows in redis so every replica shares one budget per
// client. Time comes from the caller, replicas should run synchronized clocks.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key namespace, default "agrotech:ratelimit".
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

// NewRedisStore wraps an existing client. The client is shared between
// limiters and is not closed by Close.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "agrotech:ratelimit",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStore) windowKey(policy, key string) string {
	return s.prefix + ":" + policy + ":" + key
}

// Admit implements Store.
func (s *RedisStore) Admit(ctx context.Context, key string, now time.Time, p Policy) (Decision, Ticket, error) {
	rk := s.windowKey(p.Name, key)
	args := []any{now.UnixMilli(), p.Window.Milliseconds(), p.Max}

	res, err := admitScript.Run(ctx, s.client, []string{rk}, args...).Int64Slice()
	if err != nil {
		return Decision{}, Ticket{}, xerrors.Wrapf(err, "redis admit %s", p.Name)
	}
	if len(res) != 4 {
		return Decision{}, Ticket{}, xerrors.Newf("redis admit %s: unexpected reply length %d", p.Name, len(res))
	}

	allowed, count, expMs, first := res[0] == 1, int(res[1]), res[2], res[3] == 1
	expiry := time.UnixMilli(expMs)
	d := Decision{
		Allowed: allowed,
		Limit:   p.Max,
		ResetAt: expiry,
	}
	if !allowed {
		d.RetryAfter = expiry.Sub(now)
		d.FirstDenied = first
		return d, Ticket{}, nil
	}
	d.Remaining = max(p.Max-count, 0)
	return d, Ticket{key: rk, expiry: expiry}, nil
}

// Refund implements Store.
func (s *RedisStore) Refund(ctx context.Context, t Ticket) error {
	if !t.Valid() {
		return nil
	}
	if err := refundScript.Run(ctx, s.client, []string{t.key}, t.expiry.UnixMilli()).Err(); err != nil {
		return xerrors.Wrapf(err, "redis refund %s", t.key)
	}
	return nil
}

// Ping checks the redis connection, used by readiness.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error { return nil }
