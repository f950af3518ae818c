// Package ratelimit implements fixed-window request counting per client and
// endpoint class on Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/backtrue/mitenow-sub001/internal/config"
)

// Endpoint classes.
const (
	ClassPrepare = "prepare"
	ClassUpload  = "upload"
	ClassDeploy  = "deploy"
	ClassCheck   = "check"
	ClassRelease = "release"
	ClassSecrets = "secrets"
)

// incrScript increments the counter for KEYS[1] in one round trip, starting a
// new window when the current one has elapsed. It returns {count, start}.
var incrScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local vals = redis.call('HMGET', KEYS[1], 'start', 'count')
local start = tonumber(vals[1])
local count = tonumber(vals[2])
if start == nil or count == nil or now - start >= window or now < start then
  start = now
  count = 0
end
count = count + 1
redis.call('HSET', KEYS[1], 'start', start, 'count', count)
redis.call('PEXPIRE', KEYS[1], window - (now - start))
return {count, start}
`)

type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
}

type Option func(*Limiter)

// WithClock replaces the wall clock used to place requests in windows.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

type Limiter struct {
	client redis.Scripter
	limits map[string]config.RateLimit
	now    func() time.Time
}

func New(client redis.Scripter, limits map[string]config.RateLimit, opts ...Option) *Limiter {
	l := &Limiter{client: client, limits: limits, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one request from clientKey against class. Classes without a
// configured limit are always allowed and not counted.
func (l *Limiter) Allow(ctx context.Context, clientKey, class string) (Decision, error) {
	limit, ok := l.limits[class]
	if !ok {
		return Decision{Allowed: true}, nil
	}

	window := limit.Window().Milliseconds()
	now := l.now().UnixMilli()

	res, err := incrScript.Run(ctx, l.client, []string{key(class, clientKey)}, now, window).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("increment rate counter %s: %w", class, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("increment rate counter %s: unexpected reply %v", class, res)
	}

	count, start := int(res[0]), res[1]
	d := Decision{Allowed: count <= limit.MaxRequests, Count: count, Limit: limit.MaxRequests}
	if !d.Allowed {
		d.RetryAfter = time.Duration(window-(now-start)) * time.Millisecond
	}
	return d, nil
}

func key(class, clientKey string) string {
	return "rl:" + class + ":" + clientKey
}
