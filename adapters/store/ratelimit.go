package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/config"
	"github.com/layer-3/warden/ports"
	"github.com/redis/go-redis/v9"
)

// incrementScript counts one attempt. A live block record short-circuits the
// counter; crossing the threshold replaces the counter with a block record.
//
// KEYS[1] counter, KEYS[2] block
// ARGV[1] threshold, ARGV[2] window ms, ARGV[3] block ms
// Returns {allowed, remaining, blocked, retry_after_ms}.
var incrementScript = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[2])
if ttl == -1 then
	ttl = tonumber(ARGV[3])
end
if ttl > 0 then
	return {0, 0, 1, ttl}
end
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
local threshold = tonumber(ARGV[1])
if count > threshold then
	redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
	redis.call('DEL', KEYS[1])
	return {0, 0, 1, tonumber(ARGV[3])}
end
return {1, threshold - count, 0, 0}
`)

var checkScript = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[2])
if ttl == -1 then
	ttl = tonumber(ARGV[3])
end
if ttl > 0 then
	return {0, 0, 1, ttl}
end
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local remaining = tonumber(ARGV[1]) - count
if remaining < 0 then
	remaining = 0
end
return {1, remaining, 0, 0}
`)

// RedisRateLimiter is a sliding window limiter shared by all instances.
type RedisRateLimiter struct {
	client *redis.Client
	policy config.RateLimit
}

// NewRedisRateLimiter creates a Redis backed rate limiter
func NewRedisRateLimiter(client *redis.Client, policy config.RateLimit) ports.RateLimiter {
	return &RedisRateLimiter{client: client, policy: policy}
}

func (l *RedisRateLimiter) keys(client string, action core.RateLimitAction) []string {
	return []string{
		fmt.Sprintf("%sratelimit:%s:%s", keyPrefix, action, client),
		fmt.Sprintf("%sblock:%s:%s", keyPrefix, action, client),
	}
}

func (l *RedisRateLimiter) args() []interface{} {
	return []interface{}{l.policy.Threshold, l.policy.Window.Milliseconds(), l.policy.Block.Milliseconds()}
}

// Increment counts an attempt and reports whether it is allowed
func (l *RedisRateLimiter) Increment(ctx context.Context, client string, action core.RateLimitAction) (core.RateLimitResult, error) {
	return l.run(ctx, incrementScript, client, action)
}

// Check reports the current state without counting an attempt
func (l *RedisRateLimiter) Check(ctx context.Context, client string, action core.RateLimitAction) (core.RateLimitResult, error) {
	return l.run(ctx, checkScript, client, action)
}

// Reset clears the counter and any block for the client
func (l *RedisRateLimiter) Reset(ctx context.Context, client string, action core.RateLimitAction) error {
	if err := l.client.Del(ctx, l.keys(client, action)...).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", unavailable(err))
	}
	return nil
}

func (l *RedisRateLimiter) run(ctx context.Context, script *redis.Script, client string, action core.RateLimitAction) (core.RateLimitResult, error) {
	values, err := script.Run(ctx, l.client, l.keys(client, action), l.args()...).Int64Slice()
	if err != nil {
		return core.RateLimitResult{}, fmt.Errorf("failed to evaluate rate limit: %w", unavailable(err))
	}
	if len(values) != 4 {
		return core.RateLimitResult{}, fmt.Errorf("unexpected rate limit reply: %v", values)
	}

	return core.RateLimitResult{
		Allowed:           values[0] == 1,
		AttemptsRemaining: int(values[1]),
		IsBlocked:         values[2] == 1,
		RetryAfter:        time.Duration(values[3]) * time.Millisecond,
	}, nil
}

type attemptWindow struct {
	count        int
	windowEnd    time.Time
	blockedUntil time.Time
}

// MemoryRateLimiter is the in-process variant of RedisRateLimiter.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	policy  config.RateLimit
	windows map[string]*attemptWindow
	now     func() time.Time
}

// NewMemoryRateLimiter creates an in-memory rate limiter
func NewMemoryRateLimiter(policy config.RateLimit) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		policy:  policy,
		windows: make(map[string]*attemptWindow),
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (l *MemoryRateLimiter) WithClock(now func() time.Time) *MemoryRateLimiter {
	l.now = now
	return l
}

func (l *MemoryRateLimiter) Increment(ctx context.Context, client string, action core.RateLimitAction) (core.RateLimitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.window(client, action, now)
	if now.Before(w.blockedUntil) {
		return blocked(w.blockedUntil.Sub(now)), nil
	}

	if w.count == 0 {
		w.windowEnd = now.Add(l.policy.Window)
	}
	w.count++

	if w.count > l.policy.Threshold {
		w.count = 0
		w.blockedUntil = now.Add(l.policy.Block)
		return blocked(l.policy.Block), nil
	}

	return core.RateLimitResult{Allowed: true, AttemptsRemaining: l.policy.Threshold - w.count}, nil
}

func (l *MemoryRateLimiter) Check(ctx context.Context, client string, action core.RateLimitAction) (core.RateLimitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.window(client, action, now)
	if now.Before(w.blockedUntil) {
		return blocked(w.blockedUntil.Sub(now)), nil
	}

	return core.RateLimitResult{Allowed: true, AttemptsRemaining: max(l.policy.Threshold-w.count, 0)}, nil
}

func (l *MemoryRateLimiter) Reset(ctx context.Context, client string, action core.RateLimitAction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.windows, string(action)+":"+client)
	return nil
}

// window returns the live state for the key, dropping an elapsed counter.
func (l *MemoryRateLimiter) window(client string, action core.RateLimitAction, now time.Time) *attemptWindow {
	key := string(action) + ":" + client
	w, ok := l.windows[key]
	if !ok {
		w = &attemptWindow{}
		l.windows[key] = w
	}
	if w.count > 0 && !now.Before(w.windowEnd) {
		w.count = 0
	}
	return w
}

func blocked(retryAfter time.Duration) core.RateLimitResult {
	return core.RateLimitResult{IsBlocked: true, RetryAfter: retryAfter}
}
