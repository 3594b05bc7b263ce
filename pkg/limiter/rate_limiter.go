package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter rate limiter interface
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// KEYS[1] window zset; ARGV now(ms), window start(ms), limit, ttl(ms), member
var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[2])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// SlidingWindowLimiter counts requests per key over a sliding window in
// Redis, so the limit holds across every gateway instance.
type SlidingWindowLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter
func NewSlidingWindowLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow checks if the request is allowed
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now().UnixMilli()
	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{"rate_limit:" + l.prefix + ":" + key},
		now, now-l.window.Milliseconds(), l.limit, l.window.Milliseconds(), uuid.NewString(),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// TokenBucketLimiter keeps one local token bucket per key.
type TokenBucketLimiter struct {
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
	idle    time.Duration
	swept   time.Time
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewTokenBucketLimiter creates a keyed token bucket limiter. Buckets idle
// for longer than ten refill periods of a full burst are dropped.
func NewTokenBucketLimiter(r rate.Limit, b int) *TokenBucketLimiter {
	idle := time.Minute
	if r > 0 {
		if d := time.Duration(float64(b) / float64(r) * 10 * float64(time.Second)); d > idle {
			idle = d
		}
	}
	return &TokenBucketLimiter{
		rate:    r,
		burst:   b,
		buckets: make(map[string]*bucket),
		idle:    idle,
		swept:   time.Now(),
	}
}

// Allow checks if the request is allowed
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.idle {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1), nil
}

// Len returns the number of live buckets.
func (l *TokenBucketLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// MultiDimensionLimiter multi-dimension rate limiter
type MultiDimensionLimiter struct {
	limiters map[string]RateLimiter
}

// NewMultiDimensionLimiter creates a limiter that must pass every named
// dimension.
func NewMultiDimensionLimiter() *MultiDimensionLimiter {
	return &MultiDimensionLimiter{limiters: make(map[string]RateLimiter)}
}

// Set installs the limiter of a dimension.
func (l *MultiDimensionLimiter) Set(dimension string, limiter RateLimiter) {
	l.limiters[dimension] = limiter
}

// Allow checks the request against each dimension it carries a key for.
// Dimensions without a configured limiter are ignored.
func (l *MultiDimensionLimiter) Allow(ctx context.Context, dimensions map[string]string) (bool, string, error) {
	for dimension, key := range dimensions {
		limiter, ok := l.limiters[dimension]
		if !ok || key == "" {
			continue
		}
		allowed, err := limiter.Allow(ctx, key)
		if err != nil {
			return false, dimension, err
		}
		if !allowed {
			return false, dimension, nil
		}
	}
	return true, "", nil
}
