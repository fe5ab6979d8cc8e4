package limiter

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of a rate limit check. Wait is how long the
// caller should tell the client to back off; gateways surface it as
// Retry-After rounded up.
type Decision struct {
	Allowed bool
	Wait    time.Duration
}

// RetryAfterSeconds converts the wait into the Retry-After header value:
// the wait rounded up, plus one second so clients do not hot-loop.
func (d Decision) RetryAfterSeconds() int {
	return int(math.Ceil(d.Wait.Seconds())) + 1
}

// RateLimiter checks a per-user, per-deployment requests-per-minute cap.
type RateLimiter interface {
	Allow(ctx context.Context, key string, rpm int) (Decision, error)
}

// localWindow tracks request timestamps for one key.
type localWindow struct {
	times []time.Time
}

// LocalRateLimiter is a sliding-window limiter held in process memory.
// Used when Redis is not configured; counts are per-process.
type LocalRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*localWindow
	now     func() time.Time
}

// NewLocalRateLimiter creates an in-process limiter.
func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{
		windows: make(map[string]*localWindow),
		now:     time.Now,
	}
}

// Allow records the request if it fits in the window. rpm <= 0 means
// unlimited.
func (l *LocalRateLimiter) Allow(_ context.Context, key string, rpm int) (Decision, error) {
	if rpm <= 0 {
		return Decision{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-time.Minute)

	w, ok := l.windows[key]
	if !ok {
		w = &localWindow{}
		l.windows[key] = w
	}

	// Drop timestamps outside the window.
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept

	if len(w.times) >= rpm {
		wait := w.times[0].Add(time.Minute).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return Decision{Allowed: false, Wait: wait}, nil
	}

	w.times = append(w.times, now)
	return Decision{Allowed: true}, nil
}

// RedisRateLimiter is a fixed-window limiter shared across gateway
// replicas, keyed per minute in Redis.
type RedisRateLimiter struct {
	client *redis.Client
}

// NewRedisRateLimiter creates a Redis-backed limiter.
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

// Allow increments the current minute's counter and compares it to the
// cap. The key expires two minutes after first use so stale windows are
// garbage collected by Redis.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, rpm int) (Decision, error) {
	if rpm <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := time.Now()
	windowKey := fmt.Sprintf("ratelimit:%s:%d", key, now.Unix()/60)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("failed to check rate limit: %w", err)
	}

	if incr.Val() > int64(rpm) {
		next := now.Truncate(time.Minute).Add(time.Minute)
		return Decision{Allowed: false, Wait: next.Sub(now)}, nil
	}
	return Decision{Allowed: true}, nil
}
