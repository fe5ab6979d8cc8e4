// Package limiter implements request admission: a two-tier in-flight
// concurrency cap and per-minute rate limiting.
package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyLimiter bounds in-flight upstream calls with two tiers: an
// optional process-wide cap and a per-deployment cap. Acquisition takes
// the global slot first so a saturated deployment cannot starve the
// global pool while holding nothing.
type ConcurrencyLimiter struct {
	global         *semaphore.Weighted
	perDeployment  int64
	acquireTimeout time.Duration

	mu    sync.Mutex
	local map[string]*semaphore.Weighted
}

// NewConcurrencyLimiter creates a limiter. globalMax <= 0 disables the
// global tier; perDeployment <= 0 disables the per-deployment tier.
func NewConcurrencyLimiter(globalMax, perDeployment int64, acquireTimeout time.Duration) *ConcurrencyLimiter {
	l := &ConcurrencyLimiter{
		perDeployment:  perDeployment,
		acquireTimeout: acquireTimeout,
		local:          make(map[string]*semaphore.Weighted),
	}
	if globalMax > 0 {
		l.global = semaphore.NewWeighted(globalMax)
	}
	return l
}

func (l *ConcurrencyLimiter) forDeployment(id string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.local[id]
	if !ok {
		sem = semaphore.NewWeighted(l.perDeployment)
		l.local[id] = sem
	}
	return sem
}

// Acquire takes one slot in each enabled tier, waiting up to the
// configured timeout. On success the returned release function must be
// called exactly once. A false result means the caller should shed the
// request with 429.
func (l *ConcurrencyLimiter) Acquire(ctx context.Context, deploymentID string) (release func(), ok bool) {
	acquireCtx := ctx
	if l.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, l.acquireTimeout)
		defer cancel()
	}

	if l.global != nil {
		if err := l.global.Acquire(acquireCtx, 1); err != nil {
			return nil, false
		}
	}

	if l.perDeployment > 0 {
		sem := l.forDeployment(deploymentID)
		if err := sem.Acquire(acquireCtx, 1); err != nil {
			if l.global != nil {
				l.global.Release(1)
			}
			return nil, false
		}
		return func() {
			sem.Release(1)
			if l.global != nil {
				l.global.Release(1)
			}
		}, true
	}

	if l.global != nil {
		return func() { l.global.Release(1) }, true
	}
	return func() {}, true
}
