package oracle

import (
	"sync/atomic"
	"time"
)

// limiterState is replaced, never mutated, so readers always see a consistent triple.
type limiterState struct {
	lastFetchAt   time.Time
	rateLimitHits int
	cooldownUntil time.Time
}

type limiter struct {
	state       atomic.Pointer[limiterState]
	minInterval time.Duration
	cooldown    time.Duration
	maxCooldown time.Duration
}

func newLimiter(minInterval, cooldown, maxCooldown time.Duration) *limiter {
	l := &limiter{minInterval: minInterval, cooldown: cooldown, maxCooldown: maxCooldown}
	l.state.Store(&limiterState{})
	return l
}

func (l *limiter) snapshot() limiterState {
	return *l.state.Load()
}

type denial int

const (
	allowed denial = iota
	throttled
	coolingDown
)

// acquire claims the right to issue a network call at now. Unforced callers are
// denied inside the throttle window or during a cooldown. The claim is a
// compare-and-swap on lastFetchAt, so two callers racing for the same window
// cannot both win.
func (l *limiter) acquire(now time.Time, force bool) denial {
	for {
		cur := l.state.Load()
		if !force {
			if now.Before(cur.cooldownUntil) {
				return coolingDown
			}
			if !cur.lastFetchAt.IsZero() && now.Sub(cur.lastFetchAt) < l.minInterval {
				return throttled
			}
		}
		next := *cur
		next.lastFetchAt = now
		if l.state.CompareAndSwap(cur, &next) {
			return allowed
		}
	}
}

// succeeded resets the backoff after a good response.
func (l *limiter) succeeded(now time.Time) {
	for {
		cur := l.state.Load()
		next := &limiterState{lastFetchAt: cur.lastFetchAt}
		if next.lastFetchAt.IsZero() {
			next.lastFetchAt = now
		}
		if l.state.CompareAndSwap(cur, next) {
			return
		}
	}
}

// rateLimited starts or extends the cooldown. Consecutive hits double it up to maxCooldown.
func (l *limiter) rateLimited(now time.Time) time.Time {
	for {
		cur := l.state.Load()
		next := *cur
		next.rateLimitHits++
		next.cooldownUntil = now.Add(backoff(l.cooldown, l.maxCooldown, next.rateLimitHits-1))
		if l.state.CompareAndSwap(cur, &next) {
			return next.cooldownUntil
		}
	}
}

// backoff returns base * 2^retry capped at max.
func backoff(base, max time.Duration, retry int) time.Duration {
	if retry <= 0 {
		return base
	}
	if retry > 30 {
		return max
	}
	d := base * time.Duration(1<<retry)
	if d > max || d <= 0 {
		return max
	}
	return d
}
