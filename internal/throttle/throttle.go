// Package throttle backs off repeated failing calls per key, so a broken
// site cannot hammer the CA through the manual issue and renew endpoints.
package throttle

import (
	"math"
	"sync"
	"time"
)

// Limiter tracks failures per key
type Limiter struct {
	mu          sync.Mutex
	attempts    map[string]*attemptInfo
	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

type attemptInfo struct {
	count    int
	firstAt  time.Time
	lastFail time.Time
}

// New creates a limiter (e.g. 5 failures per hour)
func New(maxAttempts int, window time.Duration) *Limiter {
	return &Limiter{
		attempts:    make(map[string]*attemptInfo),
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
	}
}

// Check returns whether key may try again, and if not how long to wait
func (l *Limiter) Check(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, exists := l.attempts[key]
	if !exists {
		return true, 0
	}

	now := l.now()
	// Window expired → reset
	if now.Sub(info.firstAt) > l.window {
		delete(l.attempts, key)
		return true, 0
	}

	if info.count >= l.maxAttempts {
		return false, roundUp(l.window - now.Sub(info.firstAt))
	}

	// Exponential backoff: after each fail, wait 2^(n-1) seconds
	backoff := time.Duration(math.Pow(2, float64(info.count-1))) * time.Second
	if since := now.Sub(info.lastFail); since < backoff {
		return false, roundUp(backoff - since)
	}

	return true, 0
}

// RecordFail records a failed attempt
func (l *Limiter) RecordFail(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	info, exists := l.attempts[key]
	if !exists {
		l.attempts[key] = &attemptInfo{count: 1, firstAt: now, lastFail: now}
		return
	}
	info.count++
	info.lastFail = now
}

// RecordSuccess clears attempts for a key
func (l *Limiter) RecordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, key)
}

// prune drops expired entries; caller holds mu
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	for key, info := range l.attempts {
		if info.firstAt.Before(cutoff) {
			delete(l.attempts, key)
		}
	}
}

func roundUp(d time.Duration) time.Duration {
	return ((d + time.Second - 1) / time.Second) * time.Second
}
