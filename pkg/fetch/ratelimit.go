package fetch

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RateLimiter spaces consecutive requests to the same host
type RateLimiter struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	fallback time.Duration
	log      *logrus.Entry
}

// NewRateLimiter creates a RateLimiter; fallback is used when a caller passes no delay
func NewRateLimiter(fallback time.Duration, log *logrus.Entry) *RateLimiter {
	return &RateLimiter{lastSeen: make(map[string]time.Time), fallback: fallback, log: log}
}

// Wait blocks until at least delay (give or take 10%) has passed since the
// last Stamp of host. Hosts never stamped pass straight through.
func (rl *RateLimiter) Wait(ctx context.Context, host string, delay time.Duration) error {
	if delay <= 0 {
		delay = rl.fallback
	}
	sleep := rl.remaining(host, delay)
	if sleep <= 0 {
		return ctx.Err()
	}

	rl.log.WithFields(logrus.Fields{"host": host, "sleep": sleep, "delay": delay}).Trace("Pacing request")

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rl *RateLimiter) remaining(host string, delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	rl.mu.Lock()
	last, ok := rl.lastSeen[host]
	rl.mu.Unlock()
	if !ok {
		return 0
	}
	left := delay - time.Since(last)
	if left <= 0 {
		return 0
	}
	return jitter(left)
}

// jitter spreads d over [0.9d, 1.1d)
func jitter(d time.Duration) time.Duration {
	spread := int64(d) / 5
	if spread <= 0 {
		return d
	}
	return d - d/10 + time.Duration(rand.Int64N(spread))
}

// Stamp records that a request to host just finished
func (rl *RateLimiter) Stamp(host string) {
	rl.mu.Lock()
	rl.lastSeen[host] = time.Now()
	rl.mu.Unlock()
}

// Prune forgets hosts stamped at least maxAge ago and returns how many.
// maxAge should exceed every per-host delay.
func (rl *RateLimiter) Prune(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for host, last := range rl.lastSeen {
		if time.Since(last) >= maxAge {
			delete(rl.lastSeen, host)
			n++
		}
	}
	return n
}
