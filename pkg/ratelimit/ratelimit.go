// Package ratelimit implements the per-user token bucket of spec §4.4.
// The map-of-clients-plus-cleanup-goroutine shape is lifted from the
// teacher's pkg/middleware/rate_limiter.go; the lazy-refill arithmetic
// itself is delegated to golang.org/x/time/rate, which the teacher already
// depends on for the same purpose.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/miladsoft/zapai-dvm/pkg/logger"
)

// Result is the outcome of a Check call.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Reason     string
}

// Config holds the token bucket parameters.
type Config struct {
	MaxTokens    int
	RefillPerSec float64
	// Window is the idle duration after which a bucket is swept.
	Window time.Duration
}

// DefaultConfig returns the spec §4.4 defaults.
func DefaultConfig() Config {
	return Config{MaxTokens: 50, RefillPerSec: 5, Window: 60 * time.Second}
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter is a per-key token bucket rate limiter.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
	log     *logger.Logger
	stopCh  chan struct{}

	// totalDenied counts RateLimited outcomes, exposed via StatsProvider.
	totalDenied uint64
	totalAllow  uint64
}

// New creates a Limiter and starts its idle-bucket sweeper.
func New(cfg Config, log *logger.Logger) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		log:     log,
		stopCh:  make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Stop halts the idle-bucket sweeper.
func (l *Limiter) Stop() { close(l.stopCh) }

// Check consumes one token for key if available, otherwise reports how
// long the caller must wait.
func (l *Limiter) Check(key string) Result {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RefillPerSec), l.cfg.MaxTokens)}
		l.buckets[key] = b
	}
	b.lastAccess = time.Now()
	limiter := b.limiter
	l.mu.Unlock()

	now := time.Now()
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		// The request cannot be satisfied at all: with a zero refill rate
		// the bucket never refills, so once MaxTokens are spent ReserveN
		// reports !OK. Deny without a retry hint.
		l.recordDenied()
		return Result{Allowed: false, Reason: "rate_limited"}
	}

	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		l.recordAllowed()
		return Result{Allowed: true, Remaining: int(math.Round(limiter.Tokens()))}
	}

	// Token not available yet: cancel the reservation so it doesn't
	// consume future capacity, and report the wait.
	reservation.CancelAt(now)
	l.recordDenied()
	return Result{
		Allowed:    false,
		RetryAfter: delay,
		Reason:     "rate_limited",
	}
}

func (l *Limiter) recordAllowed() {
	l.mu.Lock()
	l.totalAllow++
	l.mu.Unlock()
}

func (l *Limiter) recordDenied() {
	l.mu.Lock()
	l.totalDenied++
	l.mu.Unlock()
}

// sweepLoop evicts buckets idle longer than cfg.Window, mirroring the
// teacher's RateLimiter.cleanup() goroutine.
func (l *Limiter) sweepLoop() {
	interval := l.cfg.Window
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for k, b := range l.buckets {
		if now.Sub(b.lastAccess) > l.cfg.Window {
			delete(l.buckets, k)
		}
	}
}

// Metrics returns counters for the StatsProvider surface.
func (l *Limiter) Metrics() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]any{
		"active_buckets": len(l.buckets),
		"total_allowed":  l.totalAllow,
		"total_denied":   l.totalDenied,
	}
}
