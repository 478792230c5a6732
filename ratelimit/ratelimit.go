package ratelimit

import (
	"sync"
	"time"

	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/logx"
)

// RateLimiterConfig holds configuration for rate limiting
type RateLimiterConfig struct {
	MaxRequests     int           // Maximum number of envelopes accepted per key
	WindowSize      time.Duration // Time window for rate limiting
	CleanupInterval time.Duration // How often to clean up expired entries; 0 disables the janitor
}

// DefaultConfig returns a default configuration
func DefaultConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		MaxRequests:     20,
		WindowSize:      time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// RateLimiter implements sliding window rate limiting keyed by source device
type RateLimiter struct {
	config   *RateLimiterConfig
	now      func() time.Time
	requests map[string][]time.Time // key -> accepted request timestamps
	mu       sync.Mutex

	stopOnce    sync.Once
	stopCleanup chan struct{}
}

type Option func(*RateLimiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(rl *RateLimiter) { rl.now = now }
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(config *RateLimiterConfig, opts ...Option) *RateLimiter {
	if config == nil {
		config = DefaultConfig()
	}

	rl := &RateLimiter{
		config:      config,
		now:         time.Now,
		requests:    make(map[string][]time.Time),
		stopCleanup: make(chan struct{}),
	}
	for _, o := range opts {
		o(rl)
	}

	if config.CleanupInterval > 0 {
		go rl.cleanupExpiredEntries()
	}

	return rl
}

// Allow records a request from key and reports whether it is within the limit.
// Rejected requests are not recorded.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.config.MaxRequests <= 0 {
		return true
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	valid := rl.prune(rl.requests[key], now)
	if len(valid) >= rl.config.MaxRequests {
		rl.requests[key] = valid
		return false
	}
	rl.requests[key] = append(valid, now)
	return true
}

// Check is Allow as an error: RATE_LIMITED when key is over its budget.
func (rl *RateLimiter) Check(key string) error {
	if rl.Allow(key) {
		return nil
	}
	logx.Warn("RATELIMIT", "Rate limit exceeded for ", key)
	return errors.NewError(errors.KindValidation, errors.CodeRateLimited, errors.ErrMsgRateLimited)
}

func (rl *RateLimiter) prune(requests []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rl.config.WindowSize)
	valid := requests[:0]
	for _, ts := range requests {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	return valid
}

// GetStats returns the number of requests in the current window and the oldest of them
func (rl *RateLimiter) GetStats(key string) (int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	valid := rl.prune(rl.requests[key], rl.now())
	rl.requests[key] = valid
	if len(valid) == 0 {
		delete(rl.requests, key)
		return 0, time.Time{}
	}
	return len(valid), valid[0]
}

// Reset removes all entries for a given key
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.requests, key)
}

// cleanupExpiredEntries periodically removes expired entries to prevent memory leaks
func (rl *RateLimiter) cleanupExpiredEntries() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, requests := range rl.requests {
		valid := rl.prune(requests, now)
		if len(valid) == 0 {
			delete(rl.requests, key)
		} else {
			rl.requests[key] = valid
		}
	}
}

// Keys is the number of sources currently tracked.
func (rl *RateLimiter) Keys() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.requests)
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}
