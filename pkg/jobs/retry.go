package jobs

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultRetryBaseDelay   = time.Second
	DefaultRetryMaxDelay    = 300 * time.Second
	DefaultRetryMaxAttempts = DefaultMaxAttempts
)

// RetryConfig controls backoff growth and the retry budget.
type RetryConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (c *RetryConfig) normalize() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultRetryBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultRetryMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultRetryMaxAttempts
	}
}

// RetryInfo aggregates every retry decision for one attempt.
type RetryInfo struct {
	Attempt                int
	MaxAttempts            int
	CanRetry               bool
	Delay                  time.Duration
	ShouldMoveToDeadLetter bool
}

// RetryStrategy computes exponential backoff with full jitter and the retry/DLQ verdict
// from an attempt counter. It holds no state beyond its configuration.
type RetryStrategy struct {
	config RetryConfig
	jitter func(n int64) int64
}

// RetryOption customizes a RetryStrategy.
type RetryOption func(*RetryStrategy)

// WithJitterSource replaces the uniform source used for jitter. fn must return a value in [0, n).
func WithJitterSource(fn func(n int64) int64) RetryOption {
	return func(s *RetryStrategy) {
		if fn != nil {
			s.jitter = fn
		}
	}
}

// NewRetryStrategy creates a strategy; zero config fields take the defaults (1s / 300s / 5).
func NewRetryStrategy(cfg RetryConfig, opts ...RetryOption) *RetryStrategy {
	cfg.normalize()
	s := &RetryStrategy{config: cfg, jitter: rand.Int64N}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the normalized configuration.
func (s *RetryStrategy) Config() RetryConfig {
	return s.config
}

// WithMaxAttempts returns a copy of the strategy bound to a job-specific retry budget.
// Non-positive values keep the configured budget.
func (s *RetryStrategy) WithMaxAttempts(maxAttempts int) *RetryStrategy {
	if maxAttempts <= 0 || maxAttempts == s.config.MaxAttempts {
		return s
	}
	cp := *s
	cp.config.MaxAttempts = maxAttempts
	return &cp
}

// ComputeBackoff returns min(max, base*2^(attempt-1)) plus uniform jitter in [0, delay],
// clamped again to max. Attempts <= 0 are treated as 1.
func (s *RetryStrategy) ComputeBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	delay := s.config.BaseDelay
	for idx := 1; idx < attempt; idx++ {
		if delay >= s.config.MaxDelay/2 {
			delay = s.config.MaxDelay
			break
		}
		delay *= 2
	}
	if delay > s.config.MaxDelay {
		delay = s.config.MaxDelay
	}

	// n must stay positive for Int64N; the sum must not wrap past MaxDelay.
	j := time.Duration(s.jitter(min(int64(delay), math.MaxInt64-1) + 1))
	if j > s.config.MaxDelay-delay {
		return s.config.MaxDelay
	}
	return delay + j
}

// CanRetry reports whether another attempt is allowed after attempt failed.
func (s *RetryStrategy) CanRetry(attempt int) bool {
	return attempt < s.config.MaxAttempts
}

// ShouldMoveToDeadLetter is the exact negation of CanRetry.
func (s *RetryStrategy) ShouldMoveToDeadLetter(attempt int) bool {
	return !s.CanRetry(attempt)
}

// RetryInfo returns the full verdict for attempt. It has no side effects.
func (s *RetryStrategy) RetryInfo(attempt int) RetryInfo {
	canRetry := s.CanRetry(attempt)
	return RetryInfo{
		Attempt:                attempt,
		MaxAttempts:            s.config.MaxAttempts,
		CanRetry:               canRetry,
		Delay:                  s.ComputeBackoff(attempt),
		ShouldMoveToDeadLetter: !canRetry,
	}
}
