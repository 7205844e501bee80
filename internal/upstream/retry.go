package upstream

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy decides whether and when a failed attempt is repeated.
type RetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryPolicy builds a jittered exponential policy allowing maxRetries
// attempts after the first.
func NewRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) RetryPolicy {
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return RetryPolicy{maxRetries: maxRetries, baseDelay: baseDelay, maxDelay: maxDelay}
}

// ShouldRetry reports whether attempt (zero based) may be followed by another.
// Per-attempt timeouts surface as context.DeadlineExceeded and are retried;
// the caller's own context is checked before the policy is consulted.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	return err != nil && attempt < p.maxRetries
}

// Backoff returns the wait before the attempt following attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + jitter(half)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
