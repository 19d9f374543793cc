package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/errorsx"
)

// RateLimitError represents a provider rate limit response.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

// IsRateLimit reports provider throttling, either as a RateLimitError or
// as an HTTP 429 from the transcription endpoint.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	return errorsx.HasReason(err, errorsx.ReasonTranscribeRateLimit)
}

// CircuitBreaker blocks requests after repeated rate limit failures.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.openUntil)
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

// OnError records a failure and reports whether it opened the breaker.
func (c *CircuitBreaker) OnError(err error) bool {
	if !IsRateLimit(err) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.threshold {
		c.failures = 0
		c.openUntil = c.now().Add(c.cooldown)
		return true
	}
	return false
}
