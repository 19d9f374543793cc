package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/scribe/pkg/errorsx"
)

func TestRetryPolicyZeroRetriesIsSingleAttempt(t *testing.T) {
	p := NewRetryPolicy(0, time.Millisecond)
	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		return errors.New("boom")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one failed attempt, got calls=%d err=%v", calls, err)
	}
}

func TestRetryPolicyStopsOnNonRetryable(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond)
	p.Retryable = func(err error) bool { return !errorsx.HasReason(err, errorsx.ReasonTranscribeParse) }
	calls := 0
	_ = p.Do(context.Background(), func(int) error {
		calls++
		return &errorsx.TranscriptionError{ParseFailure: true}
	})
	if calls != 1 {
		t.Fatalf("parse failures should not be retried, got %d calls", calls)
	}

	calls = 0
	err := p.Do(context.Background(), func(attempt int) error {
		calls++
		if attempt < 2 {
			return &errorsx.TranscriptionError{Status: 503}
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, got calls=%d err=%v", calls, err)
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	if cb.OnError(errors.New("other")) {
		t.Fatalf("non rate-limit errors must not count")
	}
	if cb.OnError(&errorsx.TranscriptionError{Status: 429}) {
		t.Fatalf("breaker opened too early")
	}
	if !cb.OnError(RateLimitError{Provider: "http"}) {
		t.Fatalf("expected breaker to open at threshold")
	}
	if cb.Allow() {
		t.Fatalf("expected breaker to deny while open")
	}
	now = now.Add(time.Minute)
	if !cb.Allow() {
		t.Fatalf("expected breaker to allow after cooldown")
	}
}
