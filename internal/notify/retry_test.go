package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"twistbridge/internal/config"
	"twistbridge/internal/permanent"
)

func TestRetryPolicyBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 5, Initial: time.Second, Max: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, expected := range want {
		if got := policy.Backoff(i + 1); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, expected, got)
		}
	}
}

func TestRetryPolicyJitterStaysInUpperHalf(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{Initial: 4 * time.Second, Max: time.Minute, Jitter: true, random: func() float64 { return 0 }}
	if got := policy.Backoff(1); got != 2*time.Second {
		t.Fatalf("expected 2s with zero jitter, got %s", got)
	}
	policy.random = func() float64 { return 0.999999 }
	if got := policy.Backoff(1); got < 3900*time.Millisecond || got > 4*time.Second {
		t.Fatalf("expected near 4s, got %s", got)
	}
}

func TestRetryPolicyRetryAfterIsLowerBound(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{Initial: time.Second, Max: 30 * time.Second}
	rateLimited := &SinkError{Kind: SinkRateLimited, RetryAfter: 10 * time.Second}
	if got := policy.DelayFor(1, rateLimited); got != 10*time.Second {
		t.Fatalf("expected retry-after to win, got %s", got)
	}
	rateLimited.RetryAfter = time.Hour
	if got := policy.DelayFor(1, rateLimited); got != 30*time.Second {
		t.Fatalf("expected cap at max, got %s", got)
	}
	if got := policy.DelayFor(3, &SinkError{Kind: SinkRateLimited, RetryAfter: time.Second}); got != 4*time.Second {
		t.Fatalf("expected backoff to win over short retry-after, got %s", got)
	}
}

func TestRetryPolicyDoStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 5, Initial: time.Millisecond, Max: 2 * time.Millisecond}
	calls := 0
	attempts, err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return permanent.Mark(errors.New("bad payload"))
	}, nil)
	if err == nil || attempts != 1 || calls != 1 {
		t.Fatalf("expected one permanent attempt, got attempts=%d calls=%d err=%v", attempts, calls, err)
	}
}

func TestRetryPolicyDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 5, Initial: time.Millisecond, Max: 2 * time.Millisecond}
	calls := 0
	var delays []time.Duration
	attempts, err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &SinkError{Kind: SinkServerError, Status: 502}
		}
		return nil
	}, func(_ int, _ error, delay time.Duration) {
		delays = append(delays, delay)
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 || len(delays) != 2 {
		t.Fatalf("expected 3 attempts and 2 waits, got %d/%d", attempts, len(delays))
	}
}

func TestRetryPolicyDoExhaustsBudget(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: time.Millisecond}
	attempts, err := policy.Do(context.Background(), func(context.Context) error {
		return &SinkError{Kind: SinkNetworkError}
	}, nil)
	if err == nil || attempts != 3 {
		t.Fatalf("expected 3 attempts and error, got %d/%v", attempts, err)
	}
}

func TestRetryPolicyDoHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 10, Initial: time.Hour, Max: time.Hour}
	attempts, err := policy.Do(ctx, func(context.Context) error {
		cancel()
		return &SinkError{Kind: SinkServerError}
	}, nil)
	if err == nil || attempts != 1 {
		t.Fatalf("expected single attempt on cancel, got %d/%v", attempts, err)
	}
}

func TestNewRetryPolicyFromConfig(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(config.DeliveryConfig{MaxAttempts: 5, InitialMS: 1000, MaxMS: 60000, DisableJitter: true})
	if policy.MaxAttempts != 5 || policy.Initial != time.Second || policy.Max != time.Minute || policy.Jitter {
		t.Fatalf("unexpected policy: %+v", policy)
	}
	if !policy.WithAttempts(2).Exhausted(2) {
		t.Fatalf("expected budget of two to be exhausted after two attempts")
	}
}
