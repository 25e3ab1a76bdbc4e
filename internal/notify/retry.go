package notify

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"twistbridge/internal/config"
	"twistbridge/internal/permanent"
)

// RetryPolicy is capped exponential backoff with jitter.
// Params: attempt budget, initial and max delay, jitter toggle.
// Returns: delay schedule shared by thread creation and message delivery.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Jitter      bool
	random      func() float64
}

// NewRetryPolicy builds policy from delivery config.
// Params: delivery section.
// Returns: retry policy.
func NewRetryPolicy(cfg config.DeliveryConfig) RetryPolicy {
	initial, maxDelay := cfg.RetryBackoff()
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Initial:     initial,
		Max:         maxDelay,
		Jitter:      !cfg.DisableJitter,
	}
}

// WithAttempts returns a copy with another attempt budget.
// Params: attempt budget.
// Returns: policy copy.
func (p RetryPolicy) WithAttempts(attempts int) RetryPolicy {
	p.MaxAttempts = attempts
	return p
}

// Backoff returns the delay after the given failed attempt (1-based).
// Params: attempt number.
// Returns: min(max, initial*2^(attempt-1)), reduced by up to half when jitter is on.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.Max > 0 && delay >= p.Max {
			delay = p.Max
			break
		}
	}
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	if !p.Jitter || delay <= 0 {
		return delay
	}
	random := p.random
	if random == nil {
		random = rand.Float64
	}
	half := delay / 2
	return half + time.Duration(random()*float64(delay-half))
}

// DelayFor returns the wait before retrying after err.
// Params: failed attempt number and its error.
// Returns: backoff, raised to the sink's Retry-After when larger, capped at Max.
func (p RetryPolicy) DelayFor(attempt int, err error) time.Duration {
	delay := p.Backoff(attempt)
	if sinkErr, ok := AsSinkError(err); ok && sinkErr.RetryAfter > delay {
		delay = sinkErr.RetryAfter
		if p.Max > 0 && delay > p.Max {
			delay = p.Max
		}
	}
	return delay
}

// Exhausted reports whether attempt used the whole budget.
// Params: attempts made so far.
// Returns: true when no attempt is left.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Retryable reports whether a failure may be retried.
// Params: attempt error.
// Returns: false for permanent errors and cancellation.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !permanent.Is(err)
}

// Do runs op until it succeeds, fails permanently, or exhausts the budget.
// Params: context, operation, and optional hook called before each wait.
// Returns: attempts made and last error.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error, onRetry func(attempt int, err error, delay time.Duration)) (int, error) {
	attempt := 0
	for {
		attempt++
		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		if !Retryable(err) || p.Exhausted(attempt) {
			return attempt, err
		}
		delay := p.DelayFor(attempt, err)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if sleepErr := Sleep(ctx, delay); sleepErr != nil {
			return attempt, err
		}
	}
}

// Sleep waits for delay or context cancellation.
// Params: context and delay.
// Returns: context error when cancelled first.
func Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
