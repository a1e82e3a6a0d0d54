package providers

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy parametrisiert Retry. Ohne Retryable wird IsRetryable verwendet.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool

	// OnRetry wird vor jeder Wartezeit aufgerufen (attempt beginnt bei 1).
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryPolicy: 3 Versuche, exponentiell ab 2s, maximal 10s Pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    10 * time.Second,
		Retryable:   IsRetryable,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Retry führt op aus und wiederholt sie bei wiederholbaren Fehlern mit
// exponentiellem Backoff. Nicht wiederholbare Fehler werden sofort zurückgegeben.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
	}
	return backoff.RetryNotifyWithData(operation, p.backOff(ctx), notify)
}
