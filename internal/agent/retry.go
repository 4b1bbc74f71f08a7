package agent

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures retries of retryable model errors with exponential
// backoff.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns two retries starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// Delay returns the wait before retry attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := math.Min(float64(p.BaseDelay)*math.Pow(p.BackoffMultiplier, float64(attempt)), float64(p.MaxDelay))
	if p.Jitter {
		// +/- 50%
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// IsRetryable reports whether err is a model error worth retrying.
func IsRetryable(err error) bool {
	var merr *ModelError
	return errors.As(err, &merr) && merr.Retryable
}

// retry runs fn until it succeeds, fails with a non-retryable error or the
// policy is exhausted.
func retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	for attempt := 0; err != nil && attempt < p.MaxRetries; attempt++ {
		if !IsRetryable(err) {
			return err
		}
		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return context.Cause(ctx)
		case <-timer.C:
		}
		err = fn(ctx)
	}
	return err
}
