package xgate

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds how long infrastructure calls are retried.
// MaxRetries counts retries after the first attempt; -1 disables retries.
type RetryPolicy struct {
	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryPolicy retries 5 times between 50ms and 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		MinBackoff: 50 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
	}
}

func (p RetryPolicy) complete() RetryPolicy {
	switch {
	case p.MaxRetries < 0:
		p.MaxRetries = 0
	case p.MaxRetries == 0:
		p.MaxRetries = 5
	}
	if p.MinBackoff <= 0 {
		p.MinBackoff = 50 * time.Millisecond
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = p.MinBackoff
	}
	return p
}

// Backoff returns the jittered wait before retry number n (n >= 1).
func (p RetryPolicy) Backoff(n int) time.Duration {
	return retryBackoff(n, p.MinBackoff, p.MaxBackoff)
}

// Do runs fn until it succeeds, returns a non-retryable error, the retries
// are exhausted or ctx ends. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, retryable func(error) bool, fn func(context.Context) error) error {
	p = p.complete()
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, p.Backoff(attempt)); err != nil {
				return lastErr
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func retryBackoff(retry int, minBackoff, maxBackoff time.Duration) time.Duration {
	if retry < 0 || minBackoff <= 0 {
		return 0
	}

	d := minBackoff << uint(retry)
	if d < minBackoff {
		return maxBackoff
	}

	d = minBackoff + time.Duration(rand.Int63n(int64(d)))

	if d > maxBackoff || d < minBackoff {
		d = maxBackoff
	}

	return d
}

func sleepWithContext(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
