// Package retry implements the bounded retry-with-backoff policy shared by
// the fetcher and the embedder. Expressing the policy once keeps the two
// call sites from drifting apart and lets tests compress delays.
package retry

import (
	"context"
	"time"
)

// Delayer is implemented by errors that carry an upstream-suggested delay,
// e.g. a rate-limit response with a Retry-After header. When a retried error
// implements Delayer, its hint overrides the computed backoff for that
// attempt.
type Delayer interface {
	Delay() time.Duration
}

// Policy describes a bounded exponential backoff.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	// MaxRetries = 2 means up to three attempts total.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// Multiplier scales the delay after each retry. Values below 1 are
	// treated as 2.
	Multiplier float64

	// MaxDelay caps the per-attempt delay. Zero means uncapped.
	MaxDelay time.Duration

	// Sleep waits for d or until ctx is done. Nil uses a timer; tests
	// inject a recording stub.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultNetwork is the fetch-side policy: at most two retries at 1s and 2s.
func DefaultNetwork() Policy {
	return Policy{
		MaxRetries:   2,
		InitialDelay: time.Second,
		Multiplier:   2,
	}
}

// Do runs op, retrying when retryable(err) reports true, until the retry
// budget is exhausted or ctx is done. The last error is returned unwrapped
// so callers can classify it with errors.Is/As.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, op func(context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepTimer
	}

	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}

	delay := p.InitialDelay
	var err error
	for attempt := 0; ; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !retryable(err) {
			return err
		}

		wait := delay
		if d, ok := err.(Delayer); ok && d.Delay() > 0 {
			wait = d.Delay()
		}
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}

		if serr := sleep(ctx, wait); serr != nil {
			return serr
		}
		delay = time.Duration(float64(delay) * mult)
	}
}

func sleepTimer(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
