package engine

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy is the shared retry behavior for engine calls. Not-found
// errors are never retried: they are the restoration trigger, not a
// transient condition.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		Jitter:      100 * time.Millisecond,
	}
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted. Delay doubles per attempt plus jitter.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil || IsNotFound(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := delay
		if p.Jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(p.Jitter)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return err
}
