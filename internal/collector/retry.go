package collector

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/dap"
)

// RetryPolicy bounds how often a failed collection is attempted again.
// Only timeouts, HTTP 429 and HTTP 5xx responses are retried.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy makes a single attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     1,
		InitialInterval: 30 * time.Second,
		MaxInterval:     5 * time.Minute,
	}
}

// Retryable reports whether a later attempt could change the outcome.
func Retryable(o dap.Outcome) bool {
	switch o := o.(type) {
	case *dap.Timeout:
		return true
	case *dap.HTTPError:
		return o.Retryable()
	}
	return false
}

// Do calls op until it succeeds, fails permanently, the attempts run out or
// ctx is done, and returns the last outcome. notify is called before every
// retry with the failed attempt number and the wait that follows.
func (p RetryPolicy) Do(ctx context.Context, op func(attempt int) dap.Outcome, notify func(attempt int, o dap.Outcome, wait time.Duration)) dap.Outcome {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)

	var (
		last    dap.Outcome
		attempt int
	)
	_ = backoff.RetryNotify(func() error {
		attempt++
		last = op(attempt)
		err := dap.Err(last)
		if err != nil && !Retryable(last) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(_ error, wait time.Duration) {
		if notify != nil {
			notify(attempt, last, wait)
		}
	})
	return last
}
