package common

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds in-process retries of transient infrastructure calls.
type RetryPolicy struct {
	Initial  time.Duration
	Max      time.Duration
	MaxTries uint64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Initial: 200 * time.Millisecond, Max: 5 * time.Second, MaxTries: 4}
}

// Retry calls op until it succeeds, the tries run out or ctx ends. Not-found,
// invalid-input and permanent errors are returned right away.
func Retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		bo.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		bo.MaxInterval = p.Max
	}
	bo.MaxElapsedTime = 0

	var b backoff.BackOff = bo
	if p.MaxTries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxTries-1)
	}
	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput):
		return false
	case IsPermanent(err):
		return false
	}
	return true
}
