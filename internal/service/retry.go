package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"bitespeed-identity/internal/models"
)

// RetryPolicy bounds how often a conflicting unit of work is rerun.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// RetryOnConflict runs op and reruns it while it fails with a conflict, at
// most p.MaxRetries more times with exponential backoff. Any other error stops
// immediately. notify, if set, sees every conflict that will be retried.
func RetryOnConflict[T any](ctx context.Context, p RetryPolicy, op func() (T, error), notify func(err error, wait time.Duration)) (T, error) {
	exp := backoff.NewExponentialBackOff()
	if p.Backoff > 0 {
		exp.InitialInterval = p.Backoff
	}
	exp.MaxElapsedTime = 0

	wrapped := func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, models.ErrConflict) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(max(p.MaxRetries, 0))), ctx)
	return backoff.RetryNotifyWithData(wrapped, b, notify)
}
