// Package retry holds the single retry policy used at transport boundaries.
// Only errors marked transient are retried; everything else is returned after
// the first attempt.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fjod/rfid-cart/internal/domain"
)

type Policy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Notify is called before every wait, with the error of the failed attempt.
	Notify func(err error, wait time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxTries:        3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Do runs op until it succeeds, fails with a non-transient error, exhausts
// p.MaxTries or ctx is done.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	if p.MaxTries == 0 {
		p.MaxTries = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxTries),
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(p.Notify))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !errors.Is(err, domain.ErrTransientTransport) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}

// Transient marks err as domain.ErrTransientTransport so that Do retries it.
func Transient(err error) error {
	if err == nil || errors.Is(err, domain.ErrTransientTransport) {
		return err
	}
	return errors.Join(domain.ErrTransientTransport, err)
}
