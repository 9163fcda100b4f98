package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/erazemk/pgtag/internal/nfc"
)

// MaxAttempts bounds how often an operation failing with nfc.ErrTransient is
// attempted within one session.
const MaxAttempts = 3

// RetryTransient runs op until it succeeds, fails with anything other than
// nfc.ErrTransient, or MaxAttempts is reached. If ctx ends first its cause is
// returned.
func RetryTransient(ctx context.Context, op func() error, notify func(err error, next time.Duration)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, MaxAttempts-1), ctx)

	err := backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !errors.Is(err, nfc.ErrTransient) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, notify)
	if err != nil && ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}
