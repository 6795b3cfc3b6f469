// Package retry runs operations against remote services with exponential
// backoff. Errors wrapped with Permanent stop the loop immediately.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ecsmeta/ecsmeta/internal/config"
)

// Policy bounds how often and how slowly an operation is retried.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// FromConfig builds a Policy from the retry config section.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: time.Duration(cfg.InitialIntervalMs) * time.Millisecond,
		MaxInterval:     time.Duration(cfg.MaxIntervalMs) * time.Millisecond,
	}
}

// Once is a Policy that never retries.
var Once = Policy{MaxAttempts: 1}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	// attempts, not wall time, bound the loop
	eb.MaxElapsedTime = 0

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Do runs op until it succeeds, returns a permanent error, the policy's
// attempts run out, or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, op func() error) error {
	return DoNotify(ctx, p, op, nil)
}

// DoNotify is Do with a callback invoked before every retry wait.
func DoNotify(ctx context.Context, p Policy, op func() error, notify func(err error, attempt int, wait time.Duration)) error {
	attempt := 0
	wrapped := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		return op()
	}

	var n backoff.Notify
	if notify != nil {
		n = func(err error, wait time.Duration) {
			notify(err, attempt, wait)
		}
	}
	return backoff.RetryNotify(wrapped, p.backOff(ctx), n)
}
