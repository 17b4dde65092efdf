package usecase

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	retryInitialInterval = 300 * time.Millisecond
	maxTransientRetries  = 1
)

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// transientError reports whether err is worth one more attempt: a rate
// limit, a 5xx, or a network timeout. Anything else is permanent.
func transientError(err error) bool {
	if err == nil {
		return false
	}
	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) {
		code := statusErr.HTTPStatusCode()
		return code == 429 || (code >= 500 && code <= 504)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// retryTransient runs op, retrying exactly once with backoff when the
// failure is transient. A canceled context stops retrying immediately.
func retryTransient(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !transientError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, maxTransientRetries), ctx))
}
