// Package retry provides the bounded exponential-backoff policy applied at
// the two external call sites: the remote credential backend and the
// credential issuer. Non-transient rejections are never retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes a bounded retry: how many attempts, the backoff curve, and
// which errors are worth retrying at all.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Retryable reports whether an error is transient. A nil predicate
	// retries every error.
	Retryable func(error) bool
}

// DefaultPolicy matches the upstream call budget: three attempts with an
// exponential wait between one and ten seconds, transient errors only.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     10 * time.Second,
		Retryable:       IsTransient,
	}
}

// Do runs op under the policy, returning the first success or the last error
// once the attempt budget is exhausted or a non-retryable error occurs.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	wrapped := func() (T, error) {
		v, err := op()
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxAttempts),
	)
}

// StatusError is an HTTP response outside the success range. It carries
// enough for the transience predicate to distinguish server-side failures
// from rejections.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// IsTransient reports whether the error is a transient network or HTTP
// failure: connection-level errors and 5xx/429 responses are retryable,
// everything else (including upstream rejections) is not.
func IsTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == 429
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// transport-level failures (DNS, connection refused, TLS) surface as
	// *url.Error from net/http
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
