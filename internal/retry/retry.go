// Package retry runs blob transfers under a bounded attempt budget with
// exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"io/fs"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/aws/smithy-go"
	"google.golang.org/api/googleapi"
)

const (
	DefaultMaxAttempts = 3
	DefaultDelay       = 2 * time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Policy bounds the attempts made for one operation.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Delay is the wait before the second attempt. Later waits double.
	Delay time.Duration

	// MaxDelay caps a single wait.
	MaxDelay time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultDelay, MaxDelay: DefaultMaxDelay}
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. It returns the number of attempts made and
// the last error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := max(p.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return attempt - 1, lastErr
		}

		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == maxAttempts {
			return attempt, unwrapPermanent(err)
		}

		select {
		case <-ctx.Done():
			return attempt, lastErr
		case <-time.After(p.backoff(attempt - 1)):
		}
	}
	return maxAttempts, lastErr
}

// backoff returns the wait after the given zero-based retry number.
func (p Policy) backoff(retry int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	delay := float64(p.Delay) * math.Pow(2.0, float64(retry))

	// ±25% jitter
	delay += delay * 0.25 * (2*rand.Float64() - 1)

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func unwrapPermanent(err error) error {
	if p, ok := err.(*permanentError); ok {
		return p.err
	}
	return err
}

// IsRetryable reports whether err is worth another attempt. Local file
// errors, cancellation, and client-side API errors other than timeouts and
// throttling are final. Everything else is assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "ServiceUnavailable", "RequestTimeout", "RequestTimeoutException", "InternalError":
			return true
		case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return false
		}
		if httpErr, ok := apiErr.(interface{ HTTPStatusCode() int }); ok {
			return retryableStatus(httpErr.HTTPStatusCode())
		}
		return true
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return retryableStatus(gErr.Code)
	}

	return true
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500 && code < 600:
		return true
	case code >= 400 && code < 500:
		return false
	}
	return true
}
