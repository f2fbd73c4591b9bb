// Package retry centralizes the exponential-backoff-with-jitter retry loop
// used by the pipeline's external calls (spec §9: "ad-hoc retry
// wrappers scattered across call sites... centralize in one retry helper").
// The LLM client and the batch orchestrator call Do/DoHTTP; the YouTube
// Innertube player request in internal/extractor keeps its own fixed
// three-attempt loop with a 1s backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// Policy controls backoff shape. Fields mirror the config keys in spec §6.
type Policy struct {
	MaxAttempts int // total attempts, including the first (spec: "3 attempts")
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterRatio float64 // e.g. 0.2 = ±20%
}

// DefaultPolicy matches spec §4.6's per-network-call retry budget.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	JitterRatio: 0.2,
}

// Retryable is the predicate a caller supplies to classify an error.
// Centralizing the predicate (rather than the loop) is what lets every
// call site share one implementation while still deciding for itself what
// "retryable" means for its own transport.
type Retryable func(err error) bool

// Do runs fn up to p.MaxAttempts times, retrying only errors for which
// isRetryable returns true. It never retries after ctx is done, and it
// never swallows a cancellation: a context error is returned immediately.
func Do[T any](ctx context.Context, p Policy, isRetryable Retryable, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !isRetryable(err) {
			return zero, err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		wait := backoff(p, attempt)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}

// backoff computes the exponential delay for the given zero-based attempt
// index, capped at p.MaxDelay and perturbed by ±p.JitterRatio.
func backoff(p Policy, attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterRatio > 0 {
		jitter := d * p.JitterRatio
		d = d - jitter + rand.Float64()*2*jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// HTTPStatusError wraps a response status code that is eligible for retry
// classification by IsRetryableHTTP.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string { return http.StatusText(e.StatusCode) }

// IsRetryableHTTP implements spec §4.6's "retry on 429 and 5xx only; do not
// retry on 4xx other than 429", plus generic transient network failures.
func IsRetryableHTTP(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == 429 || statusErr.StatusCode >= 500
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// DoHTTP executes an HTTP request-issuing function with the standard retry
// policy, converting 429 and 5xx statuses into HTTPStatusError so
// IsRetryableHTTP can classify them before the caller sees the response.
// Every other status, including other 4xx codes, is returned as the response.
func DoHTTP(ctx context.Context, p Policy, fn func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	return Do(ctx, p, IsRetryableHTTP, func(ctx context.Context) (*http.Response, error) {
		resp, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == 429 || resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, &HTTPStatusError{StatusCode: resp.StatusCode}
		}
		return resp, nil
	})
}
