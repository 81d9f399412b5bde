package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"google.golang.org/genai"

	"trialtrends/internal/logger"
)

// Policy controls how transient failures of the query and generation calls
// are retried.
type Policy struct {
	MaxAttempts     int           // Total attempts including the first (default: 3)
	InitialInterval time.Duration // First backoff (default: 1s)
	MaxInterval     time.Duration // Backoff ceiling (default: 10s)
	Multiplier      float64       // Backoff growth (default: 2.0)
	Jitter          float64       // Randomization factor in [0, 1) (default: 0.5)
}

// DefaultPolicy returns the default retry policy
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.5,
	}
}

// NoRetry runs the operation exactly once.
func NoRetry() Policy {
	p := DefaultPolicy()
	p.MaxAttempts = 1
	return p
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

var (
	// Word-bounded so that addresses and ports such as 10.0.0.5:40312 never match.
	clientErrorPattern = regexp.MustCompile(`(?i)\b(?:status|code|error)[ :=]*40[0134]\b|\b40[0134] (?:bad request|unauthorized|forbidden|not found)\b`)
	rateLimitPattern   = regexp.MustCompile(`(?i)\b429\b|rate limit|too many requests`)
)

// IsRetryable reports whether err looks transient. Context cancellation,
// errors wrapped with Permanent, 4xx client errors other than timeouts and
// rate limits, and non-transient Postgres errors are not retried; everything
// else is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if code, ok := statusCode(err); ok {
		return retryableStatus(code)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return retryableSQLState(pqErr.Code)
	}

	errStr := err.Error()
	if rateLimitPattern.MatchString(errStr) {
		return true
	}
	if clientErrorPattern.MatchString(errStr) {
		return false
	}
	lower := strings.ToLower(errStr)
	for _, marker := range []string{"invalid api key", "permission denied"} {
		if strings.Contains(lower, marker) {
			return false
		}
	}

	return true
}

// statusCode extracts the HTTP status of a provider API error
func statusCode(err error) (int, bool) {
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode, true
	}
	var geminiErr genai.APIError
	if errors.As(err, &geminiErr) {
		return geminiErr.Code, true
	}
	var geminiErrPtr *genai.APIError
	if errors.As(err, &geminiErrPtr) && geminiErrPtr != nil {
		return geminiErrPtr.Code, true
	}
	return 0, false
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 400 && code < 500:
		return false
	default:
		return true
	}
}

// retryableSQLState retries connection failures, transaction rollbacks,
// resource exhaustion and server shutdowns.
func retryableSQLState(code pq.ErrorCode) bool {
	if len(code) < 2 {
		return true
	}
	switch code.Class() {
	case "08", "40", "53", "57", "58":
		return true
	default:
		return false
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0 // bounded by attempts instead

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. operation names the call in logs and errors.
func (p Policy) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	p = p.normalized()

	attempts := 0
	var lastErr error

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn("Retrying after transient failure",
			"operation", operation,
			"attempt", attempts,
			"max_attempts", p.MaxAttempts,
			"backoff", wait.String(),
			"error", err.Error())
	}

	err := backoff.RetryNotify(op, p.backOff(ctx), notify)
	if err == nil {
		if attempts > 1 {
			logger.Info("Operation succeeded after retry", "operation", operation, "attempts", attempts)
		}
		return nil
	}

	// Unwrap our own marker so callers see the original error.
	var perm *permanentError
	if errors.As(err, &perm) && err == error(perm) {
		err = perm.err
	}

	if ctx.Err() != nil && lastErr == nil {
		return fmt.Errorf("%s canceled: %w", operation, ctx.Err())
	}
	if attempts >= p.MaxAttempts && IsRetryable(err) {
		return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, err)
	}
	return fmt.Errorf("%s failed: %w", operation, err)
}
