package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		Jitter:          0.1,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), "query", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), "query", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	transient := errors.New("503 service unavailable")
	calls := 0
	err := fastPolicy(3).Do(context.Background(), "generate", func(context.Context) error {
		calls++
		return transient
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "generate failed after 3 attempts")
}

func TestDoStopsOnPermanentError(t *testing.T) {
	cause := errors.New("bad schema")
	calls := 0
	err := fastPolicy(5).Do(context.Background(), "generate", func(context.Context) error {
		calls++
		return Permanent(cause)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnClientError(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), "generate", func(context.Context) error {
		calls++
		return fmt.Errorf("POST /v1/messages: 401 Unauthorized")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := fastPolicy(3).Do(ctx, "query", func(context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func anthropicError(status int) *anthropic.Error {
	req, _ := http.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
	return &anthropic.Error{
		StatusCode: status,
		Request:    req,
		Response:   &http.Response{StatusCode: status, Request: req},
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"rate limit", errors.New("429 Too Many Requests"), true},
		{"forbidden", errors.New("403 Forbidden"), false},
		{"permanent", Permanent(errors.New("x")), false},
		{"wrapped permanent", fmt.Errorf("outer: %w", Permanent(errors.New("x"))), false},
		{"unknown", errors.New("EOF"), true},
		{"timeout from high port", errors.New("read tcp 10.0.0.5:40312->34.1.2.3:5432: i/o timeout"), true},
		{"refused from high port", errors.New("dial tcp 172.16.0.9:54001: connect: connection refused"), true},
		{"status text", errors.New("request failed: status 404"), false},
		{"gemini text", errors.New("Error 400, Message: bad schema, Status: INVALID_ARGUMENT"), false},
		{"anthropic unauthorized", fmt.Errorf("API call failed: %w", anthropicError(401)), false},
		{"anthropic rate limited", anthropicError(429), true},
		{"anthropic overloaded", anthropicError(529), true},
		{"gemini not found", fmt.Errorf("generate: %w", genai.APIError{Code: 404}), false},
		{"gemini unavailable", genai.APIError{Code: 503}, true},
		{"gemini timeout", &genai.APIError{Code: 408}, true},
		{"postgres undefined table", &pq.Error{Code: "42P01"}, false},
		{"postgres bad password", &pq.Error{Code: "28P01"}, false},
		{"postgres connection failure", fmt.Errorf("query: %w", &pq.Error{Code: "08006"}), true},
		{"postgres serialization", &pq.Error{Code: "40001"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestDoRetriesNetworkErrorWithPortNumber(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), "query", func(context.Context) error {
		calls++
		return errors.New("read tcp 10.0.0.5:40312->34.1.2.3:5432: i/o timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "query failed after 3 attempts")
}

func TestNormalizedFillsDefaults(t *testing.T) {
	p := Policy{}.normalized()
	d := DefaultPolicy()
	assert.Equal(t, d.MaxAttempts, p.MaxAttempts)
	assert.Equal(t, d.InitialInterval, p.InitialInterval)
	assert.Equal(t, d.MaxInterval, p.MaxInterval)
	assert.Equal(t, d.Multiplier, p.Multiplier)
	assert.Zero(t, p.Jitter, "zero jitter is a valid setting")

	assert.Equal(t, 1, NoRetry().normalized().MaxAttempts)
}
