package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/tombee/flightplan/pkg/errors"
)

// ErrMaxRetriesExceeded indicates all retry attempts have been exhausted.
var ErrMaxRetriesExceeded = stderrors.New("maximum retry attempts exceeded")

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (typically 2.0 for exponential).
	Multiplier float64

	// Jitter adds randomness to prevent thundering herd (0.0-1.0).
	Jitter float64

	// RetryableErrors determines if an error should trigger a retry.
	// If nil, uses default logic (HTTP 5xx, 429 and timeout errors).
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns sensible default retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// RetryableClient wraps a client with retry logic.
type RetryableClient struct {
	client Client
	config RetryConfig
}

// NewRetryableClient wraps a client with retry logic.
func NewRetryableClient(client Client, config RetryConfig) *RetryableClient {
	if config.RetryableErrors == nil {
		config.RetryableErrors = isRetryableError
	}
	return &RetryableClient{client: client, config: config}
}

// Name returns the wrapped client's name.
func (r *RetryableClient) Name() string {
	return r.client.Name()
}

// Complete executes a completion request with retry logic.
func (r *RetryableClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateBackoff(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := r.client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if !r.config.RetryableErrors(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrMaxRetriesExceeded, r.config.MaxRetries+1, lastErr)
}

// calculateBackoff computes the delay for a given attempt with jitter.
func (r *RetryableClient) calculateBackoff(attempt int) time.Duration {
	backoff := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if backoff > float64(r.config.MaxDelay) {
		backoff = float64(r.config.MaxDelay)
	}
	if r.config.Jitter > 0 {
		jitterAmount := backoff * r.config.Jitter
		backoff += (rand.Float64() * 2 * jitterAmount) - jitterAmount
	}
	return time.Duration(backoff)
}

// isRetryableError determines if an error should trigger a retry.
// Retryable errors include HTTP 5xx, HTTP 429 and provider-side timeouts.
// Context cancellation is never retried: the caller's deadline has passed.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var providerErr *errors.ProviderError
	if stderrors.As(err, &providerErr) {
		return providerErr.StatusCode >= 500 || providerErr.StatusCode == http.StatusTooManyRequests
	}

	var timeoutErr *errors.TimeoutError
	if stderrors.As(err, &timeoutErr) {
		return true
	}

	type temporary interface {
		Temporary() bool
	}
	if temp, ok := err.(temporary); ok {
		return temp.Temporary()
	}

	return false
}
