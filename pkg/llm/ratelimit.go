package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedClient wraps a client with a token-bucket rate limit, keeping
// repair-loop bursts and concurrent pipeline runs inside provider quotas.
type RateLimitedClient struct {
	client  Client
	limiter *rate.Limiter
}

// NewRateLimitedClient wraps a client so that requests are admitted at most
// rps per second with the given burst. A zero or negative rps disables
// limiting.
func NewRateLimitedClient(client Client, rps float64, burst int) *RateLimitedClient {
	var limiter *rate.Limiter
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RateLimitedClient{client: client, limiter: limiter}
}

// Name returns the wrapped client's name.
func (r *RateLimitedClient) Name() string {
	return r.client.Name()
}

// Complete blocks until the limiter admits the request, then delegates.
// Waiting honors the context deadline.
func (r *RateLimitedClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return r.client.Complete(ctx, req)
}
