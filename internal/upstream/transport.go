package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// pacingRoundTripper spaces outgoing requests with a token bucket so the
// gateway as a whole never exceeds the provider's per-second ceiling.
type pacingRoundTripper struct {
	delegate    http.RoundTripper
	limiter     *rate.Limiter
	waitTimeout time.Duration
}

func newPacingRoundTripper(delegate http.RoundTripper, rps float64, burst int, waitTimeout time.Duration) *pacingRoundTripper {
	if burst < 1 {
		burst = 1
	}
	return &pacingRoundTripper{
		delegate:    delegate,
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		waitTimeout: waitTimeout,
	}
}

func (rt *pacingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(r.Context(), rt.waitTimeout)
	defer cancel()

	if err := rt.limiter.Wait(ctx); err != nil {
		if r.Body != nil {
			_ = r.Body.Close() // per RoundTripper contract
		}
		if r.Context().Err() != nil {
			return nil, r.Context().Err()
		}
		// the attempt cannot start within its budget
		return nil, fmt.Errorf("outbound pacing: %v: %w", err, context.DeadlineExceeded)
	}
	return rt.delegate.RoundTrip(r)
}
