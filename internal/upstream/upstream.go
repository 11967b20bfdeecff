// Package upstream sends JSON-RPC payloads to the metered provider and
// classifies every failure.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"rpcgate/internal/credential"
	"rpcgate/internal/jsonrpc"
)

// KeyPlaceholder is replaced by the credential key in the endpoint template.
const KeyPlaceholder = "{key}"

const maxErrorBody = 512

// Config for creating a Dispatcher
type Config struct {
	EndpointTemplate string
	// MaxRPS paces all outgoing calls; 0 disables pacing.
	MaxRPS float64
	// MaxConcurrent bounds simultaneous HTTP calls.
	MaxConcurrent int64
	MaxIdleConns  int
	// MaxTimeout bounds any single attempt, including pacing waits.
	MaxTimeout time.Duration
	Logger     zerolog.Logger
}

// Dispatcher performs upstream HTTP calls.
type Dispatcher struct {
	template   string
	httpClient *http.Client
	slots      *semaphore.Weighted
	logger     zerolog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if !strings.Contains(cfg.EndpointTemplate, KeyPlaceholder) {
		return nil, fmt.Errorf("endpoint template %q has no %s placeholder", cfg.EndpointTemplate, KeyPlaceholder)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}

	var transport http.RoundTripper = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.MaxRPS > 0 {
		transport = newPacingRoundTripper(transport, cfg.MaxRPS, int(cfg.MaxRPS), cfg.MaxTimeout)
	}

	return &Dispatcher{
		template:   cfg.EndpointTemplate,
		httpClient: &http.Client{Transport: transport},
		slots:      semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:     cfg.Logger.With().Str("component", "upstream").Logger(),
	}, nil
}

// Endpoint builds the URL for a credential.
func (d *Dispatcher) Endpoint(cred *credential.Credential) string {
	return strings.ReplaceAll(d.template, KeyPlaceholder, cred.Key())
}

// Dispatch sends payload with cred under the given attempt timeout. A
// payload of one request goes out as a single object. On success the
// provider's responses are returned as decoded; matching them to requests
// is the caller's job. Every error is an *Error.
func (d *Dispatcher) Dispatch(ctx context.Context, cred *credential.Credential, payload []*jsonrpc.Request, timeout time.Duration) ([]*jsonrpc.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := d.slots.Acquire(ctx, 1); err != nil {
		return nil, classify(cred.ID, err)
	}
	defer d.slots.Release(1)

	body, err := jsonrpc.MarshalPayload(payload)
	if err != nil {
		return nil, &Error{Class: ClassClientError, Credential: cred.ID, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint(cred), bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Class: ClassClientError, Credential: cred.ID, Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		uerr := classify(cred.ID, err)
		d.logger.Debug().Err(err).Str("credential", cred.ID).Str("class", uerr.Class.String()).
			Int("requests", len(payload)).Msg("upstream call failed")
		return nil, uerr
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(cred.ID, fmt.Errorf("failed to read response: %w", err))
	}

	if uerr := classifyStatus(cred.ID, resp, respBody); uerr != nil {
		d.logger.Debug().Str("credential", cred.ID).Int("status", resp.StatusCode).
			Str("class", uerr.Class.String()).Int("requests", len(payload)).Msg("upstream rejected call")
		return nil, uerr
	}

	responses, err := jsonrpc.ParseResponses(respBody)
	if err != nil {
		return nil, &Error{Class: ClassServerError, Credential: cred.ID,
			Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if rpcErr := payloadError(responses); rpcErr != nil {
		if isThrottle(rpcErr) {
			return nil, &Error{Class: ClassRateLimited, Credential: cred.ID,
				Err: fmt.Errorf("provider rejected payload: %s", rpcErr.Message)}
		}
		responses = spread(rpcErr, payload)
	}
	if throttled(responses, len(payload)) {
		return nil, &Error{Class: ClassRateLimited, Credential: cred.ID, Err: errors.New("provider reported rate limit")}
	}

	d.logger.Debug().
		Str("credential", cred.ID).
		Int("requests", len(payload)).
		Int("responses", len(responses)).
		Dur("took", time.Since(start)).
		Msg("upstream call succeeded")
	return responses, nil
}

// Close releases idle connections.
func (d *Dispatcher) Close() {
	d.httpClient.CloseIdleConnections()
}

// classify maps a transport error to a failure class.
func classify(credID string, err error) *Error {
	e := &Error{Credential: credID, Err: err}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.Class = ClassTimeout
	case errors.Is(err, context.Canceled):
		e.Class = ClassCanceled
	case errors.As(err, &netErr) && netErr.Timeout():
		e.Class = ClassTimeout
	default:
		e.Class = ClassNetworkError
	}
	return e
}

// classifyStatus returns nil for a 2xx reply.
func classifyStatus(credID string, resp *http.Response, body []byte) *Error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	e := &Error{Credential: credID, StatusCode: code}
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		e.Class = ClassRateLimited
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case code >= 400 && code < 500:
		e.Class = ClassClientError
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		e.Body = string(body)
	default:
		e.Class = ClassServerError
	}
	return e
}

// throttled reports whether every reply to the payload is a throttling
// error, which some providers send with HTTP 200.
func throttled(responses []*jsonrpc.Response, want int) bool {
	if len(responses) == 0 || len(responses) != want {
		return false
	}
	for _, r := range responses {
		if r.Error == nil {
			return false
		}
		if !isThrottle(r.Error) {
			return false
		}
	}
	return true
}

func isThrottle(e *jsonrpc.Error) bool {
	return e.Code == jsonrpc.CodeLimitExceeded || e.Code == http.StatusTooManyRequests
}

// payloadError returns the error of a reply that answers the whole payload
// with a single null-id error object instead of one reply per request.
func payloadError(responses []*jsonrpc.Response) *jsonrpc.Error {
	if len(responses) != 1 {
		return nil
	}
	r := responses[0]
	if r.Error == nil || !r.ID.IsNull() {
		return nil
	}
	return r.Error
}

// spread gives every request of the payload its own copy of rpcErr.
func spread(rpcErr *jsonrpc.Error, payload []*jsonrpc.Request) []*jsonrpc.Response {
	out := make([]*jsonrpc.Response, 0, len(payload))
	for _, req := range payload {
		out = append(out, jsonrpc.NewErrorResponse(req.ID, rpcErr))
	}
	return out
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
