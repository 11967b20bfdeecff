package upstream

import (
	"fmt"
	"time"
)

// Class is the failure category of an upstream call.
type Class int

const (
	// ClassTimeout: the per-attempt deadline elapsed or the socket timed out.
	ClassTimeout Class = iota + 1
	// ClassRateLimited: HTTP 429 or 503, or a throttling error for the whole payload.
	ClassRateLimited
	// ClassClientError: any other 4xx. The request itself is wrong.
	ClassClientError
	// ClassServerError: any other 5xx, or a 200 whose body is not JSON-RPC.
	ClassServerError
	// ClassNetworkError: connection refused, reset, DNS and friends.
	ClassNetworkError
	// ClassCanceled: the gateway itself abandoned the call.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassRateLimited:
		return "rate_limited"
	case ClassClientError:
		return "client_error"
	case ClassServerError:
		return "server_error"
	case ClassNetworkError:
		return "network_error"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is the only error type returned by Dispatcher.Dispatch.
type Error struct {
	Class      Class
	StatusCode int
	// Body holds a prefix of the provider's reply for client errors.
	Body string
	// RetryAfter is the provider's Retry-After hint, if any.
	RetryAfter time.Duration
	Credential string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("upstream %s: HTTP %d", e.Class, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("upstream %s: %v", e.Class, e.Err)
	default:
		return "upstream " + e.Class.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}
