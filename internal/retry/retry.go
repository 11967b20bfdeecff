// Package retry decides whether a failed upstream call is attempted again,
// after how long, with how much time, and on which credential.
package retry

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"rpcgate/internal/upstream"
)

// Config holds retry configuration
type Config struct {
	// MaxAttempts counts the first try.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// BaseTimeout is the first attempt's budget; it doubles per retry up to MaxTimeout.
	BaseTimeout time.Duration
	MaxTimeout  time.Duration
}

// State is what the controller knows about a call in progress.
type State struct {
	// Attempt is the zero-based index of the attempt that just failed.
	Attempt int
	// ServerErrors counts 5xx failures seen so far, including this one.
	ServerErrors int
}

// Decision is the controller's verdict on one failure.
type Decision struct {
	Retry bool
	// Rotate asks for the failed credential to be excluded before the next attempt.
	Rotate bool
	Delay  time.Duration
}

// Controller is a pure policy object; it holds no per-call state.
type Controller struct {
	cfg Config
}

// NewController creates a controller, filling zero fields with workable values.
func NewController(cfg Config) *Controller {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxTimeout < cfg.BaseTimeout {
		cfg.MaxTimeout = cfg.BaseTimeout
	}
	return &Controller{cfg: cfg}
}

// MaxAttempts returns the attempt ceiling.
func (c *Controller) MaxAttempts() int {
	return c.cfg.MaxAttempts
}

// Decide maps a failure to the next step. Errors that are not upstream
// errors are never retried.
func (c *Controller) Decide(s State, err error) Decision {
	var uerr *upstream.Error
	if !errors.As(err, &uerr) {
		return Decision{}
	}

	var d Decision
	switch uerr.Class {
	case upstream.ClassTimeout:
		d.Retry = true
	case upstream.ClassRateLimited, upstream.ClassNetworkError:
		d.Retry = true
		d.Rotate = true
	case upstream.ClassServerError:
		d.Retry = s.ServerErrors <= 1
	default:
		// client errors and cancellations
		return Decision{}
	}

	if s.Attempt+1 >= c.cfg.MaxAttempts {
		d.Retry = false
	}
	if d.Retry {
		d.Delay = c.NextDelay(s.Attempt)
	}
	return d
}

// ShouldRetry reports whether err at the given zero-based attempt is retried.
func (c *Controller) ShouldRetry(err error, attempt int) bool {
	s := State{Attempt: attempt}
	var uerr *upstream.Error
	if errors.As(err, &uerr) && uerr.Class == upstream.ClassServerError {
		s.ServerErrors = 1
	}
	return c.Decide(s, err).Retry
}

// NextDelay returns the wait before the retry following attempt. The
// sequence is BaseDelay * Multiplier^attempt capped at MaxDelay, without
// jitter, so equal inputs always give equal delays.
func (c *Controller) NextDelay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          c.cfg.Multiplier,
		MaxInterval:         c.cfg.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// AttemptTimeout returns the budget for the given zero-based attempt.
func (c *Controller) AttemptTimeout(attempt int) time.Duration {
	t := c.cfg.BaseTimeout
	for i := 0; i < attempt && t < c.cfg.MaxTimeout; i++ {
		t *= 2
	}
	if t > c.cfg.MaxTimeout {
		t = c.cfg.MaxTimeout
	}
	return t
}
