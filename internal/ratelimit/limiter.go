// Package ratelimit enforces sliding-window request budgets per subject.
// A subject is a caller identity or a credential id.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RussellLuo/slidingwindow"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Result is the outcome of an admission check.
type Result int

const (
	Allowed Result = iota
	Deferred
	Rejected
)

func (r Result) String() string {
	switch r {
	case Allowed:
		return "allowed"
	case Deferred:
		return "deferred"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Policy selects what happens to a request over budget.
type Policy string

const (
	PolicyReject Policy = "reject"
	PolicyDefer  Policy = "defer"
)

// ErrOverBudget is returned by Wait for a request that can never fit the window.
var ErrOverBudget = errors.New("request exceeds the window budget")

// Decision is returned by TryAcquire.
type Decision struct {
	Result     Result
	RetryAfter time.Duration
}

// Config is a budget of Limit units per Window. Limit 0 disables the limiter.
type Config struct {
	Limit  int64
	Window time.Duration
	Policy Policy
}

type subject struct {
	lim      *slidingwindow.Limiter
	lastSeen atomic.Int64
}

// Limiter keeps one sliding window per subject. Subjects live in an LRU
// so memory stays bounded under a flood of distinct callers.
type Limiter struct {
	name     string
	cfg      Config
	subjects *lru.Cache[string, *subject]
	mu       sync.Mutex
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a limiter. name labels log lines ("client", "credential").
func New(name string, cfg Config, maxSubjects int, logger zerolog.Logger) (*Limiter, error) {
	if cfg.Limit < 0 || (cfg.Limit > 0 && cfg.Window <= 0) {
		return nil, fmt.Errorf("invalid %s budget %d per %s", name, cfg.Limit, cfg.Window)
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyReject
	}
	store, err := lru.New[string, *subject](maxSubjects)
	if err != nil {
		return nil, fmt.Errorf("new LRU store for %s subjects: %w", name, err)
	}
	return &Limiter{
		name:     name,
		cfg:      cfg,
		subjects: store,
		now:      time.Now,
		logger:   logger.With().Str("component", "ratelimit").Str("limiter", name).Logger(),
	}, nil
}

// Enabled reports whether the limiter enforces anything.
func (l *Limiter) Enabled() bool {
	return l.cfg.Limit > 0
}

// Limit returns the budget per window.
func (l *Limiter) Limit() int64 {
	return l.cfg.Limit
}

// TryAcquire admits one unit for subject.
func (l *Limiter) TryAcquire(key string) Decision {
	return l.TryAcquireN(key, 1)
}

// TryAcquireN admits n units for subject at once, or none of them.
// Over budget the configured policy decides between Deferred and Rejected.
func (l *Limiter) TryAcquireN(key string, n int64) Decision {
	ok, retryAfter := l.allow(key, n)
	if ok {
		return Decision{Result: Allowed}
	}
	if l.cfg.Policy == PolicyDefer && n <= l.cfg.Limit {
		return Decision{Result: Deferred, RetryAfter: retryAfter}
	}
	l.logger.Debug().Str("subject", key).Int64("units", n).Dur("retryAfter", retryAfter).Msg("Rate limit exceeded")
	return Decision{Result: Rejected, RetryAfter: retryAfter}
}

// Wait blocks until n units for subject are admitted or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string, n int64) error {
	if l.Enabled() && n > l.cfg.Limit {
		return ErrOverBudget
	}
	for {
		ok, retryAfter := l.allow(key, n)
		if ok {
			return nil
		}
		wait := retryAfter
		if step := l.cfg.Window / time.Duration(l.cfg.Limit); step > 0 && step < wait {
			wait = step
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ActiveSubjects returns the number of subjects seen within the last two
// windows, the span over which their counts still matter.
func (l *Limiter) ActiveSubjects() int {
	if !l.Enabled() {
		return 0
	}
	horizon := l.now().Add(-2 * l.cfg.Window).UnixNano()
	active := 0
	for _, key := range l.subjects.Keys() {
		if s, ok := l.subjects.Peek(key); ok && s.lastSeen.Load() >= horizon {
			active++
		}
	}
	return active
}

func (l *Limiter) allow(key string, n int64) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}
	now := l.now()
	s := l.subject(key)
	s.lastSeen.Store(now.UnixNano())
	if s.lim.AllowN(now, n) {
		return true, 0
	}
	return false, now.Truncate(l.cfg.Window).Add(l.cfg.Window).Sub(now)
}

func (l *Limiter) subject(key string) *subject {
	if s, ok := l.subjects.Get(key); ok {
		return s
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.subjects.Get(key); ok {
		return s
	}
	lim, _ := slidingwindow.NewLimiter(l.cfg.Window, l.cfg.Limit, func() (slidingwindow.Window, slidingwindow.StopFunc) {
		return slidingwindow.NewLocalWindow()
	})
	s := &subject{lim: lim}
	l.subjects.Add(key, s)
	return s
}
