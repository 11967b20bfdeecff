package credential

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker excludes a credential after consecutive failures. Once the
// cooldown has elapsed the credential is eligible again, but the next
// failure re-opens it straight away.
type breaker struct {
	threshold int
	cooldown  time.Duration

	mu        sync.Mutex
	state     breakerState
	failures  int
	openUntil time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// excluded reports whether the credential must be skipped at now.
func (b *breaker) excluded(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != breakerOpen {
		return false
	}
	if now.Before(b.openUntil) {
		return true
	}
	b.state = breakerHalfOpen
	return false
}

func (b *breaker) until() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != breakerOpen {
		return time.Time{}
	}
	return b.openUntil
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *breaker) recordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case breakerHalfOpen:
		b.openLocked(now.Add(b.cooldown))
	case breakerClosed:
		if b.threshold > 0 && b.failures >= b.threshold {
			b.openLocked(now.Add(b.cooldown))
		}
	}
}

// trip opens the breaker until the given time regardless of the failure count.
func (b *breaker) trip(until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerOpen && b.openUntil.After(until) {
		return
	}
	b.openLocked(until)
}

func (b *breaker) openLocked(until time.Time) {
	b.state = breakerOpen
	b.openUntil = until
	b.failures = 0
}
