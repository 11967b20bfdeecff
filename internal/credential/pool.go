// Package credential holds the provider API keys and picks the one to use.
//
// Selection is a pure function of wall-clock time: the active slot is
// floor(now / rotationInterval) mod N, so every process rotates in step
// without coordination. Credentials that keep failing are excluded locally
// for a cooldown and selection walks forward past them.
package credential

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoCredentials is returned when the pool is built without keys.
var ErrNoCredentials = errors.New("no credentials configured")

// Credential is one provider API key. The raw key never leaves the package
// except through Key, which the dispatcher uses to build the endpoint URL.
type Credential struct {
	ID    string
	Index int

	key      string
	breaker  *breaker
	requests atomic.Uint64
	errors   atomic.Uint64
	lastUsed atomic.Int64
}

// Key returns the secret endpoint fragment.
func (c *Credential) Key() string {
	return c.key
}

// Stats is a snapshot of one credential's usage.
type Stats struct {
	ID            string
	Requests      uint64
	Errors        uint64
	ErrorRate     float64
	LastUsedAt    time.Time
	ExcludedUntil time.Time
}

// Config configures a Pool.
type Config struct {
	RotationInterval time.Duration
	ErrorThreshold   int
	ErrorCooldown    time.Duration
}

// Pool selects credentials by time slice.
type Pool struct {
	creds  []*Credential
	byID   map[string]*Credential
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
}

// NewPool creates a pool over keys in the given order.
func NewPool(keys []string, cfg Config, logger zerolog.Logger) (*Pool, error) {
	if len(keys) == 0 {
		return nil, ErrNoCredentials
	}
	if cfg.RotationInterval <= 0 {
		return nil, fmt.Errorf("rotation interval must be positive, got %s", cfg.RotationInterval)
	}

	p := &Pool{
		creds:  make([]*Credential, len(keys)),
		byID:   make(map[string]*Credential, len(keys)),
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With().Str("component", "credentials").Logger(),
	}
	for i, k := range keys {
		c := &Credential{
			ID:      fmt.Sprintf("key-%d", i+1),
			Index:   i,
			key:     k,
			breaker: newBreaker(cfg.ErrorThreshold, cfg.ErrorCooldown),
		}
		p.creds[i] = c
		p.byID[c.ID] = c
	}
	return p, nil
}

// Len returns the number of credentials.
func (p *Pool) Len() int {
	return len(p.creds)
}

// Get returns the credential with the given id.
func (p *Pool) Get(id string) (*Credential, bool) {
	c, ok := p.byID[id]
	return c, ok
}

// All returns the credentials in configuration order.
func (p *Pool) All() []*Credential {
	out := make([]*Credential, len(p.creds))
	copy(out, p.creds)
	return out
}

// SlotAt returns the time-sliced index for t, ignoring exclusions.
func (p *Pool) SlotAt(t time.Time) int {
	slot := t.UnixNano() / int64(p.cfg.RotationInterval)
	if slot < 0 {
		slot = -slot
	}
	return int(slot % int64(len(p.creds)))
}

// Current returns the credential for the current time slice, skipping
// excluded ones. When every credential is excluded the slice's own
// credential is returned.
func (p *Pool) Current() *Credential {
	now := p.now()
	base := p.SlotAt(now)
	for k := 0; k < len(p.creds); k++ {
		c := p.creds[(base+k)%len(p.creds)]
		if !c.breaker.excluded(now) {
			return c
		}
	}
	return p.creds[base]
}

// AllExcluded reports whether no credential is currently eligible.
func (p *Pool) AllExcluded() bool {
	now := p.now()
	for _, c := range p.creds {
		if !c.breaker.excluded(now) {
			return false
		}
	}
	return true
}

// RecordOutcome records the result of one upstream call made with id.
func (p *Pool) RecordOutcome(id string, success bool) {
	c, ok := p.byID[id]
	if !ok {
		return
	}
	now := p.now()
	c.requests.Add(1)
	c.lastUsed.Store(now.UnixNano())
	if success {
		c.breaker.recordSuccess()
		return
	}
	c.errors.Add(1)
	c.breaker.recordFailure(now)
	if until := c.breaker.until(); !until.IsZero() {
		p.logger.Debug().Str("credential", id).Time("until", until).Msg("Credential excluded")
	}
}

// Exclude removes id from selection for the error cooldown.
func (p *Pool) Exclude(id string) {
	p.ExcludeUntil(id, p.now().Add(p.cfg.ErrorCooldown))
}

// ExcludeUntil removes id from selection until the given time.
func (p *Pool) ExcludeUntil(id string, until time.Time) {
	c, ok := p.byID[id]
	if !ok {
		return
	}
	c.breaker.trip(until)
	p.logger.Warn().Str("credential", id).Time("until", until).Msg("Credential excluded after upstream rejection")
}

// Stats returns a snapshot per credential in configuration order.
func (p *Pool) Stats() []Stats {
	now := p.now()
	out := make([]Stats, 0, len(p.creds))
	for _, c := range p.creds {
		s := Stats{
			ID:       c.ID,
			Requests: c.requests.Load(),
			Errors:   c.errors.Load(),
		}
		if until := c.breaker.until(); until.After(now) {
			s.ExcludedUntil = until
		}
		if s.Requests > 0 {
			s.ErrorRate = float64(s.Errors) / float64(s.Requests)
		}
		if ts := c.lastUsed.Load(); ts > 0 {
			s.LastUsedAt = time.Unix(0, ts)
		}
		out = append(out, s)
	}
	return out
}
