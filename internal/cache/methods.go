package cache

import "time"

// TTLPolicy decides which methods are cacheable and for how long.
// Only methods listed in the table are cached.
type TTLPolicy struct {
	ttl map[string]time.Duration
}

// NewTTLPolicy builds a policy from a method -> TTL table. Non-positive TTLs are ignored.
func NewTTLPolicy(table map[string]time.Duration) *TTLPolicy {
	p := &TTLPolicy{ttl: make(map[string]time.Duration, len(table))}
	for method, ttl := range table {
		if ttl > 0 {
			p.ttl[method] = ttl
		}
	}
	return p
}

// TTL returns the TTL for method and whether the method is cacheable at all
func (p *TTLPolicy) TTL(method string) (time.Duration, bool) {
	if p == nil {
		return 0, false
	}
	ttl, ok := p.ttl[method]
	return ttl, ok
}

// Cacheable reports whether results of method may be cached
func (p *TTLPolicy) Cacheable(method string) bool {
	_, ok := p.TTL(method)
	return ok
}
