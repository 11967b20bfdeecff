package cache

import "time"

// Store holds resolved upstream results keyed by canonical request key.
// Implementations never return an entry after its expiry.
type Store interface {
	// Get returns the cached value and true if a live entry exists.
	Get(key string) ([]byte, bool)

	// Peek is Get without touching recency or the lookup counters.
	Peek(key string) ([]byte, bool)

	// Put stores value for ttl. A live entry for key is left untouched,
	// so concurrent resolutions of one key keep the first expiry.
	Put(key string, value []byte, ttl time.Duration)

	// Len returns the number of stored entries, expired or not.
	Len() int

	// Stats returns lookup counters.
	Stats() Stats

	// Close stops background work.
	Close()
}

// Stats are cumulative lookup counters.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// HitRate returns hits / lookups, or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// MetricsCollector receives cache usage events.
type MetricsCollector interface {
	SetAmount(int)
	IncHits()
	IncMisses()
	AddEvictions(int)
}

type disabledMetrics struct{}

func (disabledMetrics) SetAmount(int)    {}
func (disabledMetrics) IncHits()         {}
func (disabledMetrics) IncMisses()       {}
func (disabledMetrics) AddEvictions(int) {}
