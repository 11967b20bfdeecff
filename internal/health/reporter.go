// Package health reports the gateway's diagnostic snapshot and logs it
// periodically.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rpcgate/internal/cache"
	"rpcgate/internal/credential"
	"rpcgate/internal/ratelimit"
)

// Status values.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Sources are the components a snapshot reads from. Nil fields are reported as empty.
type Sources struct {
	Cache       cache.Store
	Credentials *credential.Pool
	Limiters    []*ratelimit.Limiter
	QueueDepth  func() int
	InFlight    func() int
}

// Snapshot is the diagnostic document served on /health.
type Snapshot struct {
	Status         string           `json:"status"`
	Timestamp      time.Time        `json:"timestamp"`
	Cache          CacheStats       `json:"cache"`
	RateLimiter    RateLimiterStats `json:"rateLimiter"`
	CredentialPool PoolStats        `json:"credentialPool"`
	Queue          QueueStats       `json:"queue"`
}

type CacheStats struct {
	HitRate float64 `json:"hitRate"`
	Size    int     `json:"size"`
}

type RateLimiterStats struct {
	ActiveSubjects int `json:"activeSubjects"`
}

type PoolStats struct {
	Total         int               `json:"total"`
	PerCredential []CredentialStats `json:"perCredential"`
}

type CredentialStats struct {
	ID            string     `json:"id"`
	Requests      uint64     `json:"requests"`
	ErrorRate     float64    `json:"errorRate"`
	ExcludedUntil *time.Time `json:"excludedUntil,omitempty"`
}

type QueueStats struct {
	Depth    int `json:"depth"`
	InFlight int `json:"inFlight"`
}

// Reporter builds snapshots on demand.
type Reporter struct {
	src              Sources
	statsLogInterval time.Duration
	now              func() time.Time
	logger           zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReporter creates a reporter. statsLogInterval 0 disables the stats log.
func NewReporter(src Sources, statsLogInterval time.Duration, logger zerolog.Logger) *Reporter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		src:              src,
		statsLogInterval: statsLogInterval,
		now:              time.Now,
		logger:           logger.With().Str("component", "health").Logger(),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Snapshot reads every source once.
func (r *Reporter) Snapshot() Snapshot {
	s := Snapshot{
		Status:    StatusHealthy,
		Timestamp: r.now().UTC(),
	}

	if r.src.Cache != nil {
		s.Cache.HitRate = r.src.Cache.Stats().HitRate()
		s.Cache.Size = r.src.Cache.Len()
	}
	for _, l := range r.src.Limiters {
		if l != nil {
			s.RateLimiter.ActiveSubjects += l.ActiveSubjects()
		}
	}

	s.CredentialPool.PerCredential = []CredentialStats{}
	if pool := r.src.Credentials; pool != nil {
		s.CredentialPool.Total = pool.Len()
		for _, cs := range pool.Stats() {
			entry := CredentialStats{ID: cs.ID, Requests: cs.Requests, ErrorRate: cs.ErrorRate}
			if !cs.ExcludedUntil.IsZero() {
				until := cs.ExcludedUntil.UTC()
				entry.ExcludedUntil = &until
			}
			s.CredentialPool.PerCredential = append(s.CredentialPool.PerCredential, entry)
		}
		if pool.AllExcluded() {
			s.Status = StatusDegraded
		}
	}

	if r.src.QueueDepth != nil {
		s.Queue.Depth = r.src.QueueDepth()
	}
	if r.src.InFlight != nil {
		s.Queue.InFlight = r.src.InFlight()
	}
	return s
}

// ServeHTTP writes the snapshot as JSON.
func (r *Reporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	data, err := json.Marshal(r.Snapshot())
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to marshal health snapshot")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

// Start begins periodic stats logging.
func (r *Reporter) Start() {
	if r.statsLogInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go r.logStats()
}

// Stop ends stats logging.
func (r *Reporter) Stop() {
	r.cancel()
	r.wg.Wait()
}

// logStats periodically logs the snapshot
func (r *Reporter) logStats() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.statsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.logCurrentStats()
		}
	}
}

func (r *Reporter) logCurrentStats() {
	s := r.Snapshot()

	logEvent := r.logger.Info().
		Str("status", s.Status).
		Float64("cacheHitRate", s.Cache.HitRate).
		Int("cacheSize", s.Cache.Size).
		Int("activeSubjects", s.RateLimiter.ActiveSubjects).
		Int("queueDepth", s.Queue.Depth).
		Int("inFlight", s.Queue.InFlight).
		Dur("interval", r.statsLogInterval)

	for _, c := range s.CredentialPool.PerCredential {
		logEvent = logEvent.Uint64(c.ID, c.Requests)
	}

	logEvent.Msg("request statistics")
}
