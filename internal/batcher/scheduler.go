// Package batcher coalesces independent upstream-bound envelopes into
// JSON-RPC batch calls.
//
// Envelopes are grouped into a Window per lane (the credential in use when
// the window opened). A window flushes when its timer fires or when it
// holds MaxSize envelopes. Each envelope in a flushed window gets a fresh
// upstream id, and replies are matched back by that id, never by position.
package batcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"rpcgate/internal/envelope"
	"rpcgate/internal/jsonrpc"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("batch scheduler closed")
	// ErrMissingResponse fails an envelope whose upstream id is absent from the reply.
	ErrMissingResponse = errors.New("upstream reply has no response for this request")
)

// Executor performs one batch call, retries included. It returns the
// provider's replies or the terminal error shared by every envelope.
type Executor interface {
	Execute(ctx context.Context, envs []*envelope.Envelope, payload []*jsonrpc.Request) ([]*jsonrpc.Response, error)
}

// Observer is notified of every flushed batch.
type Observer interface {
	ObserveBatch(size int)
}

// Config configures a Scheduler
type Config struct {
	Enabled     bool
	WindowDelay time.Duration
	MaxSize     int
	// ExcludedMethods are always dispatched alone.
	ExcludedMethods []string
	// MaxOutstanding bounds envelopes held by the scheduler, waiting or in flight.
	MaxOutstanding int64
	// Lane names the window an envelope joins; nil puts everything in one lane.
	Lane     func() string
	Observer Observer
}

// Scheduler groups envelopes into windows and flushes them through an Executor.
type Scheduler struct {
	cfg      Config
	excluded map[string]bool
	executor Executor
	slots    *semaphore.Weighted
	nextID   atomic.Int64
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	windows  map[string]*Window
	closed   bool
	inflight sync.WaitGroup
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg Config, executor Executor, logger zerolog.Logger) *Scheduler {
	if !cfg.Enabled || cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 1 << 20
	}
	excluded := make(map[string]bool, len(cfg.ExcludedMethods))
	for _, m := range cfg.ExcludedMethods {
		excluded[m] = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		excluded: excluded,
		executor: executor,
		slots:    semaphore.NewWeighted(cfg.MaxOutstanding),
		logger:   logger.With().Str("component", "batcher").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		windows:  make(map[string]*Window),
	}
}

// Submit places env in a window. It blocks while MaxOutstanding envelopes
// are already held. An envelope cancelled before Submit is dropped.
func (s *Scheduler) Submit(ctx context.Context, env *envelope.Envelope) error {
	if err := s.Reserve(ctx); err != nil {
		return err
	}
	return s.SubmitReserved(env)
}

// Reserve takes one outstanding slot ahead of SubmitReserved, letting the
// caller pick the envelope only once there is room for it.
func (s *Scheduler) Reserve(ctx context.Context) error {
	return s.slots.Acquire(ctx, 1)
}

// Unreserve returns a slot taken by Reserve that will not be used.
func (s *Scheduler) Unreserve() {
	s.slots.Release(1)
}

// SubmitReserved is Submit for a caller already holding a slot from Reserve.
func (s *Scheduler) SubmitReserved(env *envelope.Envelope) error {
	if _, err := env.Fire(envelope.EventEnterBatch); err != nil {
		s.slots.Release(1)
		return nil
	}

	lane, maxSize := s.laneFor(env)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.slots.Release(1)
		env.Finish(envelope.Outcome{Err: ErrClosed})
		return ErrClosed
	}
	w := s.windows[lane]
	if w == nil {
		w = newWindow(lane)
		s.windows[lane] = w
	}
	added, full := w.Add(env, maxSize)
	if !added {
		w = newWindow(lane)
		s.windows[lane] = w
		_, full = w.Add(env, maxSize)
	}
	if full {
		delete(s.windows, lane)
		s.inflight.Add(1)
	} else {
		win := w
		w.StartTimer(s.cfg.WindowDelay, func() { s.flushAsync(win) })
	}
	s.mu.Unlock()

	if full {
		go func() {
			defer s.inflight.Done()
			s.flush(w)
		}()
	}
	return nil
}

func (s *Scheduler) laneFor(env *envelope.Envelope) (string, int) {
	if s.excluded[env.Method] {
		return "solo:" + env.ID, 1
	}
	if s.cfg.Lane != nil {
		return s.cfg.Lane(), s.cfg.MaxSize
	}
	return "", s.cfg.MaxSize
}

// flushAsync is the timer path. After Close it does nothing: Close flushes
// every window itself.
func (s *Scheduler) flushAsync(w *Window) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.windows[w.lane] == w {
		delete(s.windows, w.lane)
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	s.flush(w)
}

// flush dispatches a window and resolves every envelope in it.
func (s *Scheduler) flush(w *Window) {
	items := w.Take()
	if len(items) == 0 {
		return
	}

	envs := make([]*envelope.Envelope, 0, len(items))
	payload := make([]*jsonrpc.Request, 0, len(items))
	byID := make(map[int64]*envelope.Envelope, len(items))
	for _, env := range items {
		if _, err := env.Fire(envelope.EventDispatch); err != nil {
			// cancelled while waiting in the window
			s.slots.Release(1)
			continue
		}
		id := s.nextID.Add(1)
		envs = append(envs, env)
		payload = append(payload, env.Request(id))
		byID[id] = env
	}
	if len(envs) == 0 {
		return
	}
	defer s.slots.Release(int64(len(envs)))

	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveBatch(len(envs))
	}
	s.logger.Debug().
		Str("lane", w.lane).
		Int("size", len(envs)).
		Int("dropped", len(items)-len(envs)).
		Dur("window", time.Since(w.openedAt)).
		Msg("flushing batch")

	responses, err := s.executor.Execute(s.ctx, envs, payload)
	if err != nil {
		for _, env := range envs {
			env.Finish(envelope.Outcome{Err: err})
		}
		return
	}

	for _, resp := range responses {
		if resp == nil {
			continue
		}
		id, ok := resp.ID.Int()
		if !ok {
			continue
		}
		env, ok := byID[id]
		if !ok {
			continue
		}
		delete(byID, id)
		if resp.Error != nil {
			env.Finish(envelope.Outcome{RPCError: resp.Error})
		} else {
			env.Finish(envelope.Outcome{Result: resp.Result})
		}
	}
	for id, env := range byID {
		s.logger.Warn().Int64("upstreamId", id).Str("method", env.Method).Msg("response missing from upstream batch reply")
		env.Finish(envelope.Outcome{Err: ErrMissingResponse})
	}
}

// Pending returns the number of envelopes waiting in open windows.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.windows {
		n += w.Len()
	}
	return n
}

// Close flushes every open window and waits for in-flight batches. When ctx
// ends first, outstanding dispatches are cancelled.
func (s *Scheduler) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	windows := make([]*Window, 0, len(s.windows))
	for _, w := range s.windows {
		windows = append(windows, w)
	}
	s.windows = make(map[string]*Window)
	s.mu.Unlock()

	for _, w := range windows {
		s.inflight.Add(1)
		go func(w *Window) {
			defer s.inflight.Done()
			s.flush(w)
		}(w)
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
	}
	s.cancel()
	s.logger.Info().Int("flushed", len(windows)).Msg("batch scheduler closed")
}
