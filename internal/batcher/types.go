package batcher

import (
	"sync"
	"time"

	"rpcgate/internal/envelope"
)

// Window accumulates envelopes bound for one lane until it is flushed.
type Window struct {
	lane     string
	openedAt time.Time
	items    []*envelope.Envelope
	timer    *time.Timer
	mu       sync.Mutex
	flushing bool
}

func newWindow(lane string) *Window {
	return &Window{lane: lane, openedAt: time.Now()}
}

// Add appends env and reports whether the window reached maxSize.
// A window that is already flushing accepts nothing.
func (w *Window) Add(env *envelope.Envelope, maxSize int) (added, full bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.flushing {
		return false, false
	}
	w.items = append(w.items, env)
	return true, len(w.items) >= maxSize
}

// StartTimer arms the flush timer on the first envelope.
func (w *Window) StartTimer(delay time.Duration, onFlush func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer == nil && !w.flushing {
		w.timer = time.AfterFunc(delay, onFlush)
	}
}

// Take closes the window and returns its envelopes in admission order.
// Only the first call returns anything.
func (w *Window) Take() []*envelope.Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.flushing {
		return nil
	}
	w.flushing = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	items := w.items
	w.items = nil
	return items
}

// Len returns the number of envelopes waiting in the window.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}
