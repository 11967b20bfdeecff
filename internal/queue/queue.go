// Package queue orders envelopes waiting for dispatch.
//
// Envelopes pop by priority, then by arrival. With aging enabled every
// agingInterval of waiting is worth one priority point, so a background
// envelope eventually overtakes newer interactive ones.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"rpcgate/internal/envelope"
)

// ErrClosed is returned by Push and Pop after Close.
var ErrClosed = errors.New("queue closed")

type item struct {
	env   *envelope.Envelope
	score int64
	seq   uint64
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a blocking priority queue of envelopes.
type Queue struct {
	agingInterval time.Duration

	mu     sync.Mutex
	items  itemHeap
	seq    uint64
	closed bool
	ready  chan struct{}
}

// New creates a queue. agingInterval 0 disables aging.
func New(agingInterval time.Duration) *Queue {
	return &Queue{
		agingInterval: agingInterval,
		ready:         make(chan struct{}, 1),
	}
}

// score ranks an envelope; it does not change while the envelope waits, so
// the heap never needs re-sorting. With aging, priority p arriving at t
// ranks as p*interval - t: waiting one interval longer is worth one point.
func (q *Queue) score(env *envelope.Envelope) int64 {
	if q.agingInterval <= 0 {
		return int64(env.Priority)
	}
	return int64(env.Priority)*int64(q.agingInterval) - env.Arrival.UnixNano()
}

// Push adds an envelope.
func (q *Queue) Push(env *envelope.Envelope) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	heap.Push(&q.items, &item{env: env, score: q.score(env), seq: q.seq})
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop blocks until an envelope is available, ctx is done or the queue is
// closed and drained.
func (q *Queue) Pop(ctx context.Context) (*envelope.Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := heap.Pop(&q.items).(*item)
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}
			return it.env, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			// pass the wake-up on to other blocked poppers
			select {
			case q.ready <- struct{}{}:
			default:
			}
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

// Wait blocks until an envelope is available without taking it. It returns
// ErrClosed once the queue is closed and drained.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		n, closed := len(q.items), q.closed
		q.mu.Unlock()
		if n > 0 {
			return nil
		}
		if closed {
			select {
			case q.ready <- struct{}{}:
			default:
			}
			return ErrClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.ready:
		}
	}
}

// Len returns the number of waiting envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes. Waiting envelopes can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
