// Package inflight collapses identical concurrent calls into one upstream
// dispatch. The first caller for a canonical key owns the dispatch; later
// callers attach and receive the same outcome.
package inflight

import (
	"context"
	"sync"
	"sync/atomic"

	"rpcgate/internal/envelope"
)

// Call is one in-flight canonical key and its waiters.
type Call struct {
	key string
	reg *Registry

	mu      sync.Mutex
	waiters int
	env     *envelope.Envelope

	done    chan struct{}
	outcome envelope.Outcome
}

// Key returns the canonical key.
func (c *Call) Key() string {
	return c.key
}

// Bind associates the dispatching envelope with the call. Only the first caller binds.
func (c *Call) Bind(env *envelope.Envelope) {
	c.mu.Lock()
	c.env = env
	c.mu.Unlock()
}

// Done is closed once the call is resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call resolves or ctx is done. A caller whose ctx
// ends is detached; the shared dispatch carries on for the others.
func (c *Call) Wait(ctx context.Context) (envelope.Outcome, error) {
	select {
	case <-c.done:
		return c.outcome, nil
	case <-ctx.Done():
	}
	// resolution and deadline may race; a delivered outcome wins
	select {
	case <-c.done:
		return c.outcome, nil
	default:
	}
	c.Detach()
	return envelope.Outcome{}, ctx.Err()
}

// Detach removes one waiter. When the last waiter leaves before the
// envelope was dispatched, the envelope is cancelled and the key freed.
func (c *Call) Detach() {
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	c.mu.Lock()
	c.waiters--
	last := c.waiters == 0
	env := c.env
	c.mu.Unlock()

	if !last || r.calls[c.key] != c {
		return
	}
	if env != nil && !env.Cancel() {
		// dispatch already started; the entry goes away on resolution
		return
	}
	delete(r.calls, c.key)
	r.cancelled.Add(1)
}

// Registry maps canonical keys to in-flight calls.
type Registry struct {
	mu    sync.Mutex
	calls map[string]*Call

	attached  atomic.Uint64
	cancelled atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Call)}
}

// Admit registers a caller for key. isFirst is true for the caller that
// created the entry and must dispatch; everyone else just waits.
func (r *Registry) Admit(key string) (call *Call, isFirst bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.calls[key]; ok {
		c.mu.Lock()
		c.waiters++
		env := c.env
		c.mu.Unlock()
		if env != nil {
			// only the first attachment moves a queued envelope
			_, _ = env.Fire(envelope.EventAttach)
		}
		r.attached.Add(1)
		return c, false
	}
	c := &Call{
		key:     key,
		reg:     r,
		waiters: 1,
		done:    make(chan struct{}),
	}
	r.calls[key] = c
	return c, true
}

// Resolve completes call. beforeRemove (typically the cache write) runs
// before any waiter is released, and the entry is removed only after that,
// so a caller arriving in between finds either the entry or the cache.
func (r *Registry) Resolve(c *Call, o envelope.Outcome, beforeRemove func()) {
	if beforeRemove != nil {
		beforeRemove()
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	c.outcome = o
	close(c.done)
	c.mu.Unlock()

	r.mu.Lock()
	if r.calls[c.key] == c {
		delete(r.calls, c.key)
	}
	r.mu.Unlock()
}

// Len returns the number of keys in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Stats are cumulative registry counters.
type Stats struct {
	Attached  uint64
	Cancelled uint64
}

// Stats returns how many callers attached to an existing call and how
// many calls were abandoned before dispatch.
func (r *Registry) Stats() Stats {
	return Stats{Attached: r.attached.Load(), Cancelled: r.cancelled.Load()}
}
