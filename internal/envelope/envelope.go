// Package envelope carries one admitted upstream-bound call through the
// gateway: queue, batch window, dispatch and retries.
package envelope

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"rpcgate/internal/jsonrpc"
)

// Priority orders envelopes in the dispatch queue. Higher is more urgent.
type Priority int

const (
	Background  Priority = 0
	Interactive Priority = 10
)

// ParsePriority maps a header value to a priority. Unknown values are interactive.
func ParsePriority(s string) Priority {
	switch s {
	case "background", "low", "prefetch":
		return Background
	default:
		return Interactive
	}
}

// Outcome is the terminal result of an envelope. Exactly one of Result,
// RPCError and Err is meaningful: Result for success, RPCError when the
// provider answered with a JSON-RPC error object, Err for transport failure.
type Outcome struct {
	Result    json.RawMessage
	RPCError  *jsonrpc.Error
	Err       error
	FromCache bool
}

// Succeeded reports whether the outcome carries a result.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.RPCError == nil
}

// Envelope is one upstream-bound call. Only the first caller for a
// canonical key creates one; identical callers share it through the
// in-flight registry.
type Envelope struct {
	ID       string
	Key      string
	Method   string
	Params   json.RawMessage
	Priority Priority
	Arrival  time.Time

	state   atomic.Int32
	attempt atomic.Int32

	once    sync.Once
	resolve func(Outcome)
}

// New creates a queued envelope. resolve receives the single terminal outcome.
func New(key, method string, params json.RawMessage, priority Priority, resolve func(Outcome)) *Envelope {
	return &Envelope{
		ID:       xid.New().String(),
		Key:      key,
		Method:   method,
		Params:   params,
		Priority: priority,
		Arrival:  time.Now(),
		resolve:  resolve,
	}
}

// State returns the current state.
func (e *Envelope) State() State {
	return State(e.state.Load())
}

// Fire applies event to the envelope. It fails without changing anything
// when the event is not valid in the current state.
func (e *Envelope) Fire(ev Event) (State, error) {
	for {
		from := e.State()
		to, err := Transition(from, ev)
		if err != nil {
			return from, err
		}
		if e.state.CompareAndSwap(int32(from), int32(to)) {
			if ev == EventRetry {
				e.attempt.Add(1)
			}
			return to, nil
		}
	}
}

// Attempt returns the number of retries taken so far.
func (e *Envelope) Attempt() int {
	return int(e.attempt.Load())
}

// Finish delivers the outcome once, moving the envelope to its terminal state.
// Later calls are ignored. It reports whether this call delivered.
func (e *Envelope) Finish(o Outcome) bool {
	ev := EventSucceed
	switch {
	case o.FromCache:
		ev = EventCacheHit
	case !o.Succeeded():
		ev = EventFail
	}
	if _, err := e.Fire(ev); err != nil {
		return false
	}
	delivered := false
	e.once.Do(func() {
		delivered = true
		if e.resolve != nil {
			e.resolve(o)
		}
	})
	return delivered
}

// Cancel moves an envelope that has not been dispatched yet to Cancelled.
func (e *Envelope) Cancel() bool {
	_, err := e.Fire(EventCancel)
	return err == nil
}

// Request builds the upstream request for this envelope under the given upstream id.
func (e *Envelope) Request(id int64) *jsonrpc.Request {
	return &jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		Method:  e.Method,
		Params:  e.Params,
		ID:      jsonrpc.IntID(id),
	}
}
