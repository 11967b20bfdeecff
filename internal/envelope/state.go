package envelope

import "fmt"

// State is the lifecycle position of an envelope.
type State int32

const (
	Queued State = iota
	Attached
	CacheHit
	Batching
	Dispatching
	Retrying
	Succeeded
	Failed
	Cancelled
)

var stateNames = [...]string{
	Queued:      "queued",
	Attached:    "attached",
	CacheHit:    "cache_hit",
	Batching:    "batching",
	Dispatching: "dispatching",
	Retrying:    "retrying",
	Succeeded:   "succeeded",
	Failed:      "failed",
	Cancelled:   "cancelled",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == CacheHit || s == Succeeded || s == Failed || s == Cancelled
}

// Event drives a state transition.
type Event int

const (
	EventAttach Event = iota
	EventCacheHit
	EventEnterBatch
	EventDispatch
	EventRetry
	EventSucceed
	EventFail
	EventCancel
)

var eventNames = [...]string{
	EventAttach:     "attach",
	EventCacheHit:   "cache_hit",
	EventEnterBatch: "enter_batch",
	EventDispatch:   "dispatch",
	EventRetry:      "retry",
	EventSucceed:    "succeed",
	EventFail:       "fail",
	EventCancel:     "cancel",
}

func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return eventNames[e]
}

// InvalidTransitionError is returned for an event not allowed in a state.
type InvalidTransitionError struct {
	From  State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s on %s", e.Event, e.From)
}

// Transition is the pure lifecycle function:
//
//	Queued -> Attached | CacheHit | Batching | Cancelled
//	Attached -> CacheHit | Batching | Cancelled
//	Batching -> Dispatching | Cancelled
//	Dispatching -> Succeeded | Retrying | Failed
//	Retrying -> Dispatching | Failed
//
// Queued and Batching envelopes may also fail directly (admission refused
// or the scheduler closing).
func Transition(from State, ev Event) (State, error) {
	switch from {
	case Queued:
		switch ev {
		case EventAttach:
			return Attached, nil
		case EventCacheHit:
			return CacheHit, nil
		case EventEnterBatch:
			return Batching, nil
		case EventCancel:
			return Cancelled, nil
		case EventFail:
			return Failed, nil
		}
	case Attached:
		switch ev {
		case EventCacheHit:
			return CacheHit, nil
		case EventEnterBatch:
			return Batching, nil
		case EventCancel:
			return Cancelled, nil
		case EventFail:
			return Failed, nil
		}
	case Batching:
		switch ev {
		case EventDispatch:
			return Dispatching, nil
		case EventCancel:
			return Cancelled, nil
		case EventFail:
			return Failed, nil
		}
	case Dispatching:
		switch ev {
		case EventSucceed:
			return Succeeded, nil
		case EventRetry:
			return Retrying, nil
		case EventFail:
			return Failed, nil
		}
	case Retrying:
		switch ev {
		case EventDispatch:
			return Dispatching, nil
		case EventFail:
			return Failed, nil
		}
	}
	return from, &InvalidTransitionError{From: from, Event: ev}
}
