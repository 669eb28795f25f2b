// state.go holds the supervisor's state machine: the states, the events
// that move between them, the transition table and the ring buffer of
// recent transitions served by the status API.

package supervisor

import (
	"fmt"
	"time"
)

// State is the supervisor's position in its control loop.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateConnecting
	StateConnected
	StateDegraded
	StateDisconnected
	StateShuttingDown
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateDisconnected:
		return "disconnected"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// MarshalText lets states appear by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateShuttingDown }

// Event is what happened to cause a transition.
type Event string

const (
	EventStart                   Event = "start"
	EventCredentialMissing       Event = "credential_missing"
	EventCredentialPresent       Event = "credential_present"
	EventOpenSucceeded           Event = "open_succeeded"
	EventOpenFailed              Event = "open_failed"
	EventOpenFailedUnexpected    Event = "open_failed_unexpected"
	EventHealthy                 Event = "healthy"
	EventDegraded                Event = "degraded"
	EventUnusable                Event = "unusable"
	EventRestartSucceeded        Event = "restart_succeeded"
	EventRestartFailed           Event = "restart_failed"
	EventRestartFailedUnexpected Event = "restart_failed_unexpected"
	EventBackoffElapsed          Event = "backoff_elapsed"
	EventCancelled               Event = "cancelled"
)

// transitions is the complete table of allowed moves. EventCancelled is
// accepted from every non-terminal state and is handled in Next.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventStart: StateValidating,
	},
	StateValidating: {
		EventCredentialMissing: StateShuttingDown,
		EventCredentialPresent: StateConnecting,
	},
	StateConnecting: {
		EventOpenSucceeded:        StateConnected,
		EventOpenFailed:           StateDisconnected,
		EventOpenFailedUnexpected: StateDisconnected,
	},
	StateConnected: {
		EventHealthy:  StateConnected,
		EventDegraded: StateDegraded,
		EventUnusable: StateDisconnected,
	},
	StateDegraded: {
		EventRestartSucceeded:        StateConnected,
		EventRestartFailed:           StateDisconnected,
		EventRestartFailedUnexpected: StateDisconnected,
	},
	StateDisconnected: {
		EventBackoffElapsed: StateConnecting,
	},
}

// Next returns the state that event moves from into, or an error if the
// table has no such transition.
func Next(from State, event Event) (State, error) {
	if from.Terminal() {
		return from, fmt.Errorf("no transition out of terminal state %s", from)
	}
	if event == EventCancelled {
		return StateShuttingDown, nil
	}
	if to, ok := transitions[from][event]; ok {
		return to, nil
	}
	return from, fmt.Errorf("no transition from %s on %s", from, event)
}

// historySize is the number of transitions kept for the status API.
const historySize = 50

// Transition records a single state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Event     Event     `json:"event"`
	Reason    string    `json:"reason"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StateChangeCallback is called on every state change, from the supervisor
// loop goroutine. Long-running handlers should spawn goroutines.
type StateChangeCallback func(t Transition)

// history is a fixed-size ring buffer of transitions.
type history struct {
	entries [historySize]Transition
	head    int // next write position
	count   int // entries written, capped at historySize
}

func (h *history) record(t Transition) {
	h.entries[h.head] = t
	h.head = (h.head + 1) % historySize
	if h.count < historySize {
		h.count++
	}
}

// list returns transitions oldest first.
func (h *history) list() []Transition {
	if h.count == 0 {
		return nil
	}
	result := make([]Transition, h.count)
	if h.count < historySize {
		copy(result, h.entries[:h.count])
	} else {
		n := copy(result, h.entries[h.head:])
		copy(result[n:], h.entries[:h.head])
	}
	return result
}
