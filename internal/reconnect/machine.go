// Package reconnect retries a failed or dropped transport session: a bounded
// phase with growing delays and connect timeouts, then an unbounded
// persistent phase, until success or cancel.
package reconnect

// State of the reconnection engine.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateRetrying   State = "retrying"
	StatePersistent State = "persistent"
	StateConnected  State = "connected"
)

// Event drives the state machine.
type Event string

const (
	EventTrigger   Event = "trigger"
	EventAttempt   Event = "attempt"
	EventSuccess   Event = "success"
	EventFailure   Event = "failure"
	EventExhausted Event = "exhausted"
	EventCancel    Event = "cancel"
)

var transitions = map[State]map[Event]State{
	StateIdle: {
		EventTrigger: StateConnecting,
		EventCancel:  StateIdle,
	},
	StateConnecting: {
		EventSuccess:   StateConnected,
		EventFailure:   StateRetrying,
		EventExhausted: StatePersistent,
		EventCancel:    StateIdle,
	},
	StateRetrying: {
		EventAttempt: StateConnecting,
		EventCancel:  StateIdle,
	},
	StatePersistent: {
		EventAttempt: StatePersistent,
		EventSuccess: StateConnected,
		EventFailure: StatePersistent,
		EventCancel:  StateIdle,
	},
	StateConnected: {
		EventTrigger: StateConnecting,
		EventCancel:  StateIdle,
	},
}

// Next looks up the transition for e in s. ok is false if e is not valid in s.
func Next(s State, e Event) (State, bool) {
	to, ok := transitions[s][e]
	return to, ok
}

// Looping reports whether a retry loop owns the state.
func (s State) Looping() bool {
	return s == StateConnecting || s == StateRetrying || s == StatePersistent
}
