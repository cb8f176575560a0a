// Package lifecycle owns ingestion tasks: their states, progress counters,
// retry bookkeeping and idempotency keys. It is the only component that talks
// to the task queue and the task store.
//
// Valid state graph:
//
//	PENDING ──► RUNNING ──► SUCCESS
//	   │          │  ▲
//	   │          │  └──── RETRY ──► FAILED
//	   │          ▼          │
//	   │        FAILED       │
//	   │                     │
//	   └──────────┴──────────┴──► CANCELLED
//
// SUCCESS, FAILED and CANCELLED are terminal states.
package lifecycle

import "fmt"

// State values mirror the state column of ingestion_tasks.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateRetry     State = "RETRY"
	StateSuccess   State = "SUCCESS"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// AllStates lists every state, non-terminal first.
var AllStates = []State{
	StatePending, StateRunning, StateRetry, StateSuccess, StateFailed, StateCancelled,
}

// validTransitions lists every allowed (from → to) pair.
var validTransitions = map[State][]State{
	StatePending: {StateRunning, StateCancelled},
	StateRunning: {StateSuccess, StateRetry, StateFailed, StateCancelled},
	// RETRY → FAILED is taken when a lease expires with no attempts left.
	StateRetry: {StateRunning, StateCancelled, StateFailed},
	// SUCCESS, FAILED and CANCELLED are terminal
}

// ParseState converts a raw string to a State, returning an error for
// unknown values.
func ParseState(s string) (State, error) {
	st := State(s)
	switch st {
	case StatePending, StateRunning, StateRetry, StateSuccess, StateFailed, StateCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown task state %q", s)
}

// IsTransitionAllowed returns true when moving from → to is permitted by the
// state machine.
func IsTransitionAllowed(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states with no outgoing transitions.
func IsTerminal(s State) bool {
	_, ok := validTransitions[s]
	return !ok
}

// IsActive returns true for states that still represent pending or running
// work for an idempotency key.
func IsActive(s State) bool {
	return s == StatePending || s == StateRunning || s == StateRetry
}
