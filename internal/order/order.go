// Package order defines the order state machine. Transitions are monotonic:
// no state is ever re-entered, and terminal states have no exits.
package order

import "slices"

// State represents an order lifecycle state.
type State string

const (
	Pending    State = "PENDING"
	Accepted   State = "ACCEPTED"
	Rejected   State = "REJECTED"
	InProgress State = "IN_PROGRESS"
	Completed  State = "COMPLETED"
	Cancelled  State = "CANCELLED"
)

// validTransitions defines allowed state transitions. REJECTED, COMPLETED
// and CANCELLED are terminal.
var validTransitions = map[State][]State{
	Pending:    {Accepted, Rejected},
	Accepted:   {InProgress, Cancelled},
	InProgress: {Completed, Cancelled},
}

// CanTransition reports whether moving from one state to another is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Terminal reports whether a state has no outgoing transitions.
func Terminal(s State) bool {
	return len(validTransitions[s]) == 0
}

// Valid reports whether s is a known state.
func Valid(s State) bool {
	switch s {
	case Pending, Accepted, Rejected, InProgress, Completed, Cancelled:
		return true
	}
	return false
}
