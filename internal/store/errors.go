package store

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// DuplicateCorrelationError is returned by Append when the sender already
// committed a message with the same correlation id. It carries the previously
// assigned sequence so callers can answer the retry with the original result.
type DuplicateCorrelationError struct {
	ConversationID string
	CorrelationID  string
	Seq            int64
	CommittedAt    int64
}

func (e *DuplicateCorrelationError) Error() string {
	return fmt.Sprintf("correlation %s already committed in %s at seq %d",
		e.CorrelationID, e.ConversationID, e.Seq)
}

// InvalidTransitionError is returned when an order is not in the precondition
// state for a requested transition.
type InvalidTransitionError struct {
	OrderID string
	From    string
	To      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: invalid transition %s -> %s", e.OrderID, e.From, e.To)
}
