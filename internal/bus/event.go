package bus

import "time"

// Event represents a domain event published on the bus.
//
// ConversationID and Seq are set for events derived from a committed
// message; receivers use them to detect duplicates arriving over the
// at-least-once peer transport. Identity is set for events directed at a
// single recipient (live pushes).
type Event struct {
	Kind           string
	ConversationID string
	Seq            int64
	Identity       string
	Timestamp      time.Time
	Payload        any
}
