package api

import "encoding/json"

// Command kinds accepted by POST /v1/commands.
const (
	CommandMessage    = "message"
	CommandOrder      = "order"
	CommandTransition = "transition"
)

// Error codes returned in ErrorResponse.
const (
	ErrConflict          = "conflict"
	ErrInvalidTransition = "invalid_transition"
	ErrLockTimeout       = "lock_timeout"
	ErrNotFound          = "not_found"
	ErrBadRequest        = "bad_request"
	ErrInternal          = "internal"
)

// CommandRequest is the envelope for every mutating command. Target is a
// conversation id for messages, a store identity for orders, and an order
// id for transitions.
type CommandRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Kind           string          `json:"kind"`
	Target         string          `json:"target"`
	Payload        json.RawMessage `json:"payload"`
}

// MessagePayload is the payload for a "message" command.
type MessagePayload struct {
	SenderID string `json:"sender_id"`
	Body     string `json:"body"`
}

// OrderPayload is the payload for an "order" command.
type OrderPayload struct {
	CustomerID string `json:"customer_id"`
	Detail     string `json:"detail"`
}

// TransitionPayload is the payload for a "transition" command.
type TransitionPayload struct {
	ActorID string `json:"actor_id"`
	To      string `json:"to"`
}

// CommandResponse reports the committed outcome. Deduped is true when the
// idempotency key had already been executed and the recorded outcome was
// replayed.
type CommandResponse struct {
	OutcomeID string `json:"outcome_id"`
	Deduped   bool   `json:"deduped"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// Message is a committed conversation message.
type Message struct {
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	SenderID       string `json:"sender_id"`
	CorrelationID  string `json:"correlation_id"`
	Payload        string `json:"payload"`
	CommittedAt    int64  `json:"committed_at"`
}

// MessagesResponse is the body of GET /v1/conversations/:id/messages.
type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

// Order is the wire form of an order.
type Order struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	StoreID    string `json:"store_id"`
	State      string `json:"state"`
	AcceptedBy string `json:"accepted_by,omitempty"`
	Payload    string `json:"payload"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// TransitionRequest is the body of POST /v1/orders/:id/transition.
type TransitionRequest struct {
	ActorID string `json:"actor_id"`
	To      string `json:"to"`
}

// HeartbeatRequest is the body of POST /v1/heartbeat.
type HeartbeatRequest struct {
	Identity string `json:"identity"`
}

// PresenceResponse is the body of GET /v1/presence/:identity.
type PresenceResponse struct {
	Identity string   `json:"identity"`
	Online   bool     `json:"online"`
	Nodes    []string `json:"nodes"`
}

// AckRequest is the body of POST /v1/acks.
type AckRequest struct {
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	RecipientID    string `json:"recipient_id"`
}

// Job is the wire form of a dead-lettered retry job.
type Job struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Payload   string `json:"payload"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// JobsResponse is the body of GET /admin/deadletter.
type JobsResponse struct {
	Jobs []Job `json:"jobs"`
}
