package store

// Conversation is an ordered channel scoped to one order. The store is the
// only writer of NextSeq; committed messages are gapless and strictly
// increasing.
type Conversation struct {
	ID           string
	OrderID      string
	Participants []string
	NextSeq      int64
	CreatedAt    int64
	UpdatedAt    int64
}

// Message is a committed conversation entry. (ConversationID, Seq) is unique
// and immutable; (ConversationID, SenderID, CorrelationID) is unique so that
// redelivered submissions are detected instead of duplicated.
type Message struct {
	ID             int64  `json:"-"`
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	SenderID       string `json:"sender_id"`
	CorrelationID  string `json:"correlation_id"`
	Payload        string `json:"payload"`
	CommittedAt    int64  `json:"committed_at"`
}

// Order is the stateful entity whose transitions the coordinator serializes.
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

// IdempotencyRecord maps a client submission key to the outcome of processing
// it. A key seen twice within the retention window yields the identical
// outcome on the second observation.
type IdempotencyRecord struct {
	Key        string
	OutcomeID  string
	ErrorClass string
	Detail     string
	CreatedAt  int64
	ExpiresAt  int64
}

// Receipt delivery statuses.
const (
	ReceiptCreated       = "CREATED"
	ReceiptLiveDelivered = "LIVE_DELIVERED"
	ReceiptQueued        = "QUEUED"
	ReceiptAwaitingPull  = "AWAITING_PULL"
	ReceiptAcknowledged  = "ACKNOWLEDGED"
)

// Receipt tracks delivery of one committed message to one recipient.
type Receipt struct {
	ID             int64
	ConversationID string
	Seq            int64
	RecipientID    string
	Status         string
	CreatedAt      int64
	UpdatedAt      int64
}

// Job statuses.
const (
	JobPending   = "PENDING"
	JobRunning   = "RUNNING"
	JobSucceeded = "SUCCEEDED"
	JobDead      = "DEAD"
)

// Job is a durable retry-queue entry.
type Job struct {
	ID            string
	Kind          string
	Payload       string
	Attempts      int
	MaxAttempts   int
	NextAttemptAt int64
	Status        string
	LastError     string
	CreatedAt     int64
	UpdatedAt     int64
}

// PresenceRecord maps an identity to a node that currently serves one of its
// live connections. Absence of an unexpired record is the offline signal.
type PresenceRecord struct {
	Identity  string
	NodeID    string
	ExpiresAt int64
	UpdatedAt int64
}
