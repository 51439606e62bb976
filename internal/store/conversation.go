package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pvieira/mercurio/internal/keylock"
)

// EnsureConversation creates the conversation if it does not exist yet.
// Creation is idempotent; participants are fixed on first creation.
func (db *DB) EnsureConversation(id, orderID string, participants []string) error {
	raw, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, order_id, participants, next_seq, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, orderID, string(raw), now, now)
	return err
}

// GetConversation returns a conversation by id, or ErrNotFound.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var raw string
	err := db.QueryRow(`
		SELECT id, order_id, participants, next_seq, created_at, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.OrderID, &raw, &c.NextSeq, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &c.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	return &c, nil
}

// Append commits a message to a conversation, assigning the next sequence
// under the conversation's exclusive section. The sequence counter only moves
// inside this transaction, which keeps committed sequences gapless and
// strictly increasing no matter how many nodes are appending.
//
// If the sender already committed this correlation id, Append returns a
// DuplicateCorrelationError carrying the prior sequence and performs no
// write, making it idempotent per sender. Returns keylock.ErrLockTimeout when
// the conversation stays contended past the lock wait.
func (db *DB) Append(ctx context.Context, conversationID, senderID, correlationID, payload string) (*Message, error) {
	release, err := db.locks.Acquire(ctx, "conv:"+conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var priorSeq, priorCommitted int64
	err = tx.QueryRow(`
		SELECT seq, committed_at FROM messages
		WHERE conversation_id = ? AND sender_id = ? AND correlation_id = ?`,
		conversationID, senderID, correlationID).
		Scan(&priorSeq, &priorCommitted)
	if err == nil {
		return nil, &DuplicateCorrelationError{
			ConversationID: conversationID,
			CorrelationID:  correlationID,
			Seq:            priorSeq,
			CommittedAt:    priorCommitted,
		}
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	now := time.Now().UnixMilli()

	var seq int64
	err = tx.QueryRow(`SELECT next_seq FROM conversations WHERE id = ?`, conversationID).Scan(&seq)
	if err == sql.ErrNoRows {
		// First append creates the conversation, scoped to itself as the
		// order id. Order placement is the canonical creation path and
		// fixes the participant set; an implicit conversation starts with
		// just the sender.
		raw, merr := json.Marshal([]string{senderID})
		if merr != nil {
			return nil, fmt.Errorf("encode participants: %w", merr)
		}
		if _, ierr := tx.Exec(`
			INSERT INTO conversations (id, order_id, participants, next_seq, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)`,
			conversationID, conversationID, string(raw), now, now); ierr != nil {
			return nil, fmt.Errorf("create conversation: %w", ierr)
		}
		seq = 1
		err = nil
	}
	if err != nil {
		return nil, err
	}
	res, err := tx.Exec(`
		INSERT INTO messages (conversation_id, seq, sender_id, correlation_id, payload, committed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, seq, senderID, correlationID, payload, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, _ := res.LastInsertId()

	if _, err := tx.Exec(`
		UPDATE conversations SET next_seq = ?, updated_at = ? WHERE id = ?`,
		seq+1, now, conversationID); err != nil {
		return nil, fmt.Errorf("advance sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	return &Message{
		ID:             id,
		ConversationID: conversationID,
		Seq:            seq,
		SenderID:       senderID,
		CorrelationID:  correlationID,
		Payload:        payload,
		CommittedAt:    now,
	}, nil
}

// ReadSince returns up to limit messages committed after afterSeq, in
// ascending sequence order. Re-supplying the last received sequence resumes
// the read, so reconnecting clients can pull their way back to the head.
func (db *DB) ReadSince(conversationID string, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, seq, sender_id, correlation_id, payload, committed_at
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, conversationID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.CorrelationID, &m.Payload, &m.CommittedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// defaultLockWait bounds how long appends and transitions wait on a
// contended entity before failing with keylock.ErrLockTimeout.
const defaultLockWait = 3 * time.Second

func newLocks() *keylock.Set { return keylock.New(defaultLockWait) }
