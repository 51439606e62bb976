package store

import (
	"database/sql"
	"time"
)

// CreateReceipt records that a committed message targets a recipient.
// Idempotent on (conversation, seq, recipient).
func (db *DB) CreateReceipt(conversationID string, seq int64, recipientID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO receipts (conversation_id, seq, recipient_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, seq, recipient_id) DO NOTHING`,
		conversationID, seq, recipientID, ReceiptCreated, now, now)
	return err
}

// GetReceipt returns the receipt for one (message, recipient), or ErrNotFound.
func (db *DB) GetReceipt(conversationID string, seq int64, recipientID string) (*Receipt, error) {
	var r Receipt
	err := db.QueryRow(`
		SELECT id, conversation_id, seq, recipient_id, status, created_at, updated_at
		FROM receipts WHERE conversation_id = ? AND seq = ? AND recipient_id = ?`,
		conversationID, seq, recipientID).
		Scan(&r.ID, &r.ConversationID, &r.Seq, &r.RecipientID, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SetReceiptStatus moves a receipt to the given status unless it is already
// acknowledged. An acknowledgment is final; late timers and retry jobs must
// not demote it.
func (db *DB) SetReceiptStatus(conversationID string, seq int64, recipientID, status string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE receipts SET status = ?, updated_at = ?
		WHERE conversation_id = ? AND seq = ? AND recipient_id = ? AND status != ?`,
		status, now, conversationID, seq, recipientID, ReceiptAcknowledged)
	return err
}

// StaleLiveReceipts returns LIVE_DELIVERED receipts not touched since the
// cutoff. Ack timers are process-local, so after a restart these pushes have
// no pending fallback anywhere.
func (db *DB) StaleLiveReceipts(cutoff time.Time) ([]Receipt, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, seq, recipient_id, status, created_at, updated_at
		FROM receipts WHERE status = ? AND updated_at < ?`,
		ReceiptLiveDelivered, cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Seq, &r.RecipientID, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// RetireReceipts deletes receipts whose lifecycle has ended: acknowledged
// ones past the cutoff, and receipts of any other status created before it.
// A receipt older than the redelivery window is over no matter which tier it
// stalled in; the client reconciles via pull from then on.
func (db *DB) RetireReceipts(before time.Time) (int64, error) {
	res, err := db.Exec(`
		DELETE FROM receipts
		WHERE (status = ? AND updated_at < ?)
		   OR (status != ? AND created_at < ?)`,
		ReceiptAcknowledged, before.UnixMilli(), ReceiptAcknowledged, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
