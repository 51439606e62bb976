package store

import (
	"database/sql"
	"time"
)

// GetIdempotency returns the non-expired record for key, or ErrNotFound.
func (db *DB) GetIdempotency(key string, now time.Time) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := db.QueryRow(`
		SELECT key, outcome_id, error_class, detail, created_at, expires_at
		FROM idempotency WHERE key = ? AND expires_at > ?`,
		key, now.UnixMilli()).
		Scan(&rec.Key, &rec.OutcomeID, &rec.ErrorClass, &rec.Detail, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutIdempotency records the outcome for key with the given retention.
// A concurrent writer that lost the race leaves the first record in place;
// outcomes for one key are identical by construction, so keeping the
// original is correct.
func (db *DB) PutIdempotency(key, outcomeID, errorClass, detail string, ttl time.Duration) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO idempotency (key, outcome_id, error_class, detail, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key, outcomeID, errorClass, detail, now, now+ttl.Milliseconds())
	return err
}

// PruneIdempotency deletes records whose retention window has passed.
// Returns the number of rows removed.
func (db *DB) PruneIdempotency(now time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM idempotency WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
