package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Entry statuses.
const (
	StatusPendingSync = "PENDING_SYNC"
	StatusSynced      = "SYNCED"
	StatusConflict    = "CONFLICT"
	StatusFailed      = "FAILED"
)

// Entry kinds, matching the command kinds the daemon accepts.
const (
	KindMessage    = "message"
	KindOrder      = "order"
	KindTransition = "transition"
)

// Entry is a locally captured intent awaiting sync with the daemon.
type Entry struct {
	ID             string
	IdempotencyKey string
	Kind           string
	Target         string
	Payload        json.RawMessage
	Status         string
	Attempts       int
	Detail         string
	OutcomeID      string
	CreatedAt      int64
}

// Store is the client-local journal database. It is the source of truth
// for everything the client has done while offline.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id              TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	kind            TEXT NOT NULL,
	target          TEXT NOT NULL,
	payload         BLOB NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	detail          TEXT NOT NULL DEFAULT '',
	outcome_id      TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(status, created_at);

CREATE TABLE IF NOT EXISTS cursors (
	conversation_id TEXT PRIMARY KEY,
	last_seq        INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
`

// Open opens (or creates) the journal database at the given path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init journal schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record captures an intent before any network attempt is made. The
// idempotency key is generated here so that every retry of this entry,
// across restarts, presents the same key to the daemon.
func (s *Store) Record(kind, target string, payload json.RawMessage) (*Entry, error) {
	e := &Entry{
		ID:             uuid.NewString(),
		IdempotencyKey: uuid.NewString(),
		Kind:           kind,
		Target:         target,
		Payload:        payload,
		Status:         StatusPendingSync,
		CreatedAt:      time.Now().UnixMilli(),
	}
	_, err := s.db.Exec(`
		INSERT INTO entries (id, idempotency_key, kind, target, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.IdempotencyKey, e.Kind, e.Target, []byte(e.Payload), e.Status, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record entry: %w", err)
	}
	return e, nil
}

// Pending returns entries awaiting sync, oldest first.
func (s *Store) Pending() ([]*Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, idempotency_key, kind, target, payload, status, attempts, detail, outcome_id, created_at
		FROM entries WHERE status = ? ORDER BY created_at ASC, id ASC`, StatusPendingSync)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// List returns every journal entry, oldest first.
func (s *Store) List() ([]*Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, idempotency_key, kind, target, payload, status, attempts, detail, outcome_id, created_at
		FROM entries ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Get returns a single entry by id.
func (s *Store) Get(id string) (*Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, idempotency_key, kind, target, payload, status, attempts, detail, outcome_id, created_at
		FROM entries WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, sql.ErrNoRows
	}
	return entries[0], nil
}

// MarkSynced records a successful sync and the server-side outcome id.
func (s *Store) MarkSynced(id, outcomeID string) error {
	_, err := s.db.Exec(`UPDATE entries SET status = ?, outcome_id = ? WHERE id = ?`,
		StatusSynced, outcomeID, id)
	return err
}

// MarkConflict parks the entry pending explicit user action.
func (s *Store) MarkConflict(id, detail string) error {
	_, err := s.db.Exec(`UPDATE entries SET status = ?, detail = ? WHERE id = ?`,
		StatusConflict, detail, id)
	return err
}

// MarkFailed parks the entry after the retry cap is exhausted.
func (s *Store) MarkFailed(id, detail string) error {
	_, err := s.db.Exec(`UPDATE entries SET status = ?, detail = ? WHERE id = ?`,
		StatusFailed, detail, id)
	return err
}

// BumpAttempts increments the attempt counter and returns the new value.
func (s *Store) BumpAttempts(id string) (int, error) {
	if _, err := s.db.Exec(`UPDATE entries SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		return 0, err
	}
	var attempts int
	err := s.db.QueryRow(`SELECT attempts FROM entries WHERE id = ?`, id).Scan(&attempts)
	return attempts, err
}

// Requeue puts a CONFLICT or FAILED entry back in line for sync.
func (s *Store) Requeue(id string) error {
	res, err := s.db.Exec(`
		UPDATE entries SET status = ?, attempts = 0, detail = ''
		WHERE id = ? AND status IN (?, ?)`,
		StatusPendingSync, id, StatusConflict, StatusFailed)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("entry %s is not requeueable", id)
	}
	return nil
}

// Resolve discards a parked entry, accepting the server's view.
func (s *Store) Resolve(id string) error {
	res, err := s.db.Exec(`DELETE FROM entries WHERE id = ? AND status IN (?, ?)`,
		id, StatusConflict, StatusFailed)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("entry %s is not resolvable", id)
	}
	return nil
}

// Checkpoint returns the last message sequence pulled for a conversation,
// or 0 when none has been recorded.
func (s *Store) Checkpoint(conversationID string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(`SELECT last_seq FROM cursors WHERE conversation_id = ?`, conversationID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// SetCheckpoint advances the pull cursor for a conversation.
func (s *Store) SetCheckpoint(conversationID string, seq int64) error {
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO cursors (conversation_id, last_seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET last_seq = excluded.last_seq, updated_at = excluded.updated_at`,
		conversationID, seq, now)
	return err
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var payload []byte
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.Kind, &e.Target, &payload,
			&e.Status, &e.Attempts, &e.Detail, &e.OutcomeID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
