package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pvieira/mercurio/internal/keylock"
)

// DB wraps the SQLite connection backing the shared durable store. All node
// processes coordinating over one deployment point at the same file; WAL mode
// plus busy_timeout gives them bounded-wait cross-process access. The keylock
// set serializes in-process writers per conversation and per order.
type DB struct {
	*sql.DB
	locks *keylock.Set
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Transactions begin with immediate write intent: two processes appending to
// the same conversation serialize inside busy_timeout instead of racing a
// deferred upgrade into SQLITE_BUSY at commit.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, locks: newLocks()}, nil
}

// SetLockWait overrides the bounded wait used for per-entity exclusive
// sections. Intended for configuration at startup, not concurrent use.
func (db *DB) SetLockWait(wait time.Duration) {
	db.locks = keylock.New(wait)
}

// Lock acquires the in-process exclusive lock for key and returns a release
// function that must be called exactly once. Callers outside the store keep
// their keys in a distinct namespace (a prefix) so they cannot collide with
// the conversation and order sections.
func (db *DB) Lock(ctx context.Context, key string) (func(), error) {
	return db.locks.Acquire(ctx, key)
}
