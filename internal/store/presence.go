package store

import "time"

// UpsertPresence refreshes the presence row for (identity, node) with the
// given expiry deadline.
func (db *DB) UpsertPresence(identity, nodeID string, expiresAt time.Time) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO presence (identity, node_id, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity, node_id) DO UPDATE SET
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		identity, nodeID, expiresAt.UnixMilli(), now)
	return err
}

// PresenceNodes returns the node ids with an unexpired presence record for
// identity. Expiry is enforced at read time; rows are never trusted past
// their deadline even before the reaper removes them.
func (db *DB) PresenceNodes(identity string, now time.Time) ([]string, error) {
	rows, err := db.Query(`
		SELECT node_id FROM presence WHERE identity = ? AND expires_at > ?`,
		identity, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var nodes []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ReapPresence deletes rows expired before the cutoff. Hygiene only: reads
// already exclude expired rows.
func (db *DB) ReapPresence(cutoff time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM presence WHERE expires_at <= ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
