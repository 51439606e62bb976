package store

import (
	"database/sql"
	"time"
)

// InsertJob persists a new retry-queue job in PENDING state.
func (db *DB) InsertJob(j *Job) error {
	now := time.Now().UnixMilli()
	if j.NextAttemptAt == 0 {
		j.NextAttemptAt = now
	}
	j.Status = JobPending
	j.CreatedAt = now
	j.UpdatedAt = now
	_, err := db.Exec(`
		INSERT INTO jobs (id, kind, payload, attempts, max_attempts, next_attempt_at, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?, '', ?, ?)`,
		j.ID, j.Kind, j.Payload, j.MaxAttempts, j.NextAttemptAt, j.Status, now, now)
	return err
}

// ClaimJob atomically moves an eligible PENDING job to RUNNING and bumps its
// attempt count. Returns false if another worker claimed it first.
func (db *DB) ClaimJob(id string, now time.Time) (bool, error) {
	res, err := db.Exec(`
		UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ? AND next_attempt_at <= ?`,
		JobRunning, now.UnixMilli(), id, JobPending, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RecoverStalledJobs returns RUNNING jobs last touched before the cutoff to
// PENDING, making them eligible again. A claim that old means the owning
// process died mid-attempt; the attempt it consumed stays counted.
func (db *DB) RecoverStalledJobs(cutoff time.Time) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE jobs SET status = ?, next_attempt_at = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		JobPending, now, now, JobRunning, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// EligibleJobs returns PENDING jobs whose next attempt time has passed, in
// creation order.
func (db *DB) EligibleJobs(now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, kind, payload, attempts, max_attempts, next_attempt_at, status, last_error, created_at, updated_at
		FROM jobs WHERE status = ? AND next_attempt_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`, JobPending, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

// CompleteJob marks a job as succeeded.
func (db *DB) CompleteJob(id string) error {
	_, err := db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		JobSucceeded, time.Now().UnixMilli(), id)
	return err
}

// RescheduleJob returns a failed job to PENDING with a new eligibility time.
func (db *DB) RescheduleJob(id string, nextAttemptAt time.Time, lastError string) error {
	_, err := db.Exec(`
		UPDATE jobs SET status = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		JobPending, nextAttemptAt.UnixMilli(), lastError, time.Now().UnixMilli(), id)
	return err
}

// DeadLetterJob marks a job as dead after its retry budget is exhausted.
func (db *DB) DeadLetterJob(id, lastError string) error {
	_, err := db.Exec(`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		JobDead, lastError, time.Now().UnixMilli(), id)
	return err
}

// GetJob returns a job by id, or ErrNotFound.
func (db *DB) GetJob(id string) (*Job, error) {
	row := db.QueryRow(`
		SELECT id, kind, payload, attempts, max_attempts, next_attempt_at, status, last_error, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	var j Job
	err := row.Scan(&j.ID, &j.Kind, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.NextAttemptAt, &j.Status, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// DeadJobs returns dead-lettered jobs, most recent first.
func (db *DB) DeadJobs(limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, kind, payload, attempts, max_attempts, next_attempt_at, status, last_error, created_at, updated_at
		FROM jobs WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT ?`, JobDead, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

// ReviveJob resets a dead job for another round of attempts. Returns
// ErrNotFound if the job is not currently dead-lettered.
func (db *DB) ReviveJob(id string) error {
	res, err := db.Exec(`
		UPDATE jobs SET status = ?, attempts = 0, next_attempt_at = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		JobPending, time.Now().UnixMilli(), time.Now().UnixMilli(), id, JobDead)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DiscardJob removes a dead-lettered job. Returns ErrNotFound if the job is
// not currently dead-lettered.
func (db *DB) DiscardJob(id string) error {
	res, err := db.Exec(`DELETE FROM jobs WHERE id = ? AND status = ?`, id, JobDead)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Kind, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.NextAttemptAt, &j.Status, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
