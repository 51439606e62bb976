package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvieira/mercurio/internal/store"
	"go.uber.org/zap"
)

func testWorker(t *testing.T, maxTries int) (*Worker, *store.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	w := NewWorker(db, time.Millisecond, maxTries, 5*time.Millisecond, zap.NewNop())
	return w, db
}

func TestEnqueueAndExecute(t *testing.T) {
	w, db := testWorker(t, 5)

	var ran int32
	w.Register("noop", func(ctx context.Context, job *store.Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	id, err := w.Enqueue("noop", map[string]string{"k": "v"})
	require.NoError(t, err)

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool {
		j, err := db.GetJob(id)
		return err == nil && j.Status == store.JobSucceeded
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestBackoffDoubles(t *testing.T) {
	w := NewWorker(nil, 2*time.Second, 5, time.Second, zap.NewNop())
	assert.Equal(t, 2*time.Second, w.Backoff(1))
	assert.Equal(t, 4*time.Second, w.Backoff(2))
	assert.Equal(t, 8*time.Second, w.Backoff(3))
	assert.Equal(t, 32*time.Second, w.Backoff(5))
}

func TestFailureReschedulesWithBackoff(t *testing.T) {
	w, db := testWorker(t, 5)

	var attempts int32
	w.Register("flaky", func(ctx context.Context, job *store.Job) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	id, err := w.Enqueue("flaky", nil)
	require.NoError(t, err)

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool {
		j, err := db.GetJob(id)
		return err == nil && j.Status == store.JobSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	j, err := db.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, 3, j.Attempts)
}

func TestDeadLetterAfterExhaustion(t *testing.T) {
	w, db := testWorker(t, 5)

	var attempts int32
	w.Register("doomed", func(ctx context.Context, job *store.Job) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("permanent")
	})

	id, err := w.Enqueue("doomed", nil)
	require.NoError(t, err)

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool {
		j, err := db.GetJob(id)
		return err == nil && j.Status == store.JobDead
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 5, atomic.LoadInt32(&attempts))

	dead, err := w.ListDead(10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "permanent", dead[0].LastError)
}

func TestOperatorRetrySucceeds(t *testing.T) {
	w, db := testWorker(t, 2)

	// Fails until the operator intervenes, then succeeds.
	var broken atomic.Bool
	broken.Store(true)
	w.Register("fixable", func(ctx context.Context, job *store.Job) error {
		if broken.Load() {
			return errors.New("dependency down")
		}
		return nil
	})

	id, err := w.Enqueue("fixable", nil)
	require.NoError(t, err)

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool {
		j, err := db.GetJob(id)
		return err == nil && j.Status == store.JobDead
	}, 2*time.Second, 10*time.Millisecond)

	broken.Store(false)
	require.NoError(t, w.RetryDead(id))

	require.Eventually(t, func() bool {
		j, err := db.GetJob(id)
		return err == nil && j.Status == store.JobSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	// Retried job is gone from the dead-letter set.
	dead, err := w.ListDead(10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestOperatorDiscard(t *testing.T) {
	w, db := testWorker(t, 1)

	w.Register("doomed", func(ctx context.Context, job *store.Job) error {
		return errors.New("permanent")
	})

	id, err := w.Enqueue("doomed", nil)
	require.NoError(t, err)

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool {
		j, err := db.GetJob(id)
		return err == nil && j.Status == store.JobDead
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Discard(id))
	_, err = db.GetJob(id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Discarding a non-dead job is refused.
	assert.ErrorIs(t, w.Discard("missing"), store.ErrNotFound)
}

func TestStalledRunningJobRecovered(t *testing.T) {
	w, db := testWorker(t, 5)

	var ran int32
	w.Register("noop", func(ctx context.Context, job *store.Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	id, err := w.Enqueue("noop", nil)
	require.NoError(t, err)

	// Simulate a process that claimed the job and died before finishing:
	// the row is RUNNING with a claim timestamp far in the past.
	claimed, err := db.ClaimJob(id, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	_, err = db.Exec(`UPDATE jobs SET updated_at = ? WHERE id = ?`,
		time.Now().Add(-time.Hour).UnixMilli(), id)
	require.NoError(t, err)

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool {
		j, err := db.GetJob(id)
		return err == nil && j.Status == store.JobSucceeded
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))

	// The crashed attempt stays counted alongside the successful one.
	j, err := db.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, 2, j.Attempts)
}

func TestUnregisteredKindStaysPending(t *testing.T) {
	w, db := testWorker(t, 5)

	id, err := w.Enqueue("unknown", nil)
	require.NoError(t, err)

	w.Start(context.Background())
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)
	j, err := db.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, j.Status)
	assert.Equal(t, 0, j.Attempts)
}
