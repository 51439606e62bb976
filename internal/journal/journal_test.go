package journal

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeSubmitter struct {
	mu    sync.Mutex
	keys  []string
	kinds []string
	fn    func(key, kind string) (string, error)
}

func (f *fakeSubmitter) Submit(_ context.Context, key, kind, _ string, _ json.RawMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.kinds = append(f.kinds, kind)
	if f.fn != nil {
		return f.fn(key, kind)
	}
	return "outcome-" + key, nil
}

func (f *fakeSubmitter) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

func TestRecordBeforeSend(t *testing.T) {
	s := testStore(t)

	e, err := s.Record(KindMessage, "conv-1", json.RawMessage(`{"body":"hi"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.NotEmpty(t, e.IdempotencyKey)
	assert.Equal(t, StatusPendingSync, e.Status)

	pending, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, e.IdempotencyKey, pending[0].IdempotencyKey)
	assert.JSONEq(t, `{"body":"hi"}`, string(pending[0].Payload))
}

func TestReplayInCaptureOrder(t *testing.T) {
	s := testStore(t)
	sub := &fakeSubmitter{}
	eng := NewEngine(s, sub, time.Millisecond, 3, time.Minute, zap.NewNop())

	var keys []string
	for i := 0; i < 3; i++ {
		e, err := s.Record(KindMessage, "conv-1", json.RawMessage(`{}`))
		require.NoError(t, err)
		keys = append(keys, e.IdempotencyKey)
		time.Sleep(2 * time.Millisecond) // distinct created_at
	}

	eng.pass(context.Background())

	assert.Equal(t, keys, sub.submitted())
	pending, err := s.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	entries, err := s.List()
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, StatusSynced, e.Status)
		assert.Equal(t, "outcome-"+e.IdempotencyKey, e.OutcomeID)
	}
}

func TestConflictIsTerminal(t *testing.T) {
	s := testStore(t)
	sub := &fakeSubmitter{fn: func(string, string) (string, error) {
		return "", &ConflictError{Detail: "order already accepted"}
	}}
	eng := NewEngine(s, sub, time.Millisecond, 3, time.Minute, zap.NewNop())

	e, err := s.Record(KindTransition, "order-1", json.RawMessage(`{"to":"ACCEPTED"}`))
	require.NoError(t, err)

	eng.pass(context.Background())
	eng.pass(context.Background())

	got, err := s.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, got.Status)
	assert.Equal(t, "order already accepted", got.Detail)
	// Exactly one submit: conflicts are not retried.
	assert.Len(t, sub.submitted(), 1)
}

func TestTransportFailureBlocksLaterEntries(t *testing.T) {
	s := testStore(t)
	sub := &fakeSubmitter{fn: func(string, string) (string, error) {
		return "", errors.New("connection refused")
	}}
	eng := NewEngine(s, sub, time.Millisecond, 5, time.Minute, zap.NewNop())

	first, err := s.Record(KindMessage, "conv-1", json.RawMessage(`{}`))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.Record(KindMessage, "conv-1", json.RawMessage(`{}`))
	require.NoError(t, err)

	eng.pass(context.Background())

	// Only the first entry was attempted; the second waits behind it.
	require.Len(t, sub.submitted(), 1)
	assert.Equal(t, first.IdempotencyKey, sub.submitted()[0])
}

func TestRetryCapMarksFailed(t *testing.T) {
	s := testStore(t)
	sub := &fakeSubmitter{fn: func(string, string) (string, error) {
		return "", errors.New("connection refused")
	}}
	eng := NewEngine(s, sub, time.Millisecond, 3, time.Minute, zap.NewNop())

	e, err := s.Record(KindOrder, "store-1", json.RawMessage(`{}`))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		eng.pass(context.Background())
	}

	got, err := s.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "connection refused", got.Detail)

	// Further passes leave it parked.
	eng.pass(context.Background())
	assert.Len(t, sub.submitted(), 3)
}

func TestKickCutsBackoffShort(t *testing.T) {
	s := testStore(t)
	var calls int
	var mu sync.Mutex
	sub := &fakeSubmitter{fn: func(string, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return "", errors.New("connection refused")
		}
		return "outcome-1", nil
	}}
	eng := NewEngine(s, sub, time.Hour, 5, time.Hour, zap.NewNop())

	e, err := s.Record(KindMessage, "conv-1", json.RawMessage(`{}`))
	require.NoError(t, err)

	eng.Start(context.Background())
	defer eng.Stop()

	// Let the first attempt fail and the engine settle into its backoff.
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first attempt never happened")
		case <-time.After(5 * time.Millisecond):
		}
	}

	eng.Kick()

	deadline = time.After(2 * time.Second)
	for {
		got, err := s.Get(e.ID)
		require.NoError(t, err)
		if got.Status == StatusSynced {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("entry never synced after kick, status %s", got.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRequeueAndResolve(t *testing.T) {
	s := testStore(t)

	e, err := s.Record(KindMessage, "conv-1", json.RawMessage(`{}`))
	require.NoError(t, err)

	// Fresh entries are not requeueable or resolvable.
	assert.Error(t, s.Requeue(e.ID))
	assert.Error(t, s.Resolve(e.ID))

	require.NoError(t, s.MarkFailed(e.ID, "connection refused"))
	require.NoError(t, s.Requeue(e.ID))

	got, err := s.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingSync, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.Detail)

	require.NoError(t, s.MarkConflict(e.ID, "stale"))
	require.NoError(t, s.Resolve(e.ID))
	_, err = s.Get(e.ID)
	assert.Error(t, err)
}

func TestCheckpoints(t *testing.T) {
	s := testStore(t)

	seq, err := s.Checkpoint("conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	require.NoError(t, s.SetCheckpoint("conv-1", 6))
	require.NoError(t, s.SetCheckpoint("conv-2", 2))
	require.NoError(t, s.SetCheckpoint("conv-1", 7))

	seq, err = s.Checkpoint("conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)

	seq, err = s.Checkpoint("conv-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}
