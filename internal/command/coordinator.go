// Package command deduplicates client submissions and serializes competing
// state transitions. Protection is two-layer: the idempotency record absorbs
// client retries cheaply, and the store's per-entity lock absorbs races
// between different actors attempting the same transition.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pvieira/mercurio/internal/bus"
	"github.com/pvieira/mercurio/internal/metrics"
	"github.com/pvieira/mercurio/internal/store"
	"go.uber.org/zap"
)

// Error classes recorded alongside outcomes. Transient failures (lock
// timeouts, storage errors) are never recorded: the client is expected to
// retry those with the same key.
const (
	classConflict          = "conflict"
	classInvalidTransition = "invalid_transition"
)

// ConflictError is a server-authoritative rejection of a command, carrying
// detail for user-driven resolution. It is terminal for the submission.
type ConflictError struct {
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Detail)
}

// RejectedError reproduces a previously recorded terminal rejection when the
// same key is submitted again.
type RejectedError struct {
	Class  string
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Detail)
}

// Outcome is the result of a command submission.
type Outcome struct {
	ID      string
	Deduped bool
}

// Operation performs the side effect for a first-time submission and returns
// an outcome identifier.
type Operation func(ctx context.Context) (string, error)

// Coordinator implements submit-side idempotency over the durable store.
type Coordinator struct {
	db        *store.DB
	bus       bus.Publisher
	retention time.Duration
	logger    *zap.Logger
	cancel    context.CancelFunc
}

// NewCoordinator creates a coordinator. retention bounds how long recorded
// outcomes keep answering repeated keys.
func NewCoordinator(db *store.DB, b bus.Publisher, retention time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{db: db, bus: b, retention: retention, logger: logger}
}

// Submit executes op exactly once per key within the retention window.
// Repeat submissions return the recorded outcome (or reproduce the recorded
// terminal rejection) without invoking op. Transient errors pass through
// unrecorded so the client can retry with the same key.
func (c *Coordinator) Submit(ctx context.Context, key string, op Operation) (Outcome, error) {
	if key == "" {
		return Outcome{}, errors.New("idempotency key is required")
	}

	// The whole lookup -> execute -> record sequence holds the key's
	// exclusive section. Without it, concurrent submissions of one key all
	// pass the lookup before the first record lands and each runs op.
	release, err := c.db.Lock(ctx, "key:"+key)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	if rec, err := c.db.GetIdempotency(key, time.Now()); err == nil {
		metrics.CommandsDeduped.Inc()
		c.logger.Info("submission deduped", zap.String("key", key), zap.String("outcome", rec.OutcomeID))
		if rec.ErrorClass != "" {
			return Outcome{Deduped: true}, &RejectedError{Class: rec.ErrorClass, Detail: rec.Detail}
		}
		return Outcome{ID: rec.OutcomeID, Deduped: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, fmt.Errorf("idempotency lookup: %w", err)
	}

	outcomeID, opErr := op(ctx)

	class, detail, terminal := classify(opErr)
	if !terminal {
		return Outcome{}, opErr
	}
	if err := c.db.PutIdempotency(key, outcomeID, class, detail, c.retention); err != nil {
		// The effect is committed; failing the request now would make the
		// client re-submit a key we can no longer answer. Log and continue.
		c.logger.Error("failed to record outcome", zap.Error(err), zap.String("key", key))
	}
	if opErr != nil {
		return Outcome{}, opErr
	}
	return Outcome{ID: outcomeID}, nil
}

// classify maps an operation error to a recorded class. terminal reports
// whether the outcome should be recorded at all.
func classify(err error) (class, detail string, terminal bool) {
	if err == nil {
		return "", "", true
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return classConflict, conflict.Detail, true
	}
	var invalid *store.InvalidTransitionError
	if errors.As(err, &invalid) {
		return classInvalidTransition, invalid.Error(), true
	}
	return "", "", false
}

// StartPruner begins periodically removing idempotency records past their
// retention window.
func (c *Coordinator) StartPruner(ctx context.Context, every time.Duration) {
	ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := c.db.PruneIdempotency(time.Now())
				if err != nil {
					c.logger.Error("idempotency prune failed", zap.Error(err))
				} else if n > 0 {
					c.logger.Info("idempotency records pruned", zap.Int64("count", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopPruner stops the pruner goroutine.
func (c *Coordinator) StopPruner() {
	if c.cancel != nil {
		c.cancel()
	}
}
