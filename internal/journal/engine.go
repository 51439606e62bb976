package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ConflictError is returned by a Submitter when the daemon classified the
// command as a conflict. The entry is parked until the user resolves it.
type ConflictError struct {
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("server rejected command: %s", e.Detail)
}

// Submitter replays a journal entry against the daemon. Implementations
// must return a *ConflictError for server-classified rejections; any other
// error is treated as a transport failure and retried.
type Submitter interface {
	Submit(ctx context.Context, key, kind, target string, payload json.RawMessage) (outcomeID string, err error)
}

// Engine replays pending journal entries in capture order. A single
// sequential worker preserves causal order: a transport failure on one
// entry blocks everything recorded after it.
type Engine struct {
	store       *Store
	submitter   Submitter
	base        time.Duration
	maxAttempts int
	poll        time.Duration
	logger      *zap.Logger

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a sync engine over the given journal store.
func NewEngine(store *Store, submitter Submitter, base time.Duration, maxAttempts int, poll time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		store:       store,
		submitter:   submitter,
		base:        base,
		maxAttempts: maxAttempts,
		poll:        poll,
		logger:      logger,
		kick:        make(chan struct{}, 1),
	}
}

// Start begins the replay loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.loop(ctx)
}

// Stop stops the replay loop and waits for it to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Kick wakes the engine immediately, cancelling any in-flight backoff
// wait. Call it when connectivity returns.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		if e.pass(ctx) {
			// A kick cut the backoff short; restart immediately.
			continue
		}
		select {
		case <-ticker.C:
		case <-e.kick:
		case <-ctx.Done():
			return
		}
	}
}

// pass replays pending entries oldest-first. On a transport failure it
// stops (after waiting out the backoff) so the next pass starts from the
// top and order is preserved. Returns true when the wait was interrupted
// by a kick and the pass should restart right away.
func (e *Engine) pass(ctx context.Context) bool {
	pending, err := e.store.Pending()
	if err != nil {
		e.logger.Error("failed to read journal", zap.Error(err))
		return false
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return false
		}

		outcomeID, err := e.submitter.Submit(ctx, entry.IdempotencyKey, entry.Kind, entry.Target, entry.Payload)
		if err == nil {
			if err := e.store.MarkSynced(entry.ID, outcomeID); err != nil {
				e.logger.Error("failed to mark synced", zap.Error(err), zap.String("entry", entry.ID))
			}
			continue
		}

		var conflict *ConflictError
		if errors.As(err, &conflict) {
			e.logger.Warn("entry conflicted",
				zap.String("entry", entry.ID),
				zap.String("detail", conflict.Detail))
			if err := e.store.MarkConflict(entry.ID, conflict.Detail); err != nil {
				e.logger.Error("failed to mark conflict", zap.Error(err), zap.String("entry", entry.ID))
			}
			continue
		}

		attempts, berr := e.store.BumpAttempts(entry.ID)
		if berr != nil {
			e.logger.Error("failed to bump attempts", zap.Error(berr), zap.String("entry", entry.ID))
			return false
		}
		if attempts >= e.maxAttempts {
			e.logger.Error("entry failed permanently",
				zap.String("entry", entry.ID),
				zap.Int("attempts", attempts),
				zap.Error(err))
			if err := e.store.MarkFailed(entry.ID, err.Error()); err != nil {
				e.logger.Error("failed to mark failed", zap.Error(err), zap.String("entry", entry.ID))
			}
			continue
		}

		e.logger.Warn("sync attempt failed, backing off",
			zap.String("entry", entry.ID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return e.wait(ctx, e.backoff(attempts))
	}
	return false
}

// wait blocks for d, or until a kick or shutdown cuts it short. Reports
// whether a kick interrupted it.
func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-e.kick:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) backoff(attempts int) time.Duration {
	d := e.base
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}
