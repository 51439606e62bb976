// Package queue implements the durable retry queue: jobs persisted in the
// shared store, executed by a polling worker with exponential backoff, and
// moved to a dead-letter set once their attempt budget is exhausted.
// Dead-lettered jobs stay inspectable and can be retried or discarded by an
// operator.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pvieira/mercurio/internal/metrics"
	"github.com/pvieira/mercurio/internal/store"
	"go.uber.org/zap"
)

// Handler executes one attempt of a job. The job carries its attempt count
// and budget so handlers that want a different terminal behavior than
// dead-lettering (e.g. falling back to pull delivery) can detect the final
// attempt.
type Handler func(ctx context.Context, job *store.Job) error

// Worker polls the store for eligible jobs and executes registered handlers.
type Worker struct {
	db       *store.DB
	logger   *zap.Logger
	base     time.Duration
	maxTries int
	poll     time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a queue worker. base is the first retry delay; delays
// double per attempt. maxTries bounds attempts per job (including the first).
func NewWorker(db *store.DB, base time.Duration, maxTries int, poll time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		db:       db,
		logger:   logger,
		base:     base,
		maxTries: maxTries,
		poll:     poll,
		handlers: make(map[string]Handler),
	}
}

// Register installs the handler for a job kind. Jobs of unregistered kinds
// stay pending until a handler appears.
func (w *Worker) Register(kind string, h Handler) {
	w.mu.Lock()
	w.handlers[kind] = h
	w.mu.Unlock()
}

// Enqueue persists a job for asynchronous execution. payload is JSON-encoded.
func (w *Worker) Enqueue(kind string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	j := &store.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     string(raw),
		MaxAttempts: w.maxTries,
	}
	if err := w.db.InsertJob(j); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return j.ID, nil
}

// Start begins polling for eligible jobs.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)
}

// Stop stops the worker and waits for the current pass to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.processEligible(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// staleClaimAfter is how long a job may sit RUNNING before a worker assumes
// its claimant died and returns it to the queue. Attempts are short-lived;
// anything this old belongs to a crashed process.
const staleClaimAfter = 2 * time.Minute

func (w *Worker) processEligible(ctx context.Context) {
	if n, err := w.db.RecoverStalledJobs(time.Now().Add(-staleClaimAfter)); err != nil {
		w.logger.Error("failed to recover stalled jobs", zap.Error(err))
	} else if n > 0 {
		w.logger.Warn("stalled jobs returned to queue", zap.Int64("count", n))
	}

	jobs, err := w.db.EligibleJobs(time.Now(), 50)
	if err != nil {
		w.logger.Error("failed to read eligible jobs", zap.Error(err))
		return
	}

	for i := range jobs {
		job := jobs[i]
		w.mu.RLock()
		h, ok := w.handlers[job.Kind]
		w.mu.RUnlock()
		if !ok {
			continue
		}

		claimed, err := w.db.ClaimJob(job.ID, time.Now())
		if err != nil {
			w.logger.Error("failed to claim job", zap.Error(err), zap.String("job", job.ID))
			continue
		}
		if !claimed {
			// Another worker got there first.
			continue
		}
		job.Attempts++

		if err := h(ctx, &job); err != nil {
			w.handleFailure(&job, err)
			continue
		}
		if err := w.db.CompleteJob(job.ID); err != nil {
			w.logger.Error("failed to complete job", zap.Error(err), zap.String("job", job.ID))
		}
	}
}

func (w *Worker) handleFailure(job *store.Job, cause error) {
	if job.Attempts >= job.MaxAttempts {
		metrics.JobsDead.Inc()
		w.logger.Warn("job dead-lettered",
			zap.String("job", job.ID),
			zap.String("kind", job.Kind),
			zap.Int("attempts", job.Attempts),
			zap.Error(cause))
		if err := w.db.DeadLetterJob(job.ID, cause.Error()); err != nil {
			w.logger.Error("failed to dead-letter job", zap.Error(err), zap.String("job", job.ID))
		}
		return
	}

	delay := w.Backoff(job.Attempts)
	metrics.JobsRetried.Inc()
	w.logger.Info("job rescheduled",
		zap.String("job", job.ID),
		zap.String("kind", job.Kind),
		zap.Int("attempt", job.Attempts),
		zap.Duration("delay", delay),
		zap.Error(cause))
	if err := w.db.RescheduleJob(job.ID, time.Now().Add(delay), cause.Error()); err != nil {
		w.logger.Error("failed to reschedule job", zap.Error(err), zap.String("job", job.ID))
	}
}

// Backoff returns the delay before the next attempt after the given attempt
// count: base doubling per completed attempt.
func (w *Worker) Backoff(attempts int) time.Duration {
	delay := w.base
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

// ListDead returns the dead-letter set for operator inspection.
func (w *Worker) ListDead(limit int) ([]store.Job, error) {
	return w.db.DeadJobs(limit)
}

// RetryDead returns a dead-lettered job to the queue with a fresh attempt
// budget.
func (w *Worker) RetryDead(id string) error {
	return w.db.ReviveJob(id)
}

// Discard removes a dead-lettered job permanently.
func (w *Worker) Discard(id string) error {
	return w.db.DiscardJob(id)
}
