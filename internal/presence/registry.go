// Package presence tracks which identity is reachable on which node.
// A record lasts one heartbeat window; expiry is the authority for
// "offline", because disconnect notifications can be lost.
package presence

import (
	"context"
	"time"

	"github.com/pvieira/mercurio/internal/store"
	"go.uber.org/zap"
)

// Registry refreshes and queries presence rows in the shared store.
type Registry struct {
	db     *store.DB
	nodeID string
	ttl    time.Duration
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewRegistry creates a registry for this node. ttl is the silence window
// after which an un-refreshed record counts as offline (heartbeat interval
// times a multiplier, typically 1.5).
func NewRegistry(db *store.DB, nodeID string, ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{db: db, nodeID: nodeID, ttl: ttl, logger: logger}
}

// Heartbeat refreshes the presence record for identity on this node.
// Idempotent and cheap; it never contends with message paths.
func (r *Registry) Heartbeat(identity string) error {
	return r.db.UpsertPresence(identity, r.nodeID, time.Now().Add(r.ttl))
}

// Nodes returns the node ids on which identity currently has a live
// connection. Empty means offline.
func (r *Registry) Nodes(identity string) ([]string, error) {
	return r.db.PresenceNodes(identity, time.Now())
}

// Online reports whether identity has any unexpired presence record.
func (r *Registry) Online(identity string) (bool, error) {
	nodes, err := r.Nodes(identity)
	if err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}

// StartReaper begins periodically deleting long-expired rows. Reads never
// trust expired rows, so this is storage hygiene, not correctness.
func (r *Registry) StartReaper(ctx context.Context, every time.Duration) {
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := r.db.ReapPresence(time.Now().Add(-r.ttl))
				if err != nil {
					r.logger.Error("presence reap failed", zap.Error(err))
				} else if n > 0 {
					r.logger.Info("presence rows reaped", zap.Int64("count", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopReaper stops the reaper goroutine.
func (r *Registry) StopReaper() {
	if r.cancel != nil {
		r.cancel()
	}
}
