// Package router propagates events published on any node to every node that
// may hold a relevant live connection. Locally it delegates to the in-process
// bus; across nodes it POSTs envelopes to each configured peer. The transport
// is at-least-once: envelopes carry an id for receiver-side dedup, and every
// message-derived event carries the conversation sequence so downstream
// consumers can discard duplicates or reorder on their own.
//
// The router holds no business state. A subscriber that crashes simply
// resubscribes.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pvieira/mercurio/internal/bus"
	"go.uber.org/zap"
)

// Envelope is the wire form of an event crossing nodes.
type Envelope struct {
	ID             string          `json:"id"`
	Origin         string          `json:"origin"`
	Kind           string          `json:"kind"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Seq            int64           `json:"seq,omitempty"`
	Identity       string          `json:"identity,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Router fans events out to the local bus and to peer nodes.
type Router struct {
	bus     *bus.Bus
	nodeID  string
	peers   []string
	forward []string
	client  *http.Client
	logger  *zap.Logger
	seen    *seenSet
}

// New creates a router. peers are base URLs of the other nodes
// (http://host:port). forward lists the kind prefixes that are propagated to
// peers; everything else stays node-local.
func New(b *bus.Bus, nodeID string, peers []string, forward []string, logger *zap.Logger) *Router {
	return &Router{
		bus:     b,
		nodeID:  nodeID,
		peers:   peers,
		forward: forward,
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
		seen:    newSeenSet(4096),
	}
}

// Publish delivers evt to local subscribers and, for forwarded kinds, to
// every peer. Peer delivery is fire-and-forget relative to the caller;
// a failed peer is retried once and then dropped, because receivers always
// reconcile through the durable log.
func (r *Router) Publish(evt bus.Event) {
	r.bus.Publish(evt)

	if len(r.peers) == 0 || !r.forwarded(evt.Kind) {
		return
	}

	env, err := r.envelope(evt)
	if err != nil {
		r.logger.Error("failed to encode envelope", zap.Error(err), zap.String("kind", evt.Kind))
		return
	}
	for _, peer := range r.peers {
		go r.send(peer, env)
	}
}

// Subscribe delegates to the local bus.
func (r *Router) Subscribe(topic string, bufSize int) (<-chan bus.Event, func()) {
	return r.bus.Subscribe(topic, bufSize)
}

// HandleInbound ingests an envelope received from a peer, republishing it on
// the local bus only (never re-forwarded, so a full mesh cannot loop).
// Duplicate envelopes are discarded.
func (r *Router) HandleInbound(env *Envelope) {
	if env.Origin == r.nodeID {
		return
	}
	if !r.seen.add(env.ID) {
		return
	}
	r.bus.Publish(bus.Event{
		Kind:           env.Kind,
		ConversationID: env.ConversationID,
		Seq:            env.Seq,
		Identity:       env.Identity,
		Timestamp:      env.Timestamp,
		Payload:        env.Payload,
	})
}

func (r *Router) forwarded(kind string) bool {
	for _, prefix := range r.forward {
		if strings.HasPrefix(kind, prefix) {
			return true
		}
	}
	return false
}

func (r *Router) envelope(evt bus.Event) (*Envelope, error) {
	raw, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:             uuid.NewString(),
		Origin:         r.nodeID,
		Kind:           evt.Kind,
		ConversationID: evt.ConversationID,
		Seq:            evt.Seq,
		Identity:       evt.Identity,
		Timestamp:      evt.Timestamp,
		Payload:        raw,
	}, nil
}

func (r *Router) send(peer string, env *Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("failed to encode envelope", zap.Error(err))
		return
	}

	// One immediate retry; past that the peer's clients catch up via pull.
	for attempt := 0; attempt < 2; attempt++ {
		if err = r.post(peer, body); err == nil {
			return
		}
	}
	r.logger.Warn("peer fan-out dropped",
		zap.String("peer", peer),
		zap.String("kind", env.Kind),
		zap.Error(err))
}

func (r *Router) post(peer string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer+"/internal/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("peer returned %d", resp.StatusCode)
	}
	return nil
}

// seenSet is a bounded set of envelope ids used to drop duplicates from the
// at-least-once peer transport.
type seenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	cap   int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		ids: make(map[string]struct{}, capacity),
		cap: capacity,
	}
}

// add returns false if id was already present.
func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	return true
}
