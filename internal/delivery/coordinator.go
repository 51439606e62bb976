// Package delivery chooses how a committed message reaches each recipient:
// live push when the recipient is present somewhere, the durable retry queue
// when it is not or a push goes unacknowledged, and pull-on-reconnect once
// retries are spent. The message is durable the moment the store committed
// it; tiers only affect notification latency, never data loss.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pvieira/mercurio/internal/bus"
	"github.com/pvieira/mercurio/internal/command"
	"github.com/pvieira/mercurio/internal/metrics"
	"github.com/pvieira/mercurio/internal/presence"
	"github.com/pvieira/mercurio/internal/queue"
	"github.com/pvieira/mercurio/internal/store"
	"go.uber.org/zap"
)

// Event kinds pushed to live clients.
const (
	KindDeliverMessage = "deliver.message"
	KindDeliveryUpdate = "delivery.update"
)

// JobKindNotify is the retry-queue job kind for tier-2 notification.
const JobKindNotify = "notify"

// notifyPayload is the retry job payload.
type notifyPayload struct {
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	RecipientID    string `json:"recipient_id"`
}

// Coordinator drives the per-(message, recipient) delivery state machine:
// CREATED -> {LIVE_DELIVERED | QUEUED | AWAITING_PULL} -> ACKNOWLEDGED.
type Coordinator struct {
	db        *store.DB
	presence  *presence.Registry
	publisher bus.Publisher
	sub       Subscriber
	queue     *queue.Worker
	ackWindow time.Duration
	window    time.Duration
	logger    *zap.Logger
	cancel    context.CancelFunc
}

// Subscriber is the subscribe side the coordinator needs; both the bus and
// the router satisfy it.
type Subscriber interface {
	Subscribe(topic string, bufSize int) (<-chan bus.Event, func())
}

// NewCoordinator creates a delivery coordinator and registers its retry-job
// handler with the queue worker. window is the redelivery window: once it
// closes, a receipt stops cycling through push and retry and is left to the
// pull tier.
func NewCoordinator(db *store.DB, reg *presence.Registry, pub bus.Publisher, sub Subscriber, w *queue.Worker, ackWindow, window time.Duration, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		db:        db,
		presence:  reg,
		publisher: pub,
		sub:       sub,
		queue:     w,
		ackWindow: ackWindow,
		window:    window,
		logger:    logger,
	}
	w.Register(JobKindNotify, c.handleNotifyJob)
	return c
}

// Start subscribes to committed-message events and dispatches them. It also
// sweeps up live deliveries whose ack timer was lost to a restart: timers
// are process-local, so those receipts have no pending fallback anywhere.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.recoverStranded()
	ch, unsub := c.sub.Subscribe(command.KindMessageCommitted, 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				msg, ok := evt.Payload.(*store.Message)
				if !ok {
					continue
				}
				if err := c.Dispatch(msg); err != nil {
					c.logger.Error("dispatch failed", zap.Error(err),
						zap.String("conversation", msg.ConversationID),
						zap.Int64("seq", msg.Seq))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the coordinator.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Dispatch selects a delivery tier for every recipient of msg. It never
// blocks the submit path: callers hand it committed messages asynchronously.
func (c *Coordinator) Dispatch(msg *store.Message) error {
	conv, err := c.db.GetConversation(msg.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	for _, recipient := range conv.Participants {
		if recipient == msg.SenderID {
			continue
		}
		if err := c.dispatchOne(msg, recipient); err != nil {
			return fmt.Errorf("recipient %s: %w", recipient, err)
		}
	}
	return nil
}

func (c *Coordinator) dispatchOne(msg *store.Message, recipient string) error {
	if err := c.db.CreateReceipt(msg.ConversationID, msg.Seq, recipient); err != nil {
		return fmt.Errorf("create receipt: %w", err)
	}

	online, err := c.presence.Online(recipient)
	if err != nil {
		return fmt.Errorf("presence check: %w", err)
	}
	if online {
		c.push(msg, recipient)
		if err := c.db.SetReceiptStatus(msg.ConversationID, msg.Seq, recipient, store.ReceiptLiveDelivered); err != nil {
			return err
		}
		metrics.Deliveries.WithLabelValues("live").Inc()
		c.armAckTimer(msg, recipient)
		return nil
	}

	return c.enqueueNotify(msg.ConversationID, msg.Seq, recipient)
}

// push publishes the live-push event; the fan-out router carries it to the
// node holding the recipient's connection.
func (c *Coordinator) push(msg *store.Message, recipient string) {
	c.publisher.Publish(bus.Event{
		Kind:           KindDeliverMessage,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		Identity:       recipient,
		Timestamp:      time.Now(),
		Payload:        msg,
	})
}

// armAckTimer downgrades an unacknowledged live delivery to the retry queue
// once the ack window closes, or to the pull tier once the redelivery window
// has. Without the second bound a present recipient that never acks would
// cycle push -> timer -> retry with a fresh attempt budget each round.
func (c *Coordinator) armAckTimer(msg *store.Message, recipient string) {
	conversationID, seq := msg.ConversationID, msg.Seq
	time.AfterFunc(c.ackWindow, func() {
		r, err := c.db.GetReceipt(conversationID, seq, recipient)
		if err != nil {
			c.logger.Error("ack check failed", zap.Error(err))
			return
		}
		if r.Status == store.ReceiptAcknowledged {
			return
		}
		if c.windowClosed(r.CreatedAt) {
			if err := c.leaveToPull(conversationID, seq, recipient); err != nil {
				c.logger.Error("pull fallback failed", zap.Error(err))
			}
			return
		}
		if err := c.enqueueNotify(conversationID, seq, recipient); err != nil {
			c.logger.Error("ack fallback enqueue failed", zap.Error(err))
		}
	})
}

// windowClosed reports whether the redelivery window opened at createdAt
// (unix millis, receipt creation) has passed.
func (c *Coordinator) windowClosed(createdAt int64) bool {
	return time.Since(time.UnixMilli(createdAt)) > c.window
}

// leaveToPull parks a receipt on the pull tier; the committed log resolves
// it on the recipient's next history read.
func (c *Coordinator) leaveToPull(conversationID string, seq int64, recipient string) error {
	if err := c.db.SetReceiptStatus(conversationID, seq, recipient, store.ReceiptAwaitingPull); err != nil {
		return err
	}
	metrics.Deliveries.WithLabelValues("pull").Inc()
	c.logger.Info("delivery left to pull",
		zap.String("conversation", conversationID),
		zap.Int64("seq", seq),
		zap.String("recipient", recipient))
	return nil
}

// recoverStranded re-queues live deliveries pushed before a restart and
// still unacked past the ack window.
func (c *Coordinator) recoverStranded() {
	receipts, err := c.db.StaleLiveReceipts(time.Now().Add(-c.ackWindow))
	if err != nil {
		c.logger.Error("stranded receipt scan failed", zap.Error(err))
		return
	}
	for i := range receipts {
		r := &receipts[i]
		if c.windowClosed(r.CreatedAt) {
			if err := c.leaveToPull(r.ConversationID, r.Seq, r.RecipientID); err != nil {
				c.logger.Error("pull fallback failed", zap.Error(err))
			}
			continue
		}
		if err := c.enqueueNotify(r.ConversationID, r.Seq, r.RecipientID); err != nil {
			c.logger.Error("stranded receipt enqueue failed", zap.Error(err))
		}
	}
}

func (c *Coordinator) enqueueNotify(conversationID string, seq int64, recipient string) error {
	if _, err := c.queue.Enqueue(JobKindNotify, notifyPayload{
		ConversationID: conversationID,
		Seq:            seq,
		RecipientID:    recipient,
	}); err != nil {
		return fmt.Errorf("enqueue notify: %w", err)
	}
	if err := c.db.SetReceiptStatus(conversationID, seq, recipient, store.ReceiptQueued); err != nil {
		return err
	}
	metrics.Deliveries.WithLabelValues("queued").Inc()
	return nil
}

// handleNotifyJob runs one tier-2 notification attempt. On the final attempt
// with the recipient still unreachable, the receipt falls back to
// AWAITING_PULL: the committed log resolves the message on reconnect, so the
// job ends successfully instead of dead-lettering.
func (c *Coordinator) handleNotifyJob(ctx context.Context, job *store.Job) error {
	var p notifyPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return fmt.Errorf("decode notify payload: %w", err)
	}

	r, err := c.db.GetReceipt(p.ConversationID, p.Seq, p.RecipientID)
	if err != nil {
		return fmt.Errorf("load receipt: %w", err)
	}
	if r.Status == store.ReceiptAcknowledged {
		return nil
	}
	if c.windowClosed(r.CreatedAt) {
		return c.leaveToPull(p.ConversationID, p.Seq, p.RecipientID)
	}

	online, err := c.presence.Online(p.RecipientID)
	if err != nil {
		return fmt.Errorf("presence check: %w", err)
	}
	if online {
		msgs, err := c.db.ReadSince(p.ConversationID, p.Seq-1, 1)
		if err != nil {
			return fmt.Errorf("load message: %w", err)
		}
		if len(msgs) == 0 || msgs[0].Seq != p.Seq {
			return fmt.Errorf("message %s:%d missing from log", p.ConversationID, p.Seq)
		}
		c.push(&msgs[0], p.RecipientID)
		if err := c.db.SetReceiptStatus(p.ConversationID, p.Seq, p.RecipientID, store.ReceiptLiveDelivered); err != nil {
			return err
		}
		c.armAckTimer(&msgs[0], p.RecipientID)
		return nil
	}

	if job.Attempts >= job.MaxAttempts {
		return c.leaveToPull(p.ConversationID, p.Seq, p.RecipientID)
	}
	return errors.New("recipient offline")
}

// Ack records a recipient's acknowledgment and notifies the sender's live
// sessions. Acking a (message, recipient) with no receipt returns
// store.ErrNotFound; a repeated ack succeeds without a second update event.
func (c *Coordinator) Ack(conversationID string, seq int64, recipientID string) error {
	r, err := c.db.GetReceipt(conversationID, seq, recipientID)
	if err != nil {
		return err
	}
	if r.Status == store.ReceiptAcknowledged {
		return nil
	}
	if err := c.db.SetReceiptStatus(conversationID, seq, recipientID, store.ReceiptAcknowledged); err != nil {
		return err
	}
	metrics.Acks.Inc()

	msgs, err := c.db.ReadSince(conversationID, seq-1, 1)
	if err != nil || len(msgs) == 0 || msgs[0].Seq != seq {
		// The update event is best effort; the receipt itself is recorded.
		return nil
	}
	c.publisher.Publish(bus.Event{
		Kind:           KindDeliveryUpdate,
		ConversationID: conversationID,
		Seq:            seq,
		Identity:       msgs[0].SenderID,
		Timestamp:      time.Now(),
		Payload: map[string]any{
			"conversation_id": conversationID,
			"seq":             seq,
			"recipient_id":    recipientID,
			"status":          store.ReceiptAcknowledged,
		},
	})
	return nil
}

// StartRetirer begins periodically deleting receipts whose redelivery window
// has closed.
func (c *Coordinator) StartRetirer(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := c.db.RetireReceipts(time.Now().Add(-c.window))
				if err != nil {
					c.logger.Error("receipt retirement failed", zap.Error(err))
				} else if n > 0 {
					c.logger.Info("receipts retired", zap.Int64("count", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
