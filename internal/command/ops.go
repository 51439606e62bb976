package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pvieira/mercurio/internal/bus"
	"github.com/pvieira/mercurio/internal/metrics"
	"github.com/pvieira/mercurio/internal/order"
	"github.com/pvieira/mercurio/internal/store"
	"go.uber.org/zap"
)

// Domain event kinds published after committed effects. Events are published
// only on first execution, never on deduped replays.
const (
	KindMessageCommitted = "message.committed"
	KindOrderPlaced      = "order.placed"
	KindOrderStatus      = "order.status"
)

// MessageOutcomeID renders the canonical outcome id for a committed message.
func MessageOutcomeID(conversationID string, seq int64) string {
	return fmt.Sprintf("%s:%d", conversationID, seq)
}

// SendMessage appends a message to a conversation, using key as both the
// idempotency key and the correlation id. A correlation the sender already
// committed is benign: the prior sequence is returned as the outcome and
// nothing is re-appended.
func (c *Coordinator) SendMessage(ctx context.Context, key, conversationID, senderID, payload string) (Outcome, error) {
	return c.Submit(ctx, key, func(ctx context.Context) (string, error) {
		msg, err := c.db.Append(ctx, conversationID, senderID, key, payload)
		if err != nil {
			var dup *store.DuplicateCorrelationError
			if errors.As(err, &dup) {
				return MessageOutcomeID(conversationID, dup.Seq), nil
			}
			return "", err
		}

		metrics.MessagesCommitted.Inc()
		c.bus.Publish(bus.Event{
			Kind:           KindMessageCommitted,
			ConversationID: msg.ConversationID,
			Seq:            msg.Seq,
			Timestamp:      time.Now(),
			Payload:        msg,
		})
		c.logger.Info("message committed",
			zap.String("conversation", msg.ConversationID),
			zap.Int64("seq", msg.Seq),
			zap.String("sender", senderID))
		return MessageOutcomeID(conversationID, msg.Seq), nil
	})
}

// PlaceOrder creates an order and its conversation. The conversation id is
// the order id; participants are the customer and the store identity.
func (c *Coordinator) PlaceOrder(ctx context.Context, key, customerID, storeID, payload string) (Outcome, error) {
	return c.Submit(ctx, key, func(ctx context.Context) (string, error) {
		o := &store.Order{
			ID:         uuid.NewString(),
			CustomerID: customerID,
			StoreID:    storeID,
			Payload:    payload,
		}
		if err := c.db.CreateOrder(o); err != nil {
			return "", err
		}
		if err := c.db.EnsureConversation(o.ID, o.ID, []string{customerID, storeID}); err != nil {
			return "", err
		}

		c.bus.Publish(bus.Event{
			Kind:      KindOrderPlaced,
			Identity:  storeID,
			Timestamp: time.Now(),
			Payload:   o,
		})
		c.logger.Info("order placed", zap.String("order", o.ID), zap.String("customer", customerID))
		return o.ID, nil
	})
}

// Transition moves an order to the target state on behalf of actor. Exactly
// one of several concurrent attempts at the same transition succeeds; the
// rest observe InvalidTransitionError (recorded, so their retries observe it
// too).
func (c *Coordinator) Transition(ctx context.Context, key, orderID, actorID string, target order.State) (Outcome, error) {
	if !order.Valid(target) {
		return Outcome{}, &ConflictError{Detail: fmt.Sprintf("unknown order state %q", target)}
	}
	return c.Submit(ctx, key, func(ctx context.Context) (string, error) {
		o, err := c.db.TransitionOrder(ctx, orderID, actorID, target)
		if err != nil {
			return "", err
		}

		c.bus.Publish(bus.Event{
			Kind:      KindOrderStatus,
			Identity:  o.CustomerID,
			Timestamp: time.Now(),
			Payload:   o,
		})
		c.logger.Info("order transitioned",
			zap.String("order", orderID),
			zap.String("state", o.State),
			zap.String("actor", actorID))
		return orderID, nil
	})
}
