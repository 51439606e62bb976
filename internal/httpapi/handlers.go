package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pvieira/mercurio/internal/api"
	"github.com/pvieira/mercurio/internal/command"
	"github.com/pvieira/mercurio/internal/keylock"
	"github.com/pvieira/mercurio/internal/order"
	"github.com/pvieira/mercurio/internal/router"
	"github.com/pvieira/mercurio/internal/store"
)

const historyDefaultLimit = 200

func (s *Server) handleCommand(c *gin.Context) {
	var req api.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed body")
		return
	}
	if req.IdempotencyKey == "" || req.Target == "" {
		badRequest(c, "idempotency_key and target are required")
		return
	}

	var (
		outcome command.Outcome
		err     error
	)
	switch req.Kind {
	case api.CommandMessage:
		var p api.MessagePayload
		if uerr := json.Unmarshal(req.Payload, &p); uerr != nil || p.SenderID == "" {
			badRequest(c, "message payload needs sender_id and body")
			return
		}
		outcome, err = s.cmd.SendMessage(c.Request.Context(), req.IdempotencyKey, req.Target, p.SenderID, p.Body)
	case api.CommandOrder:
		var p api.OrderPayload
		if uerr := json.Unmarshal(req.Payload, &p); uerr != nil || p.CustomerID == "" {
			badRequest(c, "order payload needs customer_id")
			return
		}
		outcome, err = s.cmd.PlaceOrder(c.Request.Context(), req.IdempotencyKey, p.CustomerID, req.Target, p.Detail)
	case api.CommandTransition:
		var p api.TransitionPayload
		if uerr := json.Unmarshal(req.Payload, &p); uerr != nil || p.ActorID == "" || p.To == "" {
			badRequest(c, "transition payload needs actor_id and to")
			return
		}
		outcome, err = s.cmd.Transition(c.Request.Context(), req.IdempotencyKey, req.Target, p.ActorID, order.State(p.To))
	default:
		badRequest(c, "unknown command kind "+req.Kind)
		return
	}

	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.CommandResponse{OutcomeID: outcome.ID, Deduped: outcome.Deduped})
}

func (s *Server) handleHistory(c *gin.Context) {
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		badRequest(c, "after must be a non-negative integer")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(historyDefaultLimit)))
	if err != nil || limit <= 0 {
		badRequest(c, "limit must be a positive integer")
		return
	}

	msgs, err := s.db.ReadSince(c.Param("id"), after, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := api.MessagesResponse{Messages: make([]api.Message, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, api.Message{
			ConversationID: m.ConversationID,
			Seq:            m.Seq,
			SenderID:       m.SenderID,
			CorrelationID:  m.CorrelationID,
			Payload:        m.Payload,
			CommittedAt:    m.CommittedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// handleTransition is the keyless convenience form: callers that do not
// journal their intent get a fresh key per request. The per-order lock still
// serializes competing attempts.
func (s *Server) handleTransition(c *gin.Context) {
	var req api.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ActorID == "" || req.To == "" {
		badRequest(c, "actor_id and to are required")
		return
	}

	orderID := c.Param("id")
	if _, err := s.cmd.Transition(c.Request.Context(), uuid.NewString(), orderID, req.ActorID, order.State(req.To)); err != nil {
		s.writeError(c, err)
		return
	}

	o, err := s.db.GetOrder(orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, wireOrder(o))
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req api.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Identity == "" {
		badRequest(c, "identity is required")
		return
	}
	if err := s.reg.Heartbeat(req.Identity); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePresence(c *gin.Context) {
	identity := c.Param("identity")
	nodes, err := s.reg.Nodes(identity)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.PresenceResponse{
		Identity: identity,
		Online:   len(nodes) > 0,
		Nodes:    nodes,
	})
}

func (s *Server) handleAck(c *gin.Context) {
	var req api.AckRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == "" || req.RecipientID == "" {
		badRequest(c, "conversation_id, seq and recipient_id are required")
		return
	}
	if err := s.del.Ack(req.ConversationID, req.Seq, req.RecipientID); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleInbound(c *gin.Context) {
	var env router.Envelope
	if err := c.ShouldBindJSON(&env); err != nil || env.ID == "" {
		badRequest(c, "malformed envelope")
		return
	}
	s.rtr.HandleInbound(&env)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeadList(c *gin.Context) {
	jobs, err := s.worker.ListDead(100)
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp := api.JobsResponse{Jobs: make([]api.Job, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, api.Job{
			ID:        j.ID,
			Kind:      j.Kind,
			Payload:   j.Payload,
			Status:    j.Status,
			Attempts:  j.Attempts,
			LastError: j.LastError,
			CreatedAt: j.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeadRetry(c *gin.Context) {
	if err := s.worker.RetryDead(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeadDiscard(c *gin.Context) {
	if err := s.worker.Discard(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func wireOrder(o *store.Order) api.Order {
	return api.Order{
		ID:         o.ID,
		CustomerID: o.CustomerID,
		StoreID:    o.StoreID,
		State:      o.State,
		AcceptedBy: o.AcceptedBy,
		Payload:    o.Payload,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
}

func badRequest(c *gin.Context, detail string) {
	c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: api.ErrBadRequest, Detail: detail})
}

// writeError maps domain errors to status codes. 409 answers are terminal
// for the submitted input; 503 tells the client to retry the same key.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		invalid  *store.InvalidTransitionError
		conflict *command.ConflictError
		rejected *command.RejectedError
	)
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusConflict, api.ErrorResponse{Error: api.ErrInvalidTransition, Detail: err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, api.ErrorResponse{Error: api.ErrConflict, Detail: conflict.Detail})
	case errors.As(err, &rejected):
		c.JSON(http.StatusConflict, api.ErrorResponse{Error: rejected.Class, Detail: rejected.Detail})
	case errors.Is(err, keylock.ErrLockTimeout):
		c.JSON(http.StatusServiceUnavailable, api.ErrorResponse{Error: api.ErrLockTimeout, Detail: "entity busy, retry with the same key"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: api.ErrNotFound})
	default:
		s.logger.Error("request failed", zap.Error(err), zap.String("path", c.Request.URL.Path))
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: api.ErrInternal})
	}
}
