package httpapi

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pvieira/mercurio/internal/bus"
	"github.com/pvieira/mercurio/internal/command"
	"github.com/pvieira/mercurio/internal/delivery"
)

const sseKeepalive = 15 * time.Second

// sseNames maps bus kinds to the event names clients subscribe to. Kinds
// not listed here (notably "message.committed") never reach clients.
var sseNames = map[string]string{
	delivery.KindDeliverMessage: "message",
	delivery.KindDeliveryUpdate: "delivery_update",
	command.KindOrderPlaced:     "order_placed",
	command.KindOrderStatus:     "order_status",
}

type sseEvent struct {
	Kind           string `json:"kind"`
	ConversationID string `json:"conversation_id,omitempty"`
	Seq            int64  `json:"seq,omitempty"`
	Payload        any    `json:"payload,omitempty"`
}

// handleEvents is the live push channel. Connecting counts as a heartbeat;
// the client keeps presence alive with POST /v1/heartbeat afterwards.
func (s *Server) handleEvents(c *gin.Context) {
	identity := c.Query("identity")
	if identity == "" {
		badRequest(c, "identity is required")
		return
	}
	if err := s.reg.Heartbeat(identity); err != nil {
		s.writeError(c, err)
		return
	}

	ch, unsub := s.rtr.Subscribe("", 128)
	defer unsub()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.Flush()

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			name, push := sseNames[evt.Kind]
			if !push || evt.Identity != identity {
				continue
			}
			c.SSEvent(name, wireEvent(evt))
			c.Writer.Flush()
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func wireEvent(evt bus.Event) sseEvent {
	return sseEvent{
		Kind:           evt.Kind,
		ConversationID: evt.ConversationID,
		Seq:            evt.Seq,
		Payload:        evt.Payload,
	}
}
