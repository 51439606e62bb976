// Package httpapi is the daemon's HTTP surface: the public command and pull
// endpoints, the live SSE channel, the peer fan-out ingress, and the
// operator/metrics surface.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pvieira/mercurio/internal/command"
	"github.com/pvieira/mercurio/internal/delivery"
	"github.com/pvieira/mercurio/internal/presence"
	"github.com/pvieira/mercurio/internal/queue"
	"github.com/pvieira/mercurio/internal/router"
	"github.com/pvieira/mercurio/internal/store"
)

// Server owns the gin engine and the handlers' dependencies.
type Server struct {
	cmd    *command.Coordinator
	db     *store.DB
	reg    *presence.Registry
	del    *delivery.Coordinator
	rtr    *router.Router
	worker *queue.Worker
	logger *zap.Logger
	engine *gin.Engine
}

// NewServer builds the HTTP surface over the given components.
func NewServer(cmd *command.Coordinator, db *store.DB, reg *presence.Registry,
	del *delivery.Coordinator, rtr *router.Router, worker *queue.Worker, logger *zap.Logger) *Server {

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cmd:    cmd,
		db:     db,
		reg:    reg,
		del:    del,
		rtr:    rtr,
		worker: worker,
		logger: logger,
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.accessLog())
	s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	v1 := s.engine.Group("/v1")
	v1.POST("/commands", s.handleCommand)
	v1.GET("/conversations/:id/messages", s.handleHistory)
	v1.POST("/orders/:id/transition", s.handleTransition)
	v1.GET("/events", s.handleEvents)
	v1.POST("/heartbeat", s.handleHeartbeat)
	v1.GET("/presence/:identity", s.handlePresence)
	v1.POST("/acks", s.handleAck)

	s.engine.POST("/internal/events", s.handleInbound)

	admin := s.engine.Group("/admin")
	admin.GET("/deadletter", s.handleDeadList)
	admin.POST("/deadletter/:id/retry", s.handleDeadRetry)
	admin.DELETE("/deadletter/:id", s.handleDeadDiscard)

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" {
			return
		}
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
