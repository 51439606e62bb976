package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pvieira/mercurio/internal/command"
	"github.com/pvieira/mercurio/internal/delivery"
	"github.com/pvieira/mercurio/internal/httpapi"
	"github.com/pvieira/mercurio/internal/presence"
	"github.com/pvieira/mercurio/internal/queue"
	"github.com/pvieira/mercurio/internal/router"
	"github.com/pvieira/mercurio/internal/store"
)

// Server manages the HTTP server lifecycle for a node daemon.
type Server struct {
	http   *http.Server
	logger *zap.Logger
}

// NewServer builds the HTTP server bound to the node's listen address.
func NewServer(p Params, logger *zap.Logger, cmd *command.Coordinator, db *store.DB,
	reg *presence.Registry, del *delivery.Coordinator, rtr *router.Router,
	worker *queue.Worker) *Server {

	h := httpapi.NewServer(cmd, db, reg, del, rtr, worker, logger)
	return &Server{
		http: &http.Server{
			Addr:              p.Config.ListenAddr,
			Handler:           h.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start begins serving HTTP requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown error", zap.Error(err))
	}
}
