package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pvieira/mercurio/internal/bus"
	"github.com/pvieira/mercurio/internal/command"
	"github.com/pvieira/mercurio/internal/config"
	"github.com/pvieira/mercurio/internal/delivery"
	"github.com/pvieira/mercurio/internal/lock"
	"github.com/pvieira/mercurio/internal/logging"
	"github.com/pvieira/mercurio/internal/node"
	"github.com/pvieira/mercurio/internal/presence"
	"github.com/pvieira/mercurio/internal/queue"
	"github.com/pvieira/mercurio/internal/router"
	"github.com/pvieira/mercurio/internal/store"
)

// forwardPrefixes lists the event kinds that cross nodes. Commit events stay
// node-local so only the committing node dispatches delivery.
var forwardPrefixes = []string{"deliver.", "order.", "delivery."}

// Housekeeping cadences. redeliveryWindow bounds how long a committed
// message keeps being pushed or retried before the pull tier takes over and
// its receipt retires.
const (
	prunerEvery      = time.Hour
	reaperEvery      = time.Minute
	retirerEvery     = time.Hour
	redeliveryWindow = 7 * 24 * time.Hour
)

// Params holds the resolved node configuration passed to the fx module.
type Params struct {
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRouter,
			provideRegistry,
			provideCoordinator,
			provideQueue,
			provideDelivery,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(node.LogPath(p.Config.NodeID), p.Config.NodeID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := node.EnsureDir(p.Config.NodeID); err != nil {
		return nil, err
	}
	logger.Info("acquiring node lock", zap.String("node", p.Config.NodeID))
	l, err := lock.Acquire(node.Dir(p.Config.NodeID))
	if err != nil {
		return nil, err
	}
	logger.Info("node lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.Config.StorePath
	if dbPath == "" {
		dbPath = node.DefaultStorePath()
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	db.SetLockWait(p.Config.LockWait.Std())
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRouter(p Params, b *bus.Bus, logger *zap.Logger) *router.Router {
	return router.New(b, p.Config.NodeID, p.Config.Peers, forwardPrefixes, logger)
}

func provideRegistry(p Params, db *store.DB, logger *zap.Logger) *presence.Registry {
	return presence.NewRegistry(db, p.Config.NodeID, p.Config.PresenceTTL(), logger)
}

func provideCoordinator(p Params, db *store.DB, rtr *router.Router, logger *zap.Logger) *command.Coordinator {
	return command.NewCoordinator(db, rtr, p.Config.RetentionTTL.Std(), logger)
}

func provideQueue(p Params, db *store.DB, logger *zap.Logger) *queue.Worker {
	return queue.NewWorker(db, p.Config.RetryBase.Std(), p.Config.RetryMaxAttempts,
		p.Config.QueuePollEvery.Std(), logger)
}

func provideDelivery(p Params, db *store.DB, reg *presence.Registry, rtr *router.Router,
	worker *queue.Worker, logger *zap.Logger) *delivery.Coordinator {
	return delivery.NewCoordinator(db, reg, rtr, rtr, worker, p.Config.AckWindow.Std(), redeliveryWindow, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB,
	cmd *command.Coordinator, worker *queue.Worker, del *delivery.Coordinator,
	reg *presence.Registry, logger *zap.Logger) {

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			bg := context.Background()
			worker.Start(bg)
			del.Start(bg)
			del.StartRetirer(bg, retirerEvery)
			cmd.StartPruner(bg, prunerEvery)
			reg.StartReaper(bg, reaperEvery)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			del.Stop()
			worker.Stop()
			cmd.StopPruner()
			reg.StopReaper()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
