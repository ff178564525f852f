package core

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/directory"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/typing"
	"github.com/matheus3301/chatsync/internal/workerpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
	// Optional overrides, mostly for tests. Nil means the default built
	// from Config.
	Identity Identity
	Logger   *zap.Logger
	Prober   connectivity.Prober
	Uploader messages.Uploader
}

// Module returns the fx module for the sync core, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("core",
		fx.Supply(p),
		fx.Provide(
			provideIdentity,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRemote,
			provideMonitor,
			provideScheduler,
			providePool,
			provideNATS,
			provideNotifier,
			providePresenceBackend,
			provideTypingBackend,
			provideTracker,
			provideBroadcaster,
			provideDirectory,
			NewCore,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideIdentity(p Params) (Identity, error) {
	if p.Identity != nil {
		return p.Identity, config.ValidateActorID(p.Identity.ActorID())
	}
	if err := config.ValidateActorID(p.Config.ActorID); err != nil {
		return nil, err
	}
	return NewStaticIdentity(p.Config.ActorID), nil
}

func provideLogger(p Params, id Identity) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(p.Config.LogPath(), id.ActorID(), p.Config.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := p.Config.EnsureDirs(); err != nil {
		return nil, err
	}
	logger.Info("acquiring data dir lock", zap.String("dir", p.Config.Dir()))
	l, err := lock.Acquire(p.Config.Dir())
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

// provideStore takes the lock so the store is never opened unguarded.
func provideStore(p Params, logger *zap.Logger, _ *lock.Lock) (*store.DB, error) {
	dbPath := p.Config.DBPath()
	db, err := store.Open(dbPath, logger)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(db *store.DB) remote.Store {
	return db
}

func provideMonitor(p Params, b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	prober := p.Prober
	if prober == nil {
		cfg := p.Config.Connectivity
		prober = connectivity.NewHTTPProber(cfg.ProbeURL, cfg.ProbeTimeout)
	}
	return connectivity.NewMonitor(p.Config.Connectivity, prober, b, logger)
}

// provideScheduler gates automatic retries on connectivity and applies the
// slower policy to user retries.
func provideScheduler(p Params, m *connectivity.Monitor, logger *zap.Logger) *backoff.Scheduler {
	return backoff.NewScheduler(p.Config.Backoff, logger,
		backoff.WithGate(m.Online),
		backoff.WithKind(backoff.KindMessageRetry, p.Config.Retry),
	)
}

func providePool(logger *zap.Logger) *workerpool.Pool {
	return workerpool.New(4, 256, logger)
}

// provideNATS connects only when a component is configured to use NATS;
// otherwise it provides a nil connection.
func provideNATS(p Params, lc fx.Lifecycle, logger *zap.Logger) (*nats.Conn, error) {
	if !p.Config.NeedsNATS() {
		return nil, nil
	}
	cfg := p.Config.NATS
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			conn.Close()
			return nil
		},
	})
	return conn, nil
}

func provideNotifier(p Params, conn *nats.Conn, logger *zap.Logger) notify.Notifier {
	if p.Config.Notify.Backend == "nats" && conn != nil {
		return notify.NewNATSNotifier(conn, logger)
	}
	return notify.Nop{}
}

func providePresenceBackend(p Params, rs remote.Store, lc fx.Lifecycle, logger *zap.Logger) (presence.Backend, error) {
	switch p.Config.Presence.Backend {
	case "redis":
		rc := p.Config.Redis
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := client.Ping(ctx).Err(); err != nil {
					logger.Warn("redis unreachable, presence will retry", zap.String("addr", rc.Addr), zap.Error(err))
				}
				return nil
			},
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
		return presence.NewRedisBackend(client, p.Config.Presence.TTL, logger), nil
	case "store", "":
		return presence.NewDocBackend(rs, logger), nil
	default:
		return nil, fmt.Errorf("unknown presence backend %q", p.Config.Presence.Backend)
	}
}

func provideTypingBackend(p Params, rs remote.Store, conn *nats.Conn, logger *zap.Logger) (typing.Backend, error) {
	switch p.Config.Typing.Backend {
	case "nats":
		if conn == nil {
			return nil, fmt.Errorf("typing backend nats needs a nats connection")
		}
		return typing.NewNATSBackend(conn, logger), nil
	case "store", "":
		return typing.NewDocBackend(rs, logger), nil
	default:
		return nil, fmt.Errorf("unknown typing backend %q", p.Config.Typing.Backend)
	}
}

func provideTracker(p Params, id Identity, backend presence.Backend, sched *backoff.Scheduler, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(id.ActorID(), p.Config.Presence, backend, sched, b, logger)
}

func provideBroadcaster(p Params, id Identity, backend typing.Backend, sched *backoff.Scheduler, b *bus.Bus, logger *zap.Logger) *typing.Broadcaster {
	return typing.NewBroadcaster(id.ActorID(), p.Config.Typing, backend, sched, b, logger)
}

func provideDirectory(p Params, id Identity, rs remote.Store, sched *backoff.Scheduler, pool *workerpool.Pool, n notify.Notifier, b *bus.Bus, logger *zap.Logger) *directory.Directory {
	return directory.New(id.ActorID(), p.Config.Messages, messages.Deps{
		Remote:    rs,
		Scheduler: sched,
		Pool:      pool,
		Notifier:  n,
		Bus:       b,
		Logger:    logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, c *Core, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := c.Start(ctx); err != nil {
				return err
			}
			go c.watchIdentity(shutdowner)
			return nil
		},
		OnStop: c.Stop,
	})
}
