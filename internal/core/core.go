// Package core assembles the sync components for one actor and owns their
// startup and ordered teardown.
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/directory"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/typing"
	"github.com/matheus3301/chatsync/internal/workerpool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Notice is the payload of the connection notices.
type Notice struct {
	Message string
	// Persistent notices stay until a later notice replaces them.
	Persistent bool
	At         time.Time
}

// Core is a running sync core.
type Core struct {
	Identity     Identity
	Directory    *directory.Directory
	Presence     *presence.Tracker
	Typing       *typing.Broadcaster
	Connectivity *connectivity.Monitor
	Uploader     messages.Uploader
	Bus          *bus.Bus

	pool   *workerpool.Pool
	db     *store.DB
	lock   *lock.Lock
	logger *zap.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	unsub    func()
	watchers sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

type coreParams struct {
	fx.In

	Params       Params
	Identity     Identity
	Directory    *directory.Directory
	Presence     *presence.Tracker
	Typing       *typing.Broadcaster
	Connectivity *connectivity.Monitor
	Bus          *bus.Bus
	Pool         *workerpool.Pool
	DB           *store.DB
	Lock         *lock.Lock
	Logger       *zap.Logger
}

// NewCore collects the components. Nothing runs until Start.
func NewCore(in coreParams) *Core {
	ctx, cancel := context.WithCancel(context.Background())
	return &Core{
		Identity:     in.Identity,
		Directory:    in.Directory,
		Presence:     in.Presence,
		Typing:       in.Typing,
		Connectivity: in.Connectivity,
		Uploader:     in.Params.Uploader,
		Bus:          in.Bus,
		pool:         in.Pool,
		db:           in.DB,
		lock:         in.Lock,
		logger:       in.Logger.Named("core"),
		ctx:          ctx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
	}
}

// Start begins connectivity monitoring, loads the conversation list and
// announces the local actor online.
func (c *Core) Start(ctx context.Context) error {
	transitions, unsub := c.Connectivity.Subscribe()
	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()

	c.watchers.Add(1)
	go c.watchConnectivity(transitions)

	if err := c.Directory.Start(ctx); err != nil {
		_ = c.Stop(ctx)
		return err
	}
	c.Presence.Start()
	c.logger.Info("core started", zap.String("actor", c.Identity.ActorID()))
	return nil
}

// watchConnectivity turns transitions into notices and resubscribes dropped
// subscriptions once the connection is back.
func (c *Core) watchConnectivity(transitions <-chan connectivity.Transition) {
	defer c.watchers.Done()
	for {
		select {
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			c.handleTransition(tr)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Core) handleTransition(tr connectivity.Transition) {
	switch {
	case tr.To == connectivity.Offline:
		c.logger.Warn("connection lost", zap.String("reason", tr.Reason))
		c.Bus.Publish(bus.NewEvent(bus.KindConnectionLost, Notice{
			Message: "You're offline. Messages will be sent when you retry.", Persistent: true, At: tr.At,
		}))
	case tr.From == connectivity.Offline && tr.To == connectivity.Online:
		c.logger.Info("connection restored", zap.Stringer("quality", tr.Quality))
		c.Bus.Publish(bus.NewEvent(bus.KindConnectionRestored, Notice{
			Message: "Back online.", At: tr.At,
		}))
		if err := c.Resubscribe(c.ctx); err != nil {
			c.logger.Warn("resubscribe after reconnect failed", zap.Error(err))
		}
	}
}

// Resubscribe re-opens every subscription that dropped while offline.
func (c *Core) Resubscribe(ctx context.Context) error {
	return errors.Join(
		c.Directory.Resubscribe(ctx),
		c.Presence.Resubscribe(ctx),
		c.Typing.Resubscribe(ctx),
	)
}

func (c *Core) watchIdentity(shutdowner fx.Shutdowner) {
	select {
	case <-c.Identity.Revoked():
		c.logger.Info("identity revoked, tearing down")
		if err := c.Stop(context.Background()); err != nil {
			c.logger.Warn("teardown after revocation", zap.Error(err))
		}
		if err := shutdowner.Shutdown(); err != nil {
			c.logger.Warn("fx shutdown", zap.Error(err))
		}
	case <-c.stopped:
	}
}

// Stopped is closed once teardown finished.
func (c *Core) Stopped() <-chan struct{} { return c.stopped }

// Stop tears down in dependency order: conversation subscriptions, presence
// heartbeat, typing timers, connectivity subscription, workers, store, lock.
// Only the first call does anything.
func (c *Core) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		defer close(c.stopped)

		c.Directory.Close()
		c.Presence.Close(ctx)
		c.Typing.Close(ctx)

		c.cancel()
		c.mu.Lock()
		unsub := c.unsub
		c.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		c.watchers.Wait()

		c.pool.Shutdown()
		if cerr := c.db.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		if lerr := c.lock.Release(); lerr != nil {
			c.logger.Warn("error releasing lock", zap.Error(lerr))
		}
		c.logger.Info("core stopped")
	})
	return err
}
