// Package presence publishes the local actor's online status on a heartbeat
// and follows a bounded set of other actors' records.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

// Visibility is the local application's visibility.
type Visibility int

const (
	Foreground Visibility = iota
	Background
	Closed
)

func (v Visibility) String() string {
	switch v {
	case Foreground:
		return "foreground"
	case Background:
		return "background"
	default:
		return "closed"
	}
}

// Config controls presence publishing.
type Config struct {
	Backend      string        `toml:"backend"` // "store" or "redis"
	Heartbeat    time.Duration `toml:"heartbeat"`
	TTL          time.Duration `toml:"ttl"`
	FinalTimeout time.Duration `toml:"final_timeout"`
	MaxWatched   int           `toml:"max_watched"`
}

// DefaultConfig returns the presence defaults.
func DefaultConfig() Config {
	return Config{
		Backend:      "store",
		Heartbeat:    30 * time.Second,
		TTL:          90 * time.Second,
		FinalTimeout: 2 * time.Second,
		MaxWatched:   256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Heartbeat <= 0 {
		c.Heartbeat = d.Heartbeat
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.FinalTimeout <= 0 {
		c.FinalTimeout = d.FinalTimeout
	}
	if c.MaxWatched <= 0 {
		c.MaxWatched = d.MaxWatched
	}
	return c
}

// Change is the payload of presence.changed events.
type Change struct {
	Record Record
	Online bool
}

// Tracker owns the local actor's presence.
type Tracker struct {
	actorID string
	cfg     Config
	backend Backend
	sched   *backoff.Scheduler
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	visibility Visibility
	records    map[string]Record
	watches    map[string]context.CancelFunc
	dropped    map[string]bool
	started    bool
	closed     bool

	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	loops   sync.WaitGroup
	readers sync.WaitGroup
}

// NewTracker creates a tracker for actorID.
func NewTracker(actorID string, cfg Config, backend Backend, sched *backoff.Scheduler, b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		actorID: actorID,
		cfg:     cfg.withDefaults(),
		backend: backend,
		sched:   sched,
		bus:     b,
		logger:  logger.Named("presence").With(zap.String("actor", actorID)),
		now:     time.Now,
		records: make(map[string]Record),
		watches: make(map[string]context.CancelFunc),
		dropped: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
	}
}

// Start publishes the local actor online and starts the heartbeat.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	t.loops.Add(2)
	go t.publishLoop()
	go t.heartbeatLoop()
	t.requestPublish()
}

// SetVisibility records a visibility transition and publishes at once.
// It never blocks on the network.
func (t *Tracker) SetVisibility(v Visibility) {
	t.mu.Lock()
	changed := t.visibility != v
	t.visibility = v
	t.mu.Unlock()
	if changed {
		t.logger.Debug("visibility changed", zap.Stringer("visibility", v))
		t.requestPublish()
	}
}

// Watch follows the presence of actors. The watched set is bounded by
// MaxWatched.
func (t *Tracker) Watch(ctx context.Context, actors ...string) error {
	for _, actor := range actors {
		if err := t.watch(ctx, actor); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) watch(ctx context.Context, actor string) error {
	if actor == "" || actor == t.actorID {
		return nil
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return syncerr.E(syncerr.FailedPrecondition, "presence.watch", errors.New("tracker closed"))
	}
	if _, ok := t.watches[actor]; ok {
		t.mu.Unlock()
		return nil
	}
	if len(t.watches) >= t.cfg.MaxWatched {
		t.mu.Unlock()
		return syncerr.Errorf(syncerr.FailedPrecondition, "presence.watch", "already watching %d actors", t.cfg.MaxWatched)
	}
	wctx, cancel := context.WithCancel(t.ctx)
	t.watches[actor] = cancel
	delete(t.dropped, actor)
	t.mu.Unlock()

	feed, err := t.backend.Watch(wctx, actor)
	if err != nil {
		cancel()
		t.mu.Lock()
		delete(t.watches, actor)
		t.mu.Unlock()
		return err
	}

	t.readers.Add(1)
	go t.read(wctx, actor, feed)
	return nil
}

// Unwatch stops following actors and forgets their records.
func (t *Tracker) Unwatch(actors ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, actor := range actors {
		if cancel, ok := t.watches[actor]; ok {
			cancel()
			delete(t.watches, actor)
		}
		delete(t.records, actor)
		delete(t.dropped, actor)
	}
}

// Resubscribe re-establishes watches whose feed dropped.
func (t *Tracker) Resubscribe(ctx context.Context) error {
	t.mu.Lock()
	var actors []string
	for actor := range t.dropped {
		actors = append(actors, actor)
	}
	t.mu.Unlock()

	var errs []error
	for _, actor := range actors {
		if err := t.watch(ctx, actor); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsOnline reports whether actor is online. A record older than the TTL is
// offline whatever its flag says.
func (t *Tracker) IsOnline(actor string) bool {
	t.mu.Lock()
	rec, ok := t.records[actor]
	t.mu.Unlock()
	return ok && t.fresh(rec)
}

// LastSeen returns the last-seen time of actor, if known.
func (t *Tracker) LastSeen(actor string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[actor]
	return rec.LastSeen, ok
}

func (t *Tracker) fresh(rec Record) bool {
	return rec.Online && t.now().Sub(rec.LastSeen) <= t.cfg.TTL
}

// Close stops the heartbeat, publishes a final offline record and releases
// every watch. The final publish waits at most FinalTimeout; past that it
// carries on in the background.
func (t *Tracker) Close(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	started := t.started
	t.mu.Unlock()

	// Stop the loops first so no heartbeat can overwrite the offline record.
	t.cancel()
	t.loops.Wait()

	if started {
		t.publishFinal(ctx)
	}

	t.mu.Lock()
	for actor, cancel := range t.watches {
		cancel()
		delete(t.watches, actor)
	}
	t.mu.Unlock()
	t.readers.Wait()
}

func (t *Tracker) publishFinal(ctx context.Context) {
	rec := Record{ActorID: t.actorID, Online: false, LastSeen: t.now()}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*t.cfg.FinalTimeout)
	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- t.backend.Publish(pctx, rec)
	}()

	timer := time.NewTimer(t.cfg.FinalTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.logger.Warn("final presence publish failed", zap.Error(err))
		}
	case <-timer.C:
		t.logger.Warn("final presence publish still running, not waiting", zap.Duration("timeout", t.cfg.FinalTimeout))
	case <-ctx.Done():
	}
}

func (t *Tracker) requestPublish() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Tracker) heartbeatLoop() {
	defer t.loops.Done()
	ticker := time.NewTicker(t.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.requestPublish()
		}
	}
}

// publishLoop is the single writer of the local record. Requests arriving
// while a publish is in flight collapse into one follow-up publish.
func (t *Tracker) publishLoop() {
	defer t.loops.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.wake:
		}

		t.mu.Lock()
		rec := Record{ActorID: t.actorID, Online: t.visibility == Foreground, LastSeen: t.now()}
		t.mu.Unlock()

		err := t.sched.Schedule(t.ctx, backoff.KindPresencePublish, func(ctx context.Context) error {
			return t.backend.Publish(ctx, rec)
		})
		if err != nil && t.ctx.Err() == nil {
			t.logger.Warn("presence publish failed", zap.Bool("online", rec.Online), zap.Error(err))
		}
	}
}

func (t *Tracker) read(ctx context.Context, actor string, feed <-chan Record) {
	defer t.readers.Done()
	for rec := range feed {
		if rec.ActorID != actor {
			continue
		}
		t.mu.Lock()
		prev, had := t.records[actor]
		if had && rec.LastSeen.Before(prev.LastSeen) {
			t.mu.Unlock()
			continue
		}
		t.records[actor] = rec
		t.mu.Unlock()

		if !had || prev.Online != rec.Online {
			t.logger.Debug("presence changed", zap.String("peer", actor), zap.Bool("online", rec.Online))
			if t.bus != nil {
				t.bus.Publish(bus.NewEvent(bus.KindPresenceChanged, Change{Record: rec, Online: t.fresh(rec)}))
			}
		}
	}

	if ctx.Err() == nil {
		t.logger.Warn("presence feed dropped", zap.String("peer", actor))
		t.mu.Lock()
		if _, ok := t.watches[actor]; ok {
			delete(t.watches, actor)
			t.dropped[actor] = true
		}
		t.mu.Unlock()
	}
}
