// Package typing publishes "is typing" pulses per conversation and follows
// the other participant's pulses.
//
// Each conversation the local actor types in runs a small timer-backed
// machine: idle → active → idle. While active, a pulse is re-published every
// Pulse so the signal outlives nothing but the typing itself; an idle timer
// flips it back to inactive after IdleTimeout without input, and that flip is
// published too.
package typing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Config controls typing pulses.
type Config struct {
	Backend     string        `toml:"backend"` // "store" or "nats"
	TTL         time.Duration `toml:"ttl"`
	Pulse       time.Duration `toml:"pulse"`
	IdleTimeout time.Duration `toml:"idle_timeout"`
	Debounce    time.Duration `toml:"debounce"`
}

// DefaultConfig returns the typing defaults.
func DefaultConfig() Config {
	return Config{
		Backend:     "store",
		TTL:         3 * time.Second,
		Pulse:       time.Second,
		IdleTimeout: 2 * time.Second,
		Debounce:    300 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.Pulse <= 0 || c.Pulse >= c.TTL {
		c.Pulse = c.TTL / 3
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.Debounce < 0 {
		c.Debounce = 0
	}
	return c
}

// Change is the payload of typing.changed events.
type Change struct {
	ConversationID string
	ActorID        string
	Typing         bool
}

type session struct {
	active bool
	gen    int
	pulse  *time.Timer
	idle   *time.Timer
}

type peer struct {
	rec    Record
	seen   time.Time
	expiry *time.Timer
}

func (p *peer) stop() {
	if p.expiry != nil {
		p.expiry.Stop()
	}
}

// Broadcaster owns the local actor's typing state and the view of everyone
// else's.
type Broadcaster struct {
	actorID string
	cfg     Config
	backend Backend
	sched   *backoff.Scheduler
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	peers    map[string]map[string]*peer
	watches  map[string]context.CancelFunc
	dropped  map[string]bool
	closed   bool

	queue   *queue
	ctx     context.Context
	cancel  context.CancelFunc
	loop    sync.WaitGroup
	readers sync.WaitGroup
}

// NewBroadcaster creates a broadcaster for actorID and starts its publisher.
func NewBroadcaster(actorID string, cfg Config, backend Backend, sched *backoff.Scheduler, b *bus.Bus, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Broadcaster{
		actorID:  actorID,
		cfg:      cfg,
		backend:  backend,
		sched:    sched,
		bus:      b,
		logger:   logger.Named("typing").With(zap.String("actor", actorID)),
		now:      time.Now,
		sessions: make(map[string]*session),
		peers:    make(map[string]map[string]*peer),
		watches:  make(map[string]context.CancelFunc),
		dropped:  make(map[string]bool),
		queue:    newQueue(cfg.Debounce),
		ctx:      ctx,
		cancel:   cancel,
	}
	t.loop.Add(1)
	go t.publishLoop()
	return t
}

// SetTyping reports local typing activity in a conversation. Repeated calls
// while already active only push the idle deadline back.
func (t *Broadcaster) SetTyping(conversationID string, active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	s, ok := t.sessions[conversationID]
	if !ok {
		s = &session{}
		t.sessions[conversationID] = s
	}

	if !active {
		if s.active {
			t.deactivateLocked(conversationID, s)
		}
		return
	}

	if s.active {
		s.idle.Reset(t.cfg.IdleTimeout)
		return
	}
	s.active = true
	s.gen++
	gen := s.gen
	s.idle = time.AfterFunc(t.cfg.IdleTimeout, func() { t.expire(conversationID, gen) })
	s.pulse = time.AfterFunc(t.cfg.Pulse, func() { t.repulse(conversationID, gen) })
	t.enqueueLocked(conversationID, true)
}

// Typing reports whether the local actor is currently marked as typing.
func (t *Broadcaster) Typing(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[conversationID]
	return ok && s.active
}

func (t *Broadcaster) expire(conversationID string, gen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[conversationID]
	if !ok || t.closed || !s.active || s.gen != gen {
		return
	}
	t.logger.Debug("typing idle", zap.String("conversation", conversationID))
	t.deactivateLocked(conversationID, s)
}

func (t *Broadcaster) repulse(conversationID string, gen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[conversationID]
	if !ok || t.closed || !s.active || s.gen != gen {
		return
	}
	t.enqueueLocked(conversationID, true)
	s.pulse.Reset(t.cfg.Pulse)
}

func (t *Broadcaster) deactivateLocked(conversationID string, s *session) {
	s.active = false
	s.gen++
	s.idle.Stop()
	s.pulse.Stop()
	t.enqueueLocked(conversationID, false)
}

func (t *Broadcaster) enqueueLocked(conversationID string, active bool) {
	t.queue.put(Record{
		ConversationID: conversationID,
		ActorID:        t.actorID,
		Active:         active,
		At:             t.now(),
	})
}

func (t *Broadcaster) publishLoop() {
	defer t.loop.Done()
	for {
		rec, ok := t.queue.next(t.ctx)
		if !ok {
			return
		}
		err := t.sched.Schedule(t.ctx, backoff.KindTypingPublish, func(ctx context.Context) error {
			return t.backend.Publish(ctx, rec)
		})
		if err != nil && t.ctx.Err() == nil {
			t.logger.Warn("typing publish failed",
				zap.String("conversation", rec.ConversationID), zap.Bool("active", rec.Active), zap.Error(err))
		}
	}
}

// Watch follows the pulses of a conversation.
func (t *Broadcaster) Watch(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("typing: broadcaster closed")
	}
	if _, ok := t.watches[conversationID]; ok {
		t.mu.Unlock()
		return nil
	}
	wctx, cancel := context.WithCancel(t.ctx)
	t.watches[conversationID] = cancel
	delete(t.dropped, conversationID)
	t.mu.Unlock()

	feed, err := t.backend.Watch(wctx, conversationID)
	if err != nil {
		cancel()
		t.mu.Lock()
		delete(t.watches, conversationID)
		t.mu.Unlock()
		return err
	}
	t.readers.Add(1)
	go t.read(wctx, conversationID, feed)
	return nil
}

// Unwatch stops following a conversation and forgets its typists.
func (t *Broadcaster) Unwatch(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cancel, ok := t.watches[conversationID]; ok {
		cancel()
		delete(t.watches, conversationID)
	}
	delete(t.dropped, conversationID)
	for _, p := range t.peers[conversationID] {
		p.stop()
	}
	delete(t.peers, conversationID)
}

// IsTyping reports whether actor is typing in a conversation. A pulse older
// than the TTL no longer counts.
func (t *Broadcaster) IsTyping(conversationID, actorID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[conversationID][actorID]
	return ok && t.liveLocked(p)
}

// Typists returns the actors currently typing in a conversation.
func (t *Broadcaster) Typists(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for actor, p := range t.peers[conversationID] {
		if t.liveLocked(p) {
			out = append(out, actor)
		}
	}
	return out
}

func (t *Broadcaster) liveLocked(p *peer) bool {
	return p.rec.Active && t.now().Sub(p.seen) < t.cfg.TTL
}

func (t *Broadcaster) read(ctx context.Context, conversationID string, feed <-chan Record) {
	defer t.readers.Done()
	for rec := range feed {
		if rec.ActorID == t.actorID || rec.ConversationID != conversationID {
			continue
		}
		t.observe(rec)
	}
	if ctx.Err() == nil {
		t.logger.Warn("typing feed dropped", zap.String("conversation", conversationID))
		t.mu.Lock()
		delete(t.watches, conversationID)
		if !t.closed {
			t.dropped[conversationID] = true
		}
		t.mu.Unlock()
	}
}

// Resubscribe re-establishes watches whose feed dropped.
func (t *Broadcaster) Resubscribe(ctx context.Context) error {
	t.mu.Lock()
	var convs []string
	for conv := range t.dropped {
		convs = append(convs, conv)
	}
	t.mu.Unlock()

	var errs []error
	for _, conv := range convs {
		if err := t.Watch(ctx, conv); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Broadcaster) observe(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	byActor, ok := t.peers[rec.ConversationID]
	if !ok {
		byActor = make(map[string]*peer)
		t.peers[rec.ConversationID] = byActor
	}
	p, ok := byActor[rec.ActorID]
	was := false
	if ok {
		if rec.At.Before(p.rec.At) {
			return
		}
		was = t.liveLocked(p)
		p.stop()
	} else {
		p = &peer{}
		byActor[rec.ActorID] = p
	}
	p.rec = rec
	p.seen = t.now()
	p.expiry = nil
	if rec.Active {
		p.expiry = time.AfterFunc(t.cfg.TTL, func() { t.lapse(rec.ConversationID, rec.ActorID, p) })
	}
	if now := t.liveLocked(p); now != was {
		t.emitLocked(rec.ConversationID, rec.ActorID, now)
	}
}

// lapse fires when a peer's last pulse outlived the TTL.
func (t *Broadcaster) lapse(conversationID, actorID string, p *peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.peers[conversationID][actorID] != p || !p.rec.Active {
		return
	}
	if t.now().Sub(p.seen) < t.cfg.TTL {
		return
	}
	p.rec.Active = false
	t.emitLocked(conversationID, actorID, false)
}

func (t *Broadcaster) emitLocked(conversationID, actorID string, typing bool) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.NewEvent(bus.KindTypingChanged, Change{
		ConversationID: conversationID,
		ActorID:        actorID,
		Typing:         typing,
	}))
}

// Close stops every timer and watch, then publishes inactive for each
// conversation the local actor was typing in. The final publishes are best
// effort and bounded by ctx.
func (t *Broadcaster) Close(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	var finals []Record
	for conv, s := range t.sessions {
		if s.idle != nil {
			s.idle.Stop()
			s.pulse.Stop()
		}
		if s.active {
			s.active = false
			finals = append(finals, Record{ConversationID: conv, ActorID: t.actorID, Active: false, At: t.now()})
		}
	}
	for _, byActor := range t.peers {
		for _, p := range byActor {
			p.stop()
		}
	}
	t.mu.Unlock()

	t.cancel()
	t.loop.Wait()
	t.readers.Wait()

	for _, rec := range finals {
		if err := t.backend.Publish(ctx, rec); err != nil {
			t.logger.Debug("final typing publish failed", zap.String("conversation", rec.ConversationID), zap.Error(err))
		}
	}
}
