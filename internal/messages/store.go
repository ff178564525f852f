// Package messages owns the ordered, paginated view of one conversation. It
// merges the live subscription with optimistic local sends and drives each
// message's delivery state machine.
package messages

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/matheus3301/chatsync/internal/workerpool"
	"go.uber.org/zap"
)

// Config controls a message store.
type Config struct {
	PageSize int `toml:"page_size"`
}

// DefaultConfig returns the message store defaults.
func DefaultConfig() Config {
	return Config{PageSize: 20}
}

// Deps are the collaborators shared by every message store.
type Deps struct {
	Remote    remote.Store
	Scheduler *backoff.Scheduler
	Pool      *workerpool.Pool
	Notifier  notify.Notifier
	Bus       *bus.Bus
	Logger    *zap.Logger
}

var errClosed = errors.New("conversation closed")

type entry struct {
	msg     Message
	docID   string
	seq     int64
	machine *status.Machine
	history []status.Delivery
}

func (e *entry) message() Message {
	m := e.msg.clone()
	m.Status = e.machine.Current()
	if m.Status != status.Failed {
		m.Err = nil
	}
	return m
}

// Store is the message view of one open conversation. Only its own
// operations mutate the list.
type Store struct {
	conversationID string
	actorID        string
	peerID         string
	cfg            Config
	deps           Deps
	logger         *zap.Logger
	now            func() time.Time

	mu         sync.Mutex
	entries    []*entry
	byKey      map[string]*entry
	byID       map[string]*entry
	nextSeq    int64
	minSeq     int64
	version    int64
	opened     bool
	closed     bool
	subCancel  context.CancelFunc
	subDone    chan struct{}
	dropped    error
	cursor     *remote.Cursor
	loading    bool
	exhausted  bool
	loadCancel context.CancelFunc
	receipts   map[string]bool
	resubbing  bool
	snapSeq    uint64

	pubMu  sync.Mutex
	pubSeq uint64
}

// New creates the store for a conversation between actorID and peerID. It
// does nothing until Open.
func New(conversationID, actorID, peerID string, cfg Config, deps Deps) *Store {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Store{
		conversationID: conversationID,
		actorID:        actorID,
		peerID:         peerID,
		cfg:            cfg,
		deps:           deps,
		logger:         deps.Logger.Named("messages").With(zap.String("conversation", conversationID)),
		now:            time.Now,
		byKey:          make(map[string]*entry),
		byID:           make(map[string]*entry),
		receipts:       make(map[string]bool),
	}
}

// ConversationID returns the conversation this store shows.
func (s *Store) ConversationID() string { return s.conversationID }

// Open subscribes to the newest page and waits for its first snapshot.
// Opening an already open store is a no-op.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return syncerr.E(syncerr.FailedPrecondition, "messages.open", errClosed)
	}
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = true
	s.mu.Unlock()

	if err := s.subscribe(ctx, true); err != nil {
		s.mu.Lock()
		s.opened = false
		s.mu.Unlock()
		return err
	}
	return nil
}

// Resubscribe re-opens the live subscription if it was dropped.
func (s *Store) Resubscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || !s.opened || s.dropped == nil || s.resubbing {
		s.mu.Unlock()
		return nil
	}
	s.resubbing = true
	s.mu.Unlock()

	s.logger.Info("resubscribing")
	err := s.subscribe(ctx, false)
	s.mu.Lock()
	s.resubbing = false
	s.mu.Unlock()
	return err
}

// Dropped reports why the live subscription ended, or nil while it is live.
func (s *Store) Dropped() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Store) liveQuery() remote.Query {
	return remote.Query{
		Collection: MessagesCollection(s.conversationID),
		OrderBy:    "createdAt",
		Desc:       true,
		Limit:      s.cfg.PageSize,
	}
}

func (s *Store) subscribe(ctx context.Context, initial bool) error {
	subCtx, cancel := context.WithCancel(context.Background())
	sub, err := s.deps.Remote.Watch(subCtx, s.liveQuery())
	if err != nil {
		cancel()
		return err
	}

	var first remote.ChangeBatch
	select {
	case b, ok := <-sub.Changes():
		if !ok {
			cancel()
			err := sub.Err()
			if err == nil {
				err = syncerr.Errorf(syncerr.Transient, "messages.open", "subscription ended before first snapshot")
			}
			return err
		}
		first = b
	case <-ctx.Done():
		sub.Close()
		cancel()
		return ctx.Err()
	}

	done := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		cancel()
		return syncerr.E(syncerr.FailedPrecondition, "messages.open", errClosed)
	}
	s.subCancel = cancel
	s.subDone = done
	s.dropped = nil
	if initial {
		s.exhausted = len(first.Docs) < s.cfg.PageSize
		if n := len(first.Docs); n > 0 {
			s.cursor = cursorOf(first.Docs[n-1])
		}
	}
	s.mu.Unlock()

	s.apply(first)
	go s.consume(sub, done)
	return nil
}

func cursorOf(d *remote.Doc) *remote.Cursor {
	var md messageDoc
	if err := d.Decode(&md); err != nil {
		return &remote.Cursor{Value: int64(0), ID: d.ID}
	}
	return &remote.Cursor{Value: md.CreatedAt, ID: d.ID}
}

func (s *Store) consume(sub remote.Subscription, done chan struct{}) {
	defer close(done)
	defer sub.Close()
	for batch := range sub.Changes() {
		s.apply(batch)
	}
	if err := sub.Err(); err != nil {
		s.mu.Lock()
		if !s.closed {
			s.dropped = err
		}
		s.mu.Unlock()
		s.logger.Warn("live subscription dropped", zap.Error(err))
	}
}

// apply merges one live batch. Documents leaving the live window stay
// displayed; messages are never hard-deleted.
func (s *Store) apply(batch remote.ChangeBatch) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if batch.Version < s.version {
		s.mu.Unlock()
		s.logger.Debug("stale batch ignored", zap.Int64("version", batch.Version))
		return
	}
	s.version = batch.Version

	var receipts []string
	changed := false
	for _, ch := range batch.Changes {
		if ch.Kind == remote.Removed {
			continue
		}
		var md messageDoc
		if err := ch.Doc.Decode(&md); err != nil {
			s.logger.Warn("bad message document", zap.String("path", ch.Doc.Path), zap.Error(err))
			continue
		}
		s.mergeLocked(ch.Doc.ID, &md, false)
		changed = true
		if md.SenderID != s.actorID && md.Status == string(status.Sent) && !s.receipts[ch.Doc.ID] {
			s.receipts[ch.Doc.ID] = true
			receipts = append(receipts, ch.Doc.ID)
		}
	}
	var snap Snapshot
	if changed {
		s.sortLocked()
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if changed {
		s.publish(snap)
	}
	for _, id := range receipts {
		s.acknowledge(id)
	}
}

// mergeLocked reconciles a remote document with the local list, matching
// first by durable id and then by correlation token. older marks documents
// fetched by pagination, which sort before everything already shown.
func (s *Store) mergeLocked(id string, md *messageDoc, older bool) *entry {
	e := s.byID[id]
	if e == nil && md.ClientToken != "" {
		e = s.byKey[md.ClientToken]
	}
	target, err := status.Parse(md.Status)
	if err != nil {
		target = status.Sent
	}

	if e == nil {
		key := md.ClientToken
		if key == "" {
			key = "id:" + id
		}
		e = &entry{
			msg: Message{
				Key:            key,
				ConversationID: s.conversationID,
				SenderID:       md.SenderID,
				Kind:           md.Kind,
				CreatedAt:      fromMillis(md.CreatedAt),
			},
			docID: id,
		}
		e.machine = status.NewMachine(e.record)
		if older {
			s.minSeq--
			e.seq = s.minSeq
		} else {
			e.seq = s.nextSeq
			s.nextSeq++
		}
		s.entries = append(s.entries, e)
		s.byKey[key] = e
	}
	e.msg.mergeDoc(id, md)
	s.byID[id] = e

	if !e.machine.Advance(target) {
		s.logger.Debug("status update ignored",
			zap.String("id", id),
			zap.Stringer("current", e.machine.Current()),
			zap.String("remote", md.Status))
	}
	return e
}

func (e *entry) record(c status.Change) {
	e.history = append(e.history, c.To)
}

func (s *Store) sortLocked() {
	slices.SortStableFunc(s.entries, func(a, b *entry) int {
		if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
}

func (s *Store) snapshotLocked() Snapshot {
	msgs := make([]Message, len(s.entries))
	for i, e := range s.entries {
		msgs[i] = e.message()
	}
	s.snapSeq++
	return Snapshot{ConversationID: s.conversationID, Seq: s.snapSeq, Messages: msgs, Exhausted: s.exhausted}
}

// publish emits snap unless a newer snapshot already went out. Snapshots are
// taken under mu but published after it is released.
func (s *Store) publish(snap Snapshot) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if snap.Seq <= s.pubSeq {
		s.logger.Debug("stale snapshot dropped", zap.Uint64("seq", snap.Seq))
		return
	}
	s.pubSeq = snap.Seq
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(bus.NewEvent(bus.KindMessagesChanged, snap))
	}
}

// Messages returns the ordered list, oldest first.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked().Messages
}

// Message returns one message by key or durable id.
func (s *Store) Message(ref string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(ref)
	if e == nil {
		return Message{}, false
	}
	return e.message(), true
}

func (s *Store) lookupLocked(ref string) *entry {
	if e, ok := s.byKey[ref]; ok {
		return e
	}
	return s.byID[ref]
}

// Exhausted reports whether pagination reached the first message.
func (s *Store) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// acknowledge marks an incoming message delivered in the background.
func (s *Store) acknowledge(id string) {
	path := messagePath(s.conversationID, id)
	task := func(ctx context.Context) {
		err := s.deps.Scheduler.Schedule(ctx, backoff.KindMessageDeliver, func(ctx context.Context) error {
			_, err := s.deps.Remote.Update(ctx, path, remote.Set("status", string(status.Delivered)))
			return err
		})
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("delivery receipt failed", zap.String("id", id), zap.Error(err))
			s.mu.Lock()
			delete(s.receipts, id)
			s.mu.Unlock()
		}
	}
	if s.deps.Pool == nil || !s.deps.Pool.TrySubmit(task) {
		s.mu.Lock()
		delete(s.receipts, id)
		s.mu.Unlock()
	}
}

// Close cancels the live subscription and any pagination in flight. Sends in
// flight finish, but their results no longer touch the list.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel, done := s.subCancel, s.subDone
	if s.loadCancel != nil {
		s.loadCancel()
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.logger.Debug("conversation closed")
}
